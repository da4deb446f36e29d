// Package netiface implements the per-port bounded inbound/outbound queues
// devices and cables exchange Ethernet frames through (spec.md C3/§4.1).
package netiface

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/packet"
)

var log = logrus.WithField("pkg", "netiface")

// ErrAlreadyConnected is returned by Connect when called on an
// already-connected Interface.
var ErrAlreadyConnected = errors.New("netiface: already connected")

// DefaultQueueLength is the queue_length multiplier used when none is given.
const DefaultQueueLength = 3

// DefaultMaxBandwidth is the per-tick frame bandwidth used when none is given.
const DefaultMaxBandwidth = 1

// Interface is one device port: a MAC address and a pair of bounded FIFOs.
// Capacity of each FIFO is QueueLength * MaxBandwidth frames; enqueuing past
// capacity silently drops the newest frame (logged as a warning).
type Interface struct {
	mac          addr.MAC
	queueLength  int
	maxBandwidth int
	connected    bool

	inbound  []packet.Ethernet
	outbound []packet.Ethernet

	dropped uint64
}

// New returns an Interface with the given MAC, queue-length multiplier and
// max bandwidth. Disconnected by default; the owning Cable calls Connect.
func New(mac addr.MAC, queueLength, maxBandwidth int) *Interface {
	if queueLength <= 0 {
		queueLength = DefaultQueueLength
	}
	if maxBandwidth <= 0 {
		maxBandwidth = DefaultMaxBandwidth
	}
	return &Interface{
		mac:          mac,
		queueLength:  queueLength,
		maxBandwidth: maxBandwidth,
	}
}

// MAC returns the interface's hardware address.
func (i *Interface) MAC() addr.MAC { return i.mac }

// MaxBandwidth returns the configured bandwidth (frames per tick).
func (i *Interface) MaxBandwidth() int { return i.maxBandwidth }

// Connected reports whether the interface is attached to a cable.
func (i *Interface) Connected() bool { return i.connected }

// Capacity returns the bound each FIFO is held to.
func (i *Interface) Capacity() int { return i.queueLength * i.maxBandwidth }

// Dropped returns the cumulative count of frames dropped due to queue
// overflow, across both directions.
func (i *Interface) Dropped() uint64 { return i.dropped }

// InboundLen returns the current inbound queue depth.
func (i *Interface) InboundLen() int { return len(i.inbound) }

// OutboundLen returns the current outbound queue depth.
func (i *Interface) OutboundLen() int { return len(i.outbound) }

// Connect marks the interface connected. Fails if already connected: a
// cable must not attach to a port twice without an intervening Disconnect.
func (i *Interface) Connect() error {
	if i.connected {
		return ErrAlreadyConnected
	}
	i.connected = true
	return nil
}

// Disconnect flushes the outbound queue and marks the interface
// disconnected, per spec.md §4.1.
func (i *Interface) Disconnect() {
	i.FlushOutbound()
	i.connected = false
}

// FlushOutbound empties the outbound queue.
func (i *Interface) FlushOutbound() { i.outbound = i.outbound[:0] }

// FlushInbound empties the inbound queue.
func (i *Interface) FlushInbound() { i.inbound = i.inbound[:0] }

// Send enqueues frame for transmission (an alias for outbound enqueue). It
// is a silent no-op, returning ok=false, if the interface is disconnected —
// callers/tests can observe this via the return value per SPEC_FULL.md's
// Open Question 3 resolution.
func (i *Interface) Send(frame packet.Ethernet) (ok bool) {
	if !i.connected {
		return false
	}
	return i.enqueue(&i.outbound, frame)
}

// Receive dequeues the oldest inbound frame, if any.
func (i *Interface) Receive() (packet.Ethernet, bool) {
	return i.dequeue(&i.inbound)
}

// OutboundRead is called by the owning Cable once per tick to pull the next
// frame to put into transit. If the frame's source MAC is unset, it is
// late-bound to this interface's MAC here (spec.md §4.1).
func (i *Interface) OutboundRead() (packet.Ethernet, bool) {
	frame, ok := i.dequeue(&i.outbound)
	if !ok {
		return packet.Ethernet{}, false
	}
	if !frame.HasSrc() {
		frame.Src = i.mac
	}
	return frame, true
}

// InboundWrite is called by the owning Cable to deliver an arrived frame.
func (i *Interface) InboundWrite(frame packet.Ethernet) (ok bool) {
	return i.enqueue(&i.inbound, frame)
}

func (i *Interface) enqueue(q *[]packet.Ethernet, frame packet.Ethernet) bool {
	if len(*q) >= i.Capacity() {
		i.dropped++
		log.WithField("mac", i.mac.String()).Warn("queue full, dropping newest frame")
		return false
	}
	*q = append(*q, frame)
	return true
}

func (i *Interface) dequeue(q *[]packet.Ethernet) (packet.Ethernet, bool) {
	if len(*q) == 0 {
		return packet.Ethernet{}, false
	}
	frame := (*q)[0]
	*q = (*q)[1:]
	return frame, true
}
