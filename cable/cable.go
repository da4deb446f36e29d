// Package cable implements the propagation-delay and bandwidth-limited
// transit pipeline between two interfaces (spec.md C4/§4.2).
package cable

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

var log = logrus.WithField("pkg", "cable")

// ErrInvalidLength is returned by New when length < 1.
var ErrInvalidLength = errors.New("cable: length must be >= 1")

// ErrInvalidBandwidth is returned by New when maxBandwidth < 1.
var ErrInvalidBandwidth = errors.New("cable: max_bandwidth must be >= 1")

// slot holds up to bandwidth frames in flight at one shift-register
// position; a nil entry is an empty subslot.
type slot []*packet.Ethernet

// Cable is a length-N shift register of slots between two interfaces, in
// each direction. A frame enqueued into the cable takes exactly length
// ticks to reach the far interface's inbound queue.
type Cable struct {
	length       int
	maxBandwidth int

	a, b *netiface.Interface

	abTransit []slot // a -> b
	baTransit []slot // b -> a
}

// New returns a Cable of the given length and max bandwidth, with no
// endpoints connected yet. Call SetA/SetB to attach interfaces.
func New(length, maxBandwidth int) (*Cable, error) {
	if length < 1 {
		return nil, ErrInvalidLength
	}
	if maxBandwidth < 1 {
		return nil, ErrInvalidBandwidth
	}
	c := &Cable{length: length, maxBandwidth: maxBandwidth}
	c.Flush()
	return c, nil
}

// Length returns the cable's propagation delay in ticks.
func (c *Cable) Length() int { return c.length }

// Bandwidth returns the effective per-tick frame bandwidth: the minimum of
// the cable's configured max bandwidth and each connected endpoint's max
// bandwidth (spec.md §3 C4).
func (c *Cable) Bandwidth() int {
	bw := c.maxBandwidth
	if c.a != nil && c.a.MaxBandwidth() < bw {
		bw = c.a.MaxBandwidth()
	}
	if c.b != nil && c.b.MaxBandwidth() < bw {
		bw = c.b.MaxBandwidth()
	}
	return bw
}

// A returns the interface attached at the "a" end, or nil.
func (c *Cable) A() *netiface.Interface { return c.a }

// B returns the interface attached at the "b" end, or nil.
func (c *Cable) B() *netiface.Interface { return c.b }

// SetA attaches (or detaches, with iface=nil) the "a" endpoint. The
// previous endpoint, if any, is disconnected; the new one is connected.
// The transit arrays are flushed, matching the original's property-setter
// behavior (spec.md §3 C4 invariant).
func (c *Cable) SetA(iface *netiface.Interface) error {
	next, err := c.setEndpoint(c.a, iface)
	if err != nil {
		return err
	}
	c.a = next
	c.Flush()
	return nil
}

// SetB attaches (or detaches, with iface=nil) the "b" endpoint. See SetA.
func (c *Cable) SetB(iface *netiface.Interface) error {
	next, err := c.setEndpoint(c.b, iface)
	if err != nil {
		return err
	}
	c.b = next
	c.Flush()
	return nil
}

func (c *Cable) setEndpoint(prev, next *netiface.Interface) (*netiface.Interface, error) {
	if prev != nil {
		prev.Disconnect()
	}
	if next == nil {
		return nil, nil
	}
	if err := next.Connect(); err != nil {
		return nil, err
	}
	return next, nil
}

// Flush empties both transit arrays, re-shaping them to length x bandwidth.
// Called whenever an endpoint or the effective bandwidth changes.
func (c *Cable) Flush() {
	bw := c.Bandwidth()
	c.abTransit = newTransit(c.length, bw)
	c.baTransit = newTransit(c.length, bw)
}

func newTransit(length, bandwidth int) []slot {
	t := make([]slot, length)
	for i := range t {
		t[i] = make(slot, bandwidth)
	}
	return t
}

// Step advances the cable by one tick, in the fixed order spec.md §4.2
// requires: deliver the head slot, shift every slot one position, then
// load a fresh tail slot from each source interface's outbound queue. It
// returns the number of frames successfully delivered this tick, for
// metrics.
func (c *Cable) Step() int {
	if c.a == nil || c.b == nil {
		c.Flush()
		return 0
	}
	delivered := c.deliver(c.abTransit[0], c.b)
	delivered += c.deliver(c.baTransit[0], c.a)

	for x := 1; x < c.length; x++ {
		c.abTransit[x-1] = c.abTransit[x]
		c.baTransit[x-1] = c.baTransit[x]
	}

	c.abTransit[c.length-1] = c.load(c.a)
	c.baTransit[c.length-1] = c.load(c.b)
	return delivered
}

func (c *Cable) deliver(s slot, dst *netiface.Interface) int {
	delivered := 0
	for _, frame := range s {
		if frame == nil {
			continue
		}
		if !dst.InboundWrite(*frame) {
			log.WithField("dst", dst.MAC().String()).Debug("dropped frame on delivery: inbound queue full")
			continue
		}
		delivered++
	}
	return delivered
}

func (c *Cable) load(src *netiface.Interface) slot {
	bw := c.Bandwidth()
	s := make(slot, bw)
	for i := 0; i < bw; i++ {
		frame, ok := src.OutboundRead()
		if ok {
			s[i] = &frame
		}
	}
	return s
}
