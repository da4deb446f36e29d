// Package app implements user-level applications that attach to a device
// via the device.Application lifecycle (spec.md C13). Ping is grounded on
// original_source/application/ping.py.
package app

import (
	"math/rand"

	"github.com/sirupsen/logrus"
	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/ipstack"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

var log = logrus.WithField("pkg", "app")

// DefaultARPTimeout and DefaultPingTimeout match the original's tick counts.
const (
	DefaultARPTimeout  = 40
	DefaultPingTimeout = 60
)

// Ping repeatedly sends ICMP echo requests to dst, tracking in-flight
// sequence numbers and timing out requests that never get a reply
// (spec.md §4.9).
type Ping struct {
	stack *ipstack.Stack
	dst   addr.IP

	sequence   int
	identifier uint16

	inFlight map[int]int // seq -> age in ticks since sent

	routeDst   addr.IP
	arpTimer   int
	arpTimeout int

	pingTimeout int
	maxInFlight int
	stepCount   int

	// OnReply, if set, is invoked for every reply received, with the
	// round-trip age (in ticks) of the request it answers.
	OnReply func(seq int, rttTicks int)
}

// NewPing builds a Ping application targeting dst. rng seeds the ICMP
// identifier, matching the original's randint(0, 65535).
func NewPing(stack *ipstack.Stack, dst addr.IP, rng *rand.Rand) *Ping {
	p := &Ping{
		stack:       stack,
		dst:         dst,
		identifier:  uint16(rng.Intn(1 << 16)),
		inFlight:    make(map[int]int),
		arpTimeout:  DefaultARPTimeout,
		pingTimeout: DefaultPingTimeout,
		maxInFlight: 1,
	}
	p.routeDst = dst
	if route := stack.Routes().FindRoute(dst, nil, nil); route != nil && route.Via != nil {
		p.routeDst = *route.Via
	}
	return p
}

// Start registers the ICMP-reply callback keyed by this ping's identifier.
func (p *Ping) Start() {
	p.stack.BindProtocol(ipstack.ProtoICMPReply, addr.IP{}, int(p.identifier), p.processPacket)
}

// Stop releases the callback.
func (p *Ping) Stop() {
	p.stack.UnbindProtocol(ipstack.ProtoICMPReply, addr.IP{}, int(p.identifier))
}

// Step ages in-flight requests (dropping any that time out), resolves the
// route destination via ARP if needed, and sends a new echo request when
// under maxInFlight (spec.md §4.9).
func (p *Ping) Step() {
	p.stepCount++

	for seq, age := range p.inFlight {
		if age >= p.pingTimeout {
			log.WithField("seq", seq).Debug("ping timeout")
			delete(p.inFlight, seq)
			continue
		}
		p.inFlight[seq] = age + 1
	}

	if _, ok := p.stack.ARP().Lookup(p.routeDst); !ok {
		if p.arpTimer >= p.arpTimeout {
			log.WithField("dst", p.routeDst.String()).Debug("ARP lookup timed out, host unreachable")
			p.arpTimer = 0
		}
		if p.arpTimer == 0 {
			if iface := p.egressIface(); iface != nil {
				p.stack.SendARPRequest(p.routeDst, iface)
			}
		}
		p.arpTimer++
		return
	}

	if len(p.inFlight) < p.maxInFlight {
		p.sequence++
		p.stack.Send(p.dst, packet.ICMPEcho{
			ID:      p.identifier,
			Seq:     uint16(p.sequence),
			Payload: p.stepCount,
		}, ipstack.SendOptions{})
		p.inFlight[p.sequence] = 0
	}
}

func (p *Ping) egressIface() *netiface.Interface {
	route := p.stack.Routes().FindRoute(p.dst, nil, nil)
	if route == nil {
		return nil
	}
	return route.Iface
}

func (p *Ping) processPacket(payload packet.Payload, src, dst addr.IP, iface *netiface.Interface, srcMAC, dstMAC addr.MAC) {
	reply, ok := payload.(packet.ICMPReply)
	if !ok {
		log.Debug("ping: ignoring non-ICMPReply payload on our bound identifier")
		return
	}
	seq := int(reply.Seq)
	sentAt, tracked := p.inFlight[seq]
	if !tracked {
		log.WithField("seq", seq).Debug("received reply for an unknown or timed-out sequence")
		return
	}
	delete(p.inFlight, seq)
	if p.OnReply != nil {
		p.OnReply(seq, sentAt)
	}
}

// InFlight returns the number of currently outstanding echo requests, for
// inspection/tests.
func (p *Ping) InFlight() int { return len(p.inFlight) }

// Sequence returns the most recently sent sequence number.
func (p *Ping) Sequence() int { return p.sequence }
