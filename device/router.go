package device

import (
	"math/rand"

	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/ipstack"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

// DefaultRouterPorts is the port count used when none is specified.
const DefaultRouterPorts = 2

// Router is an IP-stack-owning device that forwards IPv4 packets not
// addressed to one of its own bound addresses, decrementing TTL and
// dropping packets that reach zero (spec.md §4.6).
type Router struct {
	*Base
	IP *ipstack.Stack
}

// NewRouter builds a Router with portCount ports (DefaultRouterPorts if <= 0).
func NewRouter(name string, portCount int, rng *rand.Rand) *Router {
	if portCount <= 0 {
		portCount = DefaultRouterPorts
	}
	r := &Router{
		Base: NewBase(name, portCount, netiface.DefaultQueueLength, netiface.DefaultMaxBandwidth, true, rng),
		IP:   ipstack.New(name, true),
	}
	if name == "" {
		r.SetName("Router-" + r.Interface(0).MAC().String())
	}
	return r
}

// Bind installs ip on the interface at portIdx within network, via the
// owned IP stack (spec.md C7).
func (r *Router) Bind(ip addr.IP, network addr.Network, portIdx int) {
	r.IP.Bind(ip, network, r.Interface(portIdx))
}

// IPStack returns the router's owned IP stack, for inspection (spec.md §6
// "per device expose name, interfaces, ip if present").
func (r *Router) IPStack() *ipstack.Stack { return r.IP }

// Step runs one tick: connection-change detection, ARP table and
// pending-send timer expiry, application stepping, then draining and
// dispatching every received frame to the IP stack for forwarding
// (spec.md §4.3, §4.6).
func (r *Router) Step() {
	r.Tick()
	r.DetectConnectionChanges(func(iface *netiface.Interface) {})
	r.IP.ARP().Expire()
	r.IP.Step()
	r.StepApplications()
	if r.AutoProcess() {
		r.DrainInputs(r.dispatch)
	}
}

func (r *Router) dispatch(frame packet.Ethernet, iface *netiface.Interface) {
	if !AcceptsFrame(frame.Dst, iface.MAC()) {
		return
	}
	r.IP.ProcessPacket(frame.Payload, frame.Src, frame.Dst, iface)
}
