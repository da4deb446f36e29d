package device

import (
	"math/rand"

	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/ipstack"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

// DefaultHostPorts is the port count used when none is specified.
const DefaultHostPorts = 1

// Host is an IP-stack-owning device that never forwards packets not
// addressed to one of its bound addresses (spec.md §4.6).
type Host struct {
	*Base
	IP *ipstack.Stack
}

// NewHost builds a Host with portCount ports (DefaultHostPorts if <= 0).
func NewHost(name string, portCount int, rng *rand.Rand) *Host {
	if portCount <= 0 {
		portCount = DefaultHostPorts
	}
	h := &Host{
		Base: NewBase(name, portCount, netiface.DefaultQueueLength, netiface.DefaultMaxBandwidth, true, rng),
		IP:   ipstack.New(name, false),
	}
	if name == "" {
		h.SetName("Host-" + h.Interface(0).MAC().String())
	}
	return h
}

// Bind installs ip on the interface at portIdx within network, via the
// owned IP stack (spec.md C7).
func (h *Host) Bind(ip addr.IP, network addr.Network, portIdx int) {
	h.IP.Bind(ip, network, h.Interface(portIdx))
}

// IPStack returns the host's owned IP stack, for inspection (spec.md §6
// "per device expose name, interfaces, ip if present").
func (h *Host) IPStack() *ipstack.Stack { return h.IP }

// Step runs one tick: connection-change detection, ARP table and
// pending-send timer expiry, application stepping, then draining and
// dispatching every received frame to the IP stack (spec.md §4.3, §4.6).
func (h *Host) Step() {
	h.Tick()
	h.DetectConnectionChanges(func(iface *netiface.Interface) {})
	h.IP.ARP().Expire()
	h.IP.Step()
	h.StepApplications()
	if h.AutoProcess() {
		h.DrainInputs(h.dispatch)
	}
}

func (h *Host) dispatch(frame packet.Ethernet, iface *netiface.Interface) {
	if !AcceptsFrame(frame.Dst, iface.MAC()) {
		return
	}
	h.IP.ProcessPacket(frame.Payload, frame.Src, frame.Dst, iface)
}
