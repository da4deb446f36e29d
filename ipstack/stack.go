// Package ipstack implements the IP-layer state a Host or Router device
// owns: address bindings, ARP resolution, routing, pending-send queuing
// and protocol-callback dispatch (spec.md C5-C8, §4.5-§4.6).
package ipstack

import (
	"errors"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

var log = logrus.WithField("pkg", "ipstack")

// ErrNoRoute is returned by Send when no route matches the destination.
var ErrNoRoute = errors.New("ipstack: no route to destination")

// ErrProtocolAlreadyBound is returned by BindProtocol when a callback is
// already registered for the exact (kind, addr, port) tuple.
var ErrProtocolAlreadyBound = errors.New("ipstack: protocol already bound")

// DefaultARPTimeout is the tick countdown an in-flight ARP request starts
// at before its pending sends are dropped (spec.md C8).
const DefaultARPTimeout = 40

// ProtoKind distinguishes the protocol callback tables a Stack dispatches
// received payloads to.
type ProtoKind uint8

const (
	ProtoICMPReply ProtoKind = iota + 1
	ProtoUDP
)

func (k ProtoKind) String() string {
	switch k {
	case ProtoICMPReply:
		return "ICMPReply"
	case ProtoUDP:
		return "UDP"
	default:
		return "unknown"
	}
}

// Callback receives a demultiplexed payload arriving at (dst, port) on
// iface, addressed from (src, srcMAC).
type Callback func(payload packet.Payload, src, dst addr.IP, iface *netiface.Interface, srcMAC, dstMAC addr.MAC)

type protoKey struct {
	kind ProtoKind
	addr addr.IP
	port int
}

// pendingSend is a Send call parked waiting for ARP resolution of nextHop.
type pendingSend struct {
	nextHop addr.IP
	dst     addr.IP
	src     addr.IP
	ttl     int
	iface   *netiface.Interface
	payload packet.Payload
}

// Stack is one device's IP layer: it may span several bound interfaces
// (a router binds one address per port; a host typically binds one).
type Stack struct {
	binds  *bindSet
	routes *RouteTable
	arp    *ARPTable

	forwardPackets bool

	pending      []pendingSend
	arpTimers    map[addr.IP]int
	protocols    map[protoKey]Callback

	name string // owning device name, for log context only
}

// New returns an empty Stack. forwardPackets selects Router (true) versus
// Host (false) behavior for unaddressed-to-us IP packets (spec.md §4.6).
func New(name string, forwardPackets bool) *Stack {
	return &Stack{
		binds:          newBindSet(),
		routes:         NewRouteTable(),
		arp:            NewARPTable(DefaultARPExpiration),
		forwardPackets: forwardPackets,
		arpTimers:      make(map[addr.IP]int),
		protocols:      make(map[protoKey]Callback),
		name:           name,
	}
}

// ARP returns the stack's resolution table, e.g. for the owning device to
// expire it once per tick.
func (s *Stack) ARP() *ARPTable { return s.arp }

// Routes returns the stack's route table, for inspection.
func (s *Stack) Routes() *RouteTable { return s.routes }

// ForwardsPackets reports whether this stack forwards packets not
// addressed to one of its bound addresses (true for routers).
func (s *Stack) ForwardsPackets() bool { return s.forwardPackets }

// Binds returns a copy of the stack's bound addresses, for inspection.
func (s *Stack) Binds() []Bind { return s.binds.all() }

// ProtocolBind describes one registered (kind, addr, port) callback, for
// inspection (spec.md §6 "protocol_binds").
type ProtocolBind struct {
	Kind ProtoKind
	Addr addr.IP
	Port int
}

func (p ProtocolBind) String() string {
	return p.Kind.String() + "/" + p.Addr.String() + ":" + strconv.Itoa(p.Port)
}

// ProtocolBinds returns a snapshot of every currently registered protocol
// callback's key, without exposing the callbacks themselves.
func (s *Stack) ProtocolBinds() []ProtocolBind {
	out := make([]ProtocolBind, 0, len(s.protocols))
	for k := range s.protocols {
		out = append(out, ProtocolBind{Kind: k.kind, Addr: k.addr, Port: k.port})
	}
	return out
}

// FindBind returns the first bind matching network (if non-nil) and iface
// (if non-nil) — used by applications like the DHCP server to recover the
// address they should answer from on a given port.
func (s *Stack) FindBind(network *addr.Network, iface *netiface.Interface) (Bind, bool) {
	for _, b := range s.binds.all() {
		if network != nil && !b.Network.Equal(*network) {
			continue
		}
		if iface != nil && b.Iface != iface {
			continue
		}
		return b, true
	}
	return Bind{}, false
}

// SendOptions customizes a Send call; the zero value lets Send choose
// everything automatically.
type SendOptions struct {
	Src   *addr.IP
	Iface *netiface.Interface
	TTL   *int
}

// Bind installs ip on iface within network: records the binding and adds
// a connected route for network via iface, then announces the mapping
// with a gratuitous ARP (spec.md §4.5 C7).
func (s *Stack) Bind(ip addr.IP, network addr.Network, iface *netiface.Interface) {
	s.binds.add(Bind{Addr: ip, Network: network, Iface: iface})
	s.routes.AddRoute(Route{Network: network, Iface: iface})
	s.SendGARP(ip, iface)
}

// Unbind removes bindings matching ip (if non-nil) and iface (if non-nil),
// along with any connected route installed for their network on that
// interface.
func (s *Stack) Unbind(ip *addr.IP, iface *netiface.Interface) {
	removed := s.binds.remove(ip, iface)
	for _, b := range removed {
		net := b.Network
		s.routes.DelRoutes(RouteFilter{Network: &net, Iface: b.Iface})
	}
}

// BindProtocol registers cb to receive payloads addressed to (kind, bindAddr,
// port). bindAddr may be the zero IP to match any destination address
// (spec.md §4.6's specific-then-ANY fallback).
func (s *Stack) BindProtocol(kind ProtoKind, bindAddr addr.IP, port int, cb Callback) error {
	key := protoKey{kind: kind, addr: bindAddr, port: port}
	if _, exists := s.protocols[key]; exists {
		return ErrProtocolAlreadyBound
	}
	s.protocols[key] = cb
	return nil
}

// UnbindProtocol removes a previously registered callback.
func (s *Stack) UnbindProtocol(kind ProtoKind, bindAddr addr.IP, port int) {
	delete(s.protocols, protoKey{kind: kind, addr: bindAddr, port: port})
}

// Send transmits payload to dst, resolving a route and (if needed) the
// next-hop MAC via ARP. If the next hop is unresolved, the send is parked
// in the pending queue and an ARP request issued (unless one is already in
// flight); this is normal asynchronous operation, not an error. Returns
// ErrNoRoute only when no route matches dst, or when the matching route's
// gateway itself has no route.
func (s *Stack) Send(dst addr.IP, payload packet.Payload, opts SendOptions) error {
	route := s.routes.FindRoute(dst, opts.Src, opts.Iface)
	if route == nil {
		log.WithField("dst", dst.String()).Debug("no route to destination")
		return ErrNoRoute
	}

	nextHop := dst
	egress := route
	if route.Via != nil {
		nextHop = *route.Via
		egress = s.routes.FindRoute(nextHop, nil, nil)
		if egress == nil {
			log.WithField("via", nextHop.String()).Debug("no route to gateway")
			return ErrNoRoute
		}
	}

	src := addr.IP{}
	switch {
	case opts.Src != nil:
		src = *opts.Src
	case route.Src != nil:
		src = *route.Src
	default:
		if b, ok := s.binds.first(egress.Iface); ok {
			src = b.Addr
		}
	}

	ttl := packet.DefaultTTL
	if opts.TTL != nil {
		ttl = *opts.TTL
	}

	mac, ok := s.arp.Lookup(nextHop)
	if !ok {
		s.enqueuePending(pendingSend{nextHop: nextHop, dst: dst, src: src, ttl: ttl, iface: egress.Iface, payload: payload})
		if _, inFlight := s.arpTimers[nextHop]; !inFlight {
			s.SendARPRequest(nextHop, egress.Iface)
		}
		return nil
	}

	frame := packet.Ethernet{
		Dst:     mac,
		Payload: packet.IPv4{Src: src, Dst: dst, TTL: ttl, Payload: payload},
	}
	egress.Iface.Send(frame)
	return nil
}

func (s *Stack) enqueuePending(p pendingSend) {
	s.pending = append(s.pending, p)
}

// SendARPRequest broadcasts a request for ip's MAC on iface and starts its
// timeout countdown (no-op if one is already running, matching Send's
// "unless already in flight" rule).
func (s *Stack) SendARPRequest(ip addr.IP, iface *netiface.Interface) {
	if _, inFlight := s.arpTimers[ip]; inFlight {
		return
	}
	s.arpTimers[ip] = DefaultARPTimeout
	srcIP := addr.IP{}
	if b, ok := s.binds.first(iface); ok {
		srcIP = b.Addr
	}
	iface.Send(packet.Ethernet{
		Dst: addr.BroadcastMAC,
		Payload: packet.ARP{
			Request: true,
			SrcMAC:  iface.MAC(),
			SrcIP:   srcIP,
			DstIP:   ip,
		},
	})
}

// SendARPResponse replies to a request received on iface, identifying us as
// ip's owner.
func (s *Stack) SendARPResponse(req packet.ARP, ip addr.IP, iface *netiface.Interface) {
	iface.Send(packet.Ethernet{
		Dst: req.SrcMAC,
		Payload: packet.ARP{
			Request: false,
			SrcMAC:  iface.MAC(),
			SrcIP:   ip,
			DstMAC:  req.SrcMAC,
			DstIP:   req.SrcIP,
		},
	})
}

// SendGARP broadcasts a gratuitous ARP announcing ip -> iface's MAC,
// letting peers update stale caches immediately after a bind (spec.md §4.5).
func (s *Stack) SendGARP(ip addr.IP, iface *netiface.Interface) {
	iface.Send(packet.Ethernet{
		Dst: addr.BroadcastMAC,
		Payload: packet.ARP{
			Request: false,
			SrcMAC:  iface.MAC(),
			SrcIP:   ip,
			DstIP:   ip,
		},
	})
}

// Step decrements in-flight ARP request timers, dropping their pending
// sends once a timer expires (spec.md C8). ARP *table* expiry is a
// separate per-tick job the owning device drives via s.ARP().Expire().
func (s *Stack) Step() {
	for ip, ticks := range s.arpTimers {
		ticks--
		if ticks <= 0 {
			delete(s.arpTimers, ip)
			s.dropPending(ip)
			log.WithField("ip", ip.String()).Debug("ARP request timed out")
			continue
		}
		s.arpTimers[ip] = ticks
	}
}

func (s *Stack) dropPending(nextHop addr.IP) {
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.nextHop != nextHop {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

func (s *Stack) replayPending(nextHop addr.IP, mac addr.MAC) {
	var remaining []pendingSend
	for _, p := range s.pending {
		if p.nextHop != nextHop {
			remaining = append(remaining, p)
			continue
		}
		frame := packet.Ethernet{
			Dst:     mac,
			Payload: packet.IPv4{Src: p.src, Dst: p.dst, TTL: p.ttl, Payload: p.payload},
		}
		p.iface.Send(frame)
	}
	s.pending = remaining
	delete(s.arpTimers, nextHop)
}

// localSource reports whether ip is reachable directly off iface according
// to the route table — used to guard ARP/IP learning against off-link
// spoofing (spec.md §4.6's "local_source" guard).
func (s *Stack) localSource(ip addr.IP, iface *netiface.Interface) bool {
	for _, r := range s.routes.Routes() {
		if r.Iface == iface && r.Via == nil && r.Network.InNetwork(ip) {
			return true
		}
	}
	return false
}

// ProcessPacket dispatches a payload received on iface from srcMAC to
// dstMAC: ARP requests/replies update the resolution table and may reply
// or release pending sends; IPv4 packets addressed to us are demultiplexed
// to the registered ICMP/UDP callbacks, forwarded if this stack forwards
// packets, or dropped otherwise (spec.md §4.6).
func (s *Stack) ProcessPacket(payload packet.Payload, srcMAC, dstMAC addr.MAC, iface *netiface.Interface) {
	switch p := payload.(type) {
	case packet.ARP:
		s.processARP(p, iface)
	case packet.IPv4:
		s.processIPv4(p, srcMAC, iface)
	default:
		log.WithField("type", "unsupported").Debug("ipstack: dropping non-ARP/IPv4 payload")
	}
}

func (s *Stack) processARP(p packet.ARP, iface *netiface.Interface) {
	if s.localSource(p.SrcIP, iface) && !p.SrcIP.IsZero() {
		s.arp.Add(p.SrcIP, p.SrcMAC)
		s.replayPending(p.SrcIP, p.SrcMAC)
	}
	if p.Request && s.binds.contains(p.DstIP) {
		s.SendARPResponse(p, p.DstIP, iface)
	}
}

func (s *Stack) processIPv4(p packet.IPv4, srcMAC addr.MAC, iface *netiface.Interface) {
	if s.localSource(p.Src, iface) {
		s.arp.Add(p.Src, srcMAC)
	}

	if !s.addressedToUs(p.Dst) {
		if !s.forwardPackets {
			log.WithField("dst", p.Dst.String()).Debug("dropping packet not addressed to us")
			return
		}
		ttl := p.TTL - 1
		if ttl <= 0 {
			log.WithField("dst", p.Dst.String()).Debug("dropping packet: TTL exceeded")
			return
		}
		src := p.Src
		if err := s.Send(p.Dst, p.Payload, SendOptions{Src: &src, TTL: &ttl}); err != nil {
			log.WithField("dst", p.Dst.String()).Debug("forward failed: ", err)
		}
		return
	}

	switch inner := p.Payload.(type) {
	case packet.ICMPEcho:
		s.Send(p.Src, packet.ICMPReply{ID: inner.ID, Seq: inner.Seq, Payload: inner.Payload}, SendOptions{Src: &p.Dst})
	case packet.ICMPReply:
		s.dispatchProtocol(ProtoICMPReply, p.Src, p.Dst, int(inner.ID), p.Payload, srcMAC, iface)
	case packet.UDP:
		s.dispatchProtocol(ProtoUDP, p.Src, p.Dst, int(inner.DstPort), inner.Payload, srcMAC, iface)
	default:
		log.Debug("ipstack: dropping IPv4 packet with unsupported inner payload")
	}
}

// addressedToUs reports whether dst is one of our bound addresses, the
// global broadcast, or the directed broadcast of one of our bound networks.
func (s *Stack) addressedToUs(dst addr.IP) bool {
	if dst.IsBroadcast() {
		return true
	}
	for _, b := range s.binds.all() {
		if b.Addr == dst || b.Network.BroadcastAddr() == dst {
			return true
		}
	}
	return false
}

func (s *Stack) dispatchProtocol(kind ProtoKind, src, dst addr.IP, port int, payload packet.Payload, srcMAC addr.MAC, iface *netiface.Interface) {
	if cb, ok := s.protocols[protoKey{kind: kind, addr: dst, port: port}]; ok {
		cb(payload, src, dst, iface, srcMAC, iface.MAC())
		return
	}
	if cb, ok := s.protocols[protoKey{kind: kind, addr: addr.IP{}, port: port}]; ok {
		cb(payload, src, dst, iface, srcMAC, iface.MAC())
		return
	}
	log.WithField("port", port).Debug("ipstack: no protocol callback bound")
}
