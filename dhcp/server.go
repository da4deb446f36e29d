package dhcp

import (
	"math/rand"

	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/ipstack"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

// DefaultLeaseTime is the tick countdown a freshly issued lease starts at.
const DefaultLeaseTime = 5000

// Lease is one allocated address, grounded on
// original_source/application/dhcp/server.py's DHCPLease.
type Lease struct {
	ClientMAC addr.MAC
	Addr      addr.IP
	Expires   int
}

// Server is a DHCPv4 server application bound to one network (spec.md
// C12/§4.7): it hands out addresses from a sub-range of the network,
// reserving the low and high 10% for statically configured hosts, matching
// the original's range defaults.
type Server struct {
	stack   *ipstack.Stack
	network addr.Network
	rng     *rand.Rand

	rangeStart, rangeEnd addr.IP
	pool                 map[addr.IP]bool
	leaseTime            int
	leases               []*Lease

	router      *addr.IP
	nameservers []addr.IP
}

// ServerOption customizes NewServer.
type ServerOption func(*Server)

// WithLeaseTime overrides DefaultLeaseTime.
func WithLeaseTime(ticks int) ServerOption { return func(s *Server) { s.leaseTime = ticks } }

// WithRange overrides the default 10%/90% pool bounds.
func WithRange(start, end addr.IP) ServerOption {
	return func(s *Server) { s.rangeStart, s.rangeEnd = start, end }
}

// WithRouter sets the option-3 gateway address offered to clients.
func WithRouter(router addr.IP) ServerOption {
	return func(s *Server) { s.router = &router }
}

// WithNameservers sets the option-6 DNS server list offered to clients.
func WithNameservers(ns []addr.IP) ServerOption {
	return func(s *Server) { s.nameservers = ns }
}

// NewServer builds a DHCP server for network, with a default pool spanning
// the middle 80% of the network's addresses.
func NewServer(stack *ipstack.Stack, network addr.Network, rng *rand.Rand, opts ...ServerOption) *Server {
	size := uint32(1) << uint(32-network.MatchBits)
	margin := uint32(float64(size) * 0.1)
	s := &Server{
		stack:      stack,
		network:    network,
		rng:        rng,
		leaseTime:  DefaultLeaseTime,
		pool:       make(map[addr.IP]bool),
		rangeStart: addr.IPFromUint32(network.Addr().Uint32() + margin),
		rangeEnd:   addr.IPFromUint32(network.BroadcastAddr().Uint32() - margin),
	}
	for _, opt := range opts {
		opt(s)
	}
	for v := s.rangeStart.Uint32(); v < s.rangeEnd.Uint32(); v++ {
		s.pool[addr.IPFromUint32(v)] = true
	}
	return s
}

// PoolAvailable returns the count of addresses still free to lease, for
// inspection and metrics.
func (s *Server) PoolAvailable() int { return len(s.pool) }

// LeaseCount returns the count of currently active leases, for inspection
// and metrics.
func (s *Server) LeaseCount() int { return len(s.leases) }

// Start binds the server's UDP:67 callback.
func (s *Server) Start() {
	s.stack.BindProtocol(ipstack.ProtoUDP, addr.IP{}, 67, s.processPacket)
}

// Stop releases the UDP:67 binding.
func (s *Server) Stop() {
	s.stack.UnbindProtocol(ipstack.ProtoUDP, addr.IP{}, 67)
}

// Step ages every outstanding lease by one tick, reclaiming any that
// expire (spec.md §4.7).
func (s *Server) Step() {
	kept := s.leases[:0]
	for _, l := range s.leases {
		if l.Expires <= 0 {
			s.pool[l.Addr] = true
			continue
		}
		l.Expires--
		kept = append(kept, l)
	}
	s.leases = kept
}

func (s *Server) checkLease(mac *addr.MAC, ip *addr.IP) *Lease {
	for _, l := range s.leases {
		if (mac == nil || l.ClientMAC == *mac) && (ip == nil || l.Addr == *ip) {
			return l
		}
	}
	return nil
}

// checkout assigns (or refreshes) a lease for mac, preferring reqIP if it's
// available in the pool.
func (s *Server) checkout(mac addr.MAC, reqIP *addr.IP) *Lease {
	if lease := s.checkLease(&mac, nil); lease != nil {
		lease.Expires = s.leaseTime
		return lease
	}
	var chosen addr.IP
	if reqIP != nil && s.pool[*reqIP] {
		chosen = *reqIP
	} else {
		chosen = s.randomPoolAddr()
	}
	delete(s.pool, chosen)
	lease := &Lease{ClientMAC: mac, Addr: chosen, Expires: s.leaseTime}
	s.leases = append(s.leases, lease)
	return lease
}

func (s *Server) randomPoolAddr() addr.IP {
	keys := make([]addr.IP, 0, len(s.pool))
	for ip := range s.pool {
		keys = append(keys, ip)
	}
	if len(keys) == 0 {
		return addr.IP{}
	}
	return keys[s.rng.Intn(len(keys))]
}

func (s *Server) checkin(mac addr.MAC, ip addr.IP) {
	kept := s.leases[:0]
	for _, l := range s.leases {
		if l.ClientMAC == mac && l.Addr == ip {
			continue
		}
		kept = append(kept, l)
	}
	s.leases = kept
	if s.checkLease(nil, &ip) == nil {
		s.pool[ip] = true
	}
}

func (s *Server) options() map[int]any {
	o := map[int]any{
		packet.OptSubnetMask: s.network,
		packet.OptLeaseTime:  s.leaseTime,
		packet.OptRenewTime:  s.leaseTime / 2,
		packet.OptRebindTime: s.leaseTime * 3 / 4,
	}
	if s.router != nil {
		o[packet.OptRouter] = *s.router
	}
	if len(s.nameservers) > 0 {
		o[packet.OptDNSServers] = s.nameservers
	}
	return o
}

func (s *Server) processPacket(payload packet.Payload, src, dst addr.IP, iface *netiface.Interface, srcMAC, dstMAC addr.MAC) {
	d, ok := payload.(packet.DHCP)
	if !ok {
		log.Debug("dhcp server: ignoring non-DHCP payload")
		return
	}
	bind, ok := s.stack.FindBind(&s.network, iface)
	if !ok {
		log.Debug("dhcp server: received request on interface not bound to our network")
		return
	}

	switch d.Kind {
	case packet.DHCPDiscover:
		s.handleDiscover(d, bind, iface)
	case packet.DHCPRequest:
		s.handleRequest(d, bind, iface)
	}
}

func (s *Server) handleDiscover(d packet.DHCP, bind ipstack.Bind, iface *netiface.Interface) {
	reqIP, _ := packet.Option[addr.IP](d, packet.OptRequestedIP)
	var reqIPPtr *addr.IP
	if reqIP != (addr.IP{}) {
		reqIPPtr = &reqIP
	}
	lease := s.checkout(d.ClientMAC, reqIPPtr)

	iface.Send(packet.Ethernet{
		Dst: lease.ClientMAC,
		Payload: packet.IPv4{
			Src: bind.Addr, Dst: addr.BroadcastIP, TTL: packet.DefaultTTL,
			Payload: packet.UDP{
				SrcPort: 67, DstPort: 68,
				Payload: packet.DHCP{
					Kind: packet.DHCPOffer, YourIP: lease.Addr, ServerIP: bind.Addr,
					ClientMAC: lease.ClientMAC, Options: s.options(),
				},
			},
		},
	})
}

func (s *Server) handleRequest(d packet.DHCP, bind ipstack.Bind, iface *netiface.Interface) {
	server := optIPOr(d, packet.OptServerID, d.ServerIP)
	if server != bind.Addr {
		if lease := s.checkLease(&d.ClientMAC, nil); lease != nil {
			s.checkin(lease.ClientMAC, lease.Addr)
		}
		return
	}

	reqIP, hasReqIP := packet.Option[addr.IP](d, packet.OptRequestedIP)
	var reqIPPtr *addr.IP
	if hasReqIP {
		reqIPPtr = &reqIP
	}
	lease := s.checkout(d.ClientMAC, reqIPPtr)

	if hasReqIP && lease.Addr != reqIP {
		s.checkin(lease.ClientMAC, lease.Addr)
		iface.Send(packet.Ethernet{
			Dst: lease.ClientMAC,
			Payload: packet.IPv4{
				Src: bind.Addr, Dst: addr.BroadcastIP, TTL: packet.DefaultTTL,
				Payload: packet.UDP{
					SrcPort: 67, DstPort: 68,
					Payload: packet.DHCP{Kind: packet.DHCPNack, ServerIP: bind.Addr, ClientMAC: lease.ClientMAC},
				},
			},
		})
		return
	}

	iface.Send(packet.Ethernet{
		Dst: lease.ClientMAC,
		Payload: packet.IPv4{
			Src: bind.Addr, Dst: addr.BroadcastIP, TTL: packet.DefaultTTL,
			Payload: packet.UDP{
				SrcPort: 67, DstPort: 68,
				Payload: packet.DHCP{
					Kind: packet.DHCPAck, YourIP: lease.Addr, ServerIP: bind.Addr,
					ClientMAC: lease.ClientMAC, Options: s.options(),
				},
			},
		},
	})
}
