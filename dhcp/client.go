// Package dhcp implements the DHCPv4 client and server applications that
// plug into a device's ipstack.Stack via Application's Start/Stop/Step
// lifecycle (spec.md §4.7-§4.8). Grounded on
// original_source/application/dhcp/client.py and server.py.
package dhcp

import (
	"github.com/sirupsen/logrus"
	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/ipstack"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

var log = logrus.WithField("pkg", "dhcp")

// Client-side lease states, matching RFC 2131's state machine names.
const (
	StateInit       = "INIT"
	StateInitReboot = "INIT-REBOOT"
	StateSelecting  = "SELECTING"
	StateBound      = "BOUND"
	StateRenewing   = "RENEWING"
	StateRebinding  = "REBINDING"
)

// DefaultRequestTimeout is the tick countdown a client waits for a
// DHCPOffer/DHCPAck before retransmitting.
const DefaultRequestTimeout = 60

// clientLease tracks one interface's negotiation state and timers.
type clientLease struct {
	state          string
	requestTimeout int
	renew          int
	rebind         int
	expire         int

	bind        *ipstack.Bind
	server      *addr.IP
	router      *addr.IP
	nameservers []addr.IP
}

// Client is a DHCPv4 client application: one lease state machine per
// interface it manages (spec.md C11/§4.8).
type Client struct {
	stack   *ipstack.Stack
	ifaces  []*netiface.Interface
	timeout int

	leases      map[*netiface.Interface]*clientLease
	arpRequests map[addr.IP]int
}

// NewClient builds a DHCP client managing leases on every interface in
// ifaces. An empty ifaces leaves the client managing no interfaces.
func NewClient(stack *ipstack.Stack, ifaces []*netiface.Interface) *Client {
	c := &Client{
		stack:       stack,
		ifaces:      ifaces,
		timeout:     DefaultRequestTimeout,
		leases:      make(map[*netiface.Interface]*clientLease),
		arpRequests: make(map[addr.IP]int),
	}
	for _, iface := range ifaces {
		c.initIface(iface)
	}
	return c
}

// Start binds the client's UDP:68 callback, per spec.md's DHCP protocol table.
func (c *Client) Start() {
	c.stack.BindProtocol(ipstack.ProtoUDP, addr.IP{}, 68, c.processPacket)
}

// Stop releases the UDP:68 binding.
func (c *Client) Stop() {
	c.stack.UnbindProtocol(ipstack.ProtoUDP, addr.IP{}, 68)
}

func (c *Client) initIface(iface *netiface.Interface) *clientLease {
	lease, existed := c.leases[iface]
	if !existed {
		lease = &clientLease{}
		c.leases[iface] = lease
	}
	if lease.bind != nil {
		ip := lease.bind.Addr
		c.stack.Unbind(&ip, iface)
		c.stack.Routes().DelRoutes(ipstack.RouteFilter{Network: &defaultRoute, Iface: iface})
	}
	lease.state = StateInit
	lease.requestTimeout = 0
	lease.renew = 0
	lease.rebind = 0
	lease.expire = 0
	lease.bind = nil
	lease.server = nil
	lease.router = nil
	lease.nameservers = nil
	return lease
}

var defaultRoute = addr.DefaultRoute()

// Step advances every managed interface's lease state machine by one tick
// (spec.md §4.8's state table).
func (c *Client) Step() {
	for ip, ticks := range c.arpRequests {
		ticks--
		if ticks <= 0 {
			delete(c.arpRequests, ip)
			continue
		}
		c.arpRequests[ip] = ticks
	}

	for iface, lease := range c.leases {
		decrement(&lease.renew)
		decrement(&lease.rebind)
		decrement(&lease.expire)
		decrement(&lease.requestTimeout)

		if !iface.Connected() {
			if lease.bind != nil && lease.expire > 0 {
				lease.state = StateInitReboot
			} else {
				lease.state = StateInit
			}
			lease.requestTimeout = 0
			continue
		}

		switch {
		case lease.state == StateBound && lease.renew <= 0:
			lease.state = StateRenewing
			lease.requestTimeout = 0
		case lease.state == StateRenewing && lease.rebind <= 0:
			lease.state = StateRebinding
			lease.requestTimeout = 0
		case lease.state == StateRebinding && lease.expire <= 0:
			c.initIface(iface)
		}

		if lease.requestTimeout > 0 || lease.state == StateBound {
			continue
		}

		switch lease.state {
		case StateInitReboot, StateSelecting, StateRebinding:
			c.sendRequest(iface, lease)
		case StateInit:
			c.sendDiscover(iface, lease)
		case StateRenewing:
			c.sendRenewRequest(iface, lease)
		}
	}
}

func decrement(v *int) {
	if *v > 0 {
		*v--
	}
}

func (c *Client) sendDiscover(iface *netiface.Interface, lease *clientLease) {
	options := map[int]any{}
	if lease.bind != nil {
		options[packet.OptRequestedIP] = lease.bind.Addr
	}
	iface.Send(packet.Ethernet{
		Dst: addr.BroadcastMAC,
		Payload: packet.IPv4{
			Src: addr.IP{}, Dst: addr.BroadcastIP, TTL: packet.DefaultTTL,
			Payload: packet.UDP{
				SrcPort: 68, DstPort: 67,
				Payload: packet.DHCP{Kind: packet.DHCPDiscover, ClientMAC: iface.MAC(), Options: options},
			},
		},
	})
	lease.requestTimeout = c.timeout
}

func (c *Client) sendRequest(iface *netiface.Interface, lease *clientLease) {
	if lease.bind == nil {
		return
	}
	options := map[int]any{packet.OptRequestedIP: lease.bind.Addr}
	if lease.server != nil {
		options[packet.OptServerID] = *lease.server
	}
	iface.Send(packet.Ethernet{
		Dst: addr.BroadcastMAC,
		Payload: packet.IPv4{
			Src: addr.IP{}, Dst: addr.BroadcastIP, TTL: packet.DefaultTTL,
			Payload: packet.UDP{
				SrcPort: 68, DstPort: 67,
				Payload: packet.DHCP{Kind: packet.DHCPRequest, ClientMAC: iface.MAC(), Options: options},
			},
		},
	})
	lease.requestTimeout = c.timeout
}

func (c *Client) sendRenewRequest(iface *netiface.Interface, lease *clientLease) {
	if lease.bind == nil || lease.server == nil {
		return
	}
	dstMAC, ok := c.stack.ARP().Lookup(*lease.server)
	if !ok {
		if ticks, inFlight := c.arpRequests[*lease.server]; !inFlight || ticks <= 0 {
			c.stack.SendARPRequest(*lease.server, iface)
			c.arpRequests[*lease.server] = ipstack.DefaultARPTimeout
		}
		return
	}
	options := map[int]any{packet.OptRequestedIP: lease.bind.Addr, packet.OptServerID: *lease.server}
	iface.Send(packet.Ethernet{
		Dst: dstMAC,
		Payload: packet.IPv4{
			Src: lease.bind.Addr, Dst: *lease.server, TTL: packet.DefaultTTL,
			Payload: packet.UDP{
				SrcPort: 68, DstPort: 67,
				Payload: packet.DHCP{Kind: packet.DHCPRequest, ClientMAC: iface.MAC(), Options: options},
			},
		},
	})
	lease.requestTimeout = c.timeout
}

func (c *Client) processPacket(payload packet.Payload, src, dst addr.IP, iface *netiface.Interface, srcMAC, dstMAC addr.MAC) {
	d, ok := payload.(packet.DHCP)
	if !ok {
		log.Debug("dhcp client: ignoring non-DHCP payload")
		return
	}
	lease, ok := c.leases[iface]
	if !ok {
		return
	}

	switch d.Kind {
	case packet.DHCPNack:
		log.WithField("server", src.String()).Debug("received DHCPNack")
		if lease.state == StateInitReboot || lease.state == StateRenewing || lease.state == StateRebinding {
			c.initIface(iface)
		}
		return
	case packet.DHCPOffer:
		c.handleOffer(d, iface, lease)
	case packet.DHCPAck:
		c.handleAck(d, iface, lease)
	}
}

func (c *Client) handleOffer(d packet.DHCP, iface *netiface.Interface, lease *clientLease) {
	if lease.state != StateInit || d.ClientMAC != iface.MAC() {
		return
	}
	bind := offeredBind(d, iface)
	lease.state = StateSelecting
	lease.bind = &bind
	lease.requestTimeout = 0
	applyLeaseTimers(d, lease)
}

func (c *Client) handleAck(d packet.DHCP, iface *netiface.Interface, lease *clientLease) {
	validState := lease.state == StateInitReboot || lease.state == StateSelecting ||
		lease.state == StateRenewing || lease.state == StateRebinding
	if !validState || d.ClientMAC != iface.MAC() {
		return
	}
	bind := offeredBind(d, iface)
	if lease.bind != nil && (lease.bind.Addr != bind.Addr || !lease.bind.Network.Equal(bind.Network)) {
		log.Debug("received DHCPAck that doesn't match previous offer or existing lease")
		return
	}

	c.stack.Bind(bind.Addr, bind.Network, iface)
	lease.bind = &bind
	lease.state = StateBound
	lease.requestTimeout = 0
	applyLeaseTimers(d, lease)

	if router, ok := packet.Option[addr.IP](d, packet.OptRouter); ok {
		lease.router = &router
		c.stack.Routes().AddRoute(ipstack.Route{Network: defaultRoute, Iface: iface, Via: &router})
	}
}

func offeredBind(d packet.DHCP, iface *netiface.Interface) ipstack.Bind {
	network, ok := packet.Option[addr.Network](d, packet.OptSubnetMask)
	if !ok {
		network, _ = addr.NewNetwork(d.YourIP, 24)
	}
	return ipstack.Bind{Addr: d.YourIP, Network: network, Iface: iface}
}

func applyLeaseTimers(d packet.DHCP, lease *clientLease) {
	lease.expire = optIntOr(d, packet.OptLeaseTime, 500)
	lease.renew = optIntOr(d, packet.OptRenewTime, lease.expire/2)
	lease.rebind = optIntOr(d, packet.OptRebindTime, lease.expire*3/4)
	server := optIPOr(d, packet.OptServerID, d.ServerIP)
	lease.server = &server
	lease.nameservers = nil
	if ns, ok := packet.Option[[]addr.IP](d, packet.OptDNSServers); ok {
		lease.nameservers = ns
	}
}

func optIntOr(d packet.DHCP, code, fallback int) int {
	if v, ok := packet.Option[int](d, code); ok {
		return v
	}
	return fallback
}

func optIPOr(d packet.DHCP, code int, fallback addr.IP) addr.IP {
	if v, ok := packet.Option[addr.IP](d, code); ok {
		return v
	}
	return fallback
}
