package ipstack

import (
	"math/rand"
	"testing"

	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

var testRNG = rand.New(rand.NewSource(1))

func bindHost(t *testing.T, s *Stack, ip addr.IP, bits int) *netiface.Interface {
	t.Helper()
	iface := netiface.New(addr.RandomMAC(testRNG), 3, 1)
	iface.Connect()
	n, err := addr.NewNetwork(ip, bits)
	if err != nil {
		t.Fatal(err)
	}
	s.Bind(ip, n, iface)
	iface.FlushOutbound() // discard the GARP emitted by Bind
	return iface
}

func TestSendResolvedImmediately(t *testing.T) {
	s := New("host", false)
	iface := bindHost(t, s, addr.IP{10, 0, 0, 1}, 24)
	s.ARP().Add(addr.IP{10, 0, 0, 2}, addr.MAC{9, 9, 9, 9, 9, 9})

	err := s.Send(addr.IP{10, 0, 0, 2}, packet.ICMPEcho{ID: 1, Seq: 1}, SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if iface.OutboundLen() != 1 {
		t.Fatalf("expected frame enqueued for transmission, got outbound len %d", iface.OutboundLen())
	}
}

func TestSendUnresolvedQueuesAndARPs(t *testing.T) {
	s := New("host", false)
	iface := bindHost(t, s, addr.IP{10, 0, 0, 1}, 24)

	err := s.Send(addr.IP{10, 0, 0, 2}, packet.ICMPEcho{ID: 1, Seq: 1}, SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if iface.OutboundLen() != 1 {
		t.Fatalf("expected ARP request enqueued, got %d", iface.OutboundLen())
	}
	frame, _ := iface.OutboundRead()
	arp, ok := frame.Payload.(packet.ARP)
	if !ok || !arp.Request {
		t.Fatalf("expected ARP request frame, got %#v", frame.Payload)
	}

	// A second Send for the same unresolved next hop must not re-issue a
	// request while one is in flight.
	s.Send(addr.IP{10, 0, 0, 2}, packet.ICMPEcho{ID: 2, Seq: 1}, SendOptions{})
	if iface.OutboundLen() != 0 {
		t.Fatalf("expected no duplicate ARP request, outbound len %d", iface.OutboundLen())
	}
}

func TestSendNoRoute(t *testing.T) {
	s := New("host", false)
	err := s.Send(addr.IP{8, 8, 8, 8}, packet.ICMPEcho{}, SendOptions{})
	if err != ErrNoRoute {
		t.Fatalf("got %v", err)
	}
}

func TestProcessARPReplyReleasesPending(t *testing.T) {
	s := New("host", false)
	iface := bindHost(t, s, addr.IP{10, 0, 0, 1}, 24)

	s.Send(addr.IP{10, 0, 0, 2}, packet.ICMPEcho{ID: 1}, SendOptions{})
	iface.FlushOutbound() // discard the ARP request itself

	s.ProcessPacket(packet.ARP{
		Request: false,
		SrcMAC:  addr.MAC{7, 7, 7, 7, 7, 7},
		SrcIP:   addr.IP{10, 0, 0, 2},
		DstIP:   addr.IP{10, 0, 0, 1},
	}, addr.MAC{7, 7, 7, 7, 7, 7}, iface.MAC(), iface)

	if iface.OutboundLen() != 1 {
		t.Fatalf("expected pending send released, outbound len %d", iface.OutboundLen())
	}
	frame, _ := iface.OutboundRead()
	ip, ok := frame.Payload.(packet.IPv4)
	if !ok || frame.Dst != (addr.MAC{7, 7, 7, 7, 7, 7}) || ip.Dst != (addr.IP{10, 0, 0, 2}) {
		t.Fatalf("unexpected released frame: %#v", frame)
	}
}

func TestProcessARPRequestForBoundAddressReplies(t *testing.T) {
	s := New("host", false)
	iface := bindHost(t, s, addr.IP{10, 0, 0, 1}, 24)

	s.ProcessPacket(packet.ARP{
		Request: true,
		SrcMAC:  addr.MAC{7, 7, 7, 7, 7, 7},
		SrcIP:   addr.IP{10, 0, 0, 2},
		DstIP:   addr.IP{10, 0, 0, 1},
	}, addr.MAC{7, 7, 7, 7, 7, 7}, iface.MAC(), iface)

	if iface.OutboundLen() != 1 {
		t.Fatal("expected ARP reply enqueued")
	}
	frame, _ := iface.OutboundRead()
	reply, ok := frame.Payload.(packet.ARP)
	if !ok || reply.Request {
		t.Fatalf("expected ARP reply, got %#v", frame.Payload)
	}
}

func TestProtocolDispatchFallsBackToANY(t *testing.T) {
	s := New("host", false)
	iface := bindHost(t, s, addr.IP{10, 0, 0, 1}, 24)

	var gotPort int
	err := s.BindProtocol(ProtoUDP, addr.IP{}, 67, func(payload packet.Payload, src, dst addr.IP, iface *netiface.Interface, srcMAC, dstMAC addr.MAC) {
		gotPort = 67
	})
	if err != nil {
		t.Fatal(err)
	}

	s.ProcessPacket(packet.IPv4{
		Src: addr.IP{10, 0, 0, 2},
		Dst: addr.IP{10, 0, 0, 1},
		TTL: 5,
		Payload: packet.UDP{SrcPort: 68, DstPort: 67, Payload: packet.DHCP{Kind: packet.DHCPDiscover}},
	}, addr.MAC{7, 7, 7, 7, 7, 7}, iface.MAC(), iface)

	if gotPort != 67 {
		t.Fatal("expected ANY-bound callback to fire")
	}
}

func TestBindProtocolDuplicateRejected(t *testing.T) {
	s := New("host", false)
	cb := func(packet.Payload, addr.IP, addr.IP, *netiface.Interface, addr.MAC, addr.MAC) {}
	if err := s.BindProtocol(ProtoUDP, addr.IP{}, 67, cb); err != nil {
		t.Fatal(err)
	}
	if err := s.BindProtocol(ProtoUDP, addr.IP{}, 67, cb); err != ErrProtocolAlreadyBound {
		t.Fatalf("got %v", err)
	}
}

func TestForwardDecrementsTTLAndDropsAtZero(t *testing.T) {
	s := New("router", true)
	inIface := bindHost(t, s, addr.IP{10, 0, 0, 1}, 24)
	outIface := bindHost(t, s, addr.IP{10, 0, 1, 1}, 24)
	s.ARP().Add(addr.IP{10, 0, 1, 2}, addr.MAC{9})

	s.ProcessPacket(packet.IPv4{
		Src: addr.IP{10, 0, 0, 2}, Dst: addr.IP{10, 0, 1, 2}, TTL: 1,
		Payload: packet.ICMPEcho{ID: 1},
	}, addr.MAC{1}, inIface.MAC(), inIface)
	if outIface.OutboundLen() != 0 {
		t.Fatal("expected TTL=1 packet dropped, not forwarded")
	}

	s.ProcessPacket(packet.IPv4{
		Src: addr.IP{10, 0, 0, 2}, Dst: addr.IP{10, 0, 1, 2}, TTL: 5,
		Payload: packet.ICMPEcho{ID: 1},
	}, addr.MAC{1}, inIface.MAC(), inIface)
	if outIface.OutboundLen() != 1 {
		t.Fatalf("expected TTL=5 packet forwarded out the egress interface, got %d", outIface.OutboundLen())
	}
	frame, _ := outIface.OutboundRead()
	if ip, ok := frame.Payload.(packet.IPv4); !ok || ip.TTL != 4 {
		t.Fatalf("expected forwarded packet with TTL decremented to 4, got %#v", frame.Payload)
	}
}

func TestHostDropsUnaddressedPacket(t *testing.T) {
	s := New("host", false)
	iface := bindHost(t, s, addr.IP{10, 0, 0, 1}, 24)
	s.ProcessPacket(packet.IPv4{
		Src: addr.IP{10, 0, 0, 2}, Dst: addr.IP{10, 0, 1, 2}, TTL: 5,
		Payload: packet.ICMPEcho{ID: 1},
	}, addr.MAC{1}, iface.MAC(), iface)
	// no forwarding, no panic: nothing observable beyond the log line.
}

func TestStepExpiresARPTimeoutAndDropsPending(t *testing.T) {
	s := New("host", false)
	iface := bindHost(t, s, addr.IP{10, 0, 0, 1}, 24)
	s.Send(addr.IP{10, 0, 0, 2}, packet.ICMPEcho{ID: 1}, SendOptions{})
	iface.FlushOutbound()

	for i := 0; i < DefaultARPTimeout; i++ {
		s.Step()
	}
	if len(s.pending) != 0 {
		t.Fatal("expected pending send dropped after ARP timeout")
	}
	// A fresh Send for the same destination should re-issue a request.
	s.Send(addr.IP{10, 0, 0, 2}, packet.ICMPEcho{ID: 2}, SendOptions{})
	if iface.OutboundLen() != 1 {
		t.Fatal("expected new ARP request after timeout cleared in-flight state")
	}
}
