package netiface

import (
	"testing"

	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/packet"
)

func TestSendDisconnectedNoop(t *testing.T) {
	iface := New(addr.MAC{1}, 3, 1)
	ok := iface.Send(packet.Ethernet{Dst: addr.BroadcastMAC})
	if ok {
		t.Fatal("send on disconnected interface must report ok=false")
	}
	if iface.OutboundLen() != 0 {
		t.Fatal("disconnected send must not enqueue")
	}
}

func TestConnectTwiceFails(t *testing.T) {
	iface := New(addr.MAC{1}, 3, 1)
	if err := iface.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := iface.Connect(); err != ErrAlreadyConnected {
		t.Fatalf("got %v want ErrAlreadyConnected", err)
	}
}

func TestDisconnectFlushesOutbound(t *testing.T) {
	iface := New(addr.MAC{1}, 3, 1)
	iface.Connect()
	iface.Send(packet.Ethernet{Dst: addr.BroadcastMAC})
	iface.Disconnect()
	if iface.OutboundLen() != 0 {
		t.Fatal("disconnect must flush outbound")
	}
	if iface.Connected() {
		t.Fatal("expected disconnected")
	}
}

func TestQueueBoundDropsNewest(t *testing.T) {
	iface := New(addr.MAC{1}, 2, 1) // capacity = 2
	iface.Connect()
	for i := 0; i < 5; i++ {
		iface.Send(packet.Ethernet{Dst: addr.BroadcastMAC, Payload: packet.ARP{SrcIP: addr.IP{byte(i)}}})
	}
	if iface.OutboundLen() != 2 {
		t.Fatalf("expected queue clamped to capacity 2, got %d", iface.OutboundLen())
	}
	if iface.Dropped() != 3 {
		t.Fatalf("expected 3 drops, got %d", iface.Dropped())
	}
	// FIFO order preserved: first two frames retained, not last two.
	f, ok := iface.OutboundRead()
	if !ok {
		t.Fatal("expected a frame")
	}
	arp := f.Payload.(packet.ARP)
	if arp.SrcIP != (addr.IP{0}) {
		t.Fatalf("expected oldest frame retained first, got %v", arp.SrcIP)
	}
}

func TestOutboundReadLateBindsSrc(t *testing.T) {
	iface := New(addr.MAC{9, 9, 9, 9, 9, 9}, 3, 1)
	iface.Connect()
	iface.Send(packet.Ethernet{Dst: addr.BroadcastMAC})
	frame, ok := iface.OutboundRead()
	if !ok {
		t.Fatal("expected frame")
	}
	if frame.Src != iface.MAC() {
		t.Fatalf("expected late-bound src %v, got %v", iface.MAC(), frame.Src)
	}
}

func TestInboundWriteAndReceive(t *testing.T) {
	iface := New(addr.MAC{1}, 3, 1)
	iface.InboundWrite(packet.Ethernet{Dst: addr.BroadcastMAC})
	frame, ok := iface.Receive()
	if !ok || frame.Dst != addr.BroadcastMAC {
		t.Fatal("expected to receive the written frame")
	}
}
