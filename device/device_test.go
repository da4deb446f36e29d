package device

import (
	"math/rand"
	"testing"

	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

func testRNG() *rand.Rand { return rand.New(rand.NewSource(1)) }

func TestSwitchLearnsAndForwardsUnicast(t *testing.T) {
	sw := NewSwitch("sw0", 3, 0, testRNG())
	pA := sw.Interface(0)
	pB := sw.Interface(1)
	pC := sw.Interface(2)
	pA.Connect()
	pB.Connect()
	pC.Connect()

	srcMAC := addr.MAC{1, 1, 1, 1, 1, 1}
	pA.InboundWrite(packet.Ethernet{Dst: addr.BroadcastMAC, Src: srcMAC})
	sw.Step()

	if sw.CAM.Lookup(srcMAC) != pA {
		t.Fatal("expected CAM to learn src MAC on ingress port")
	}
	if pB.OutboundLen() != 1 || pC.OutboundLen() != 1 {
		t.Fatal("expected broadcast flooded to every other port")
	}

	pB.FlushOutbound()
	pC.FlushOutbound()

	dstMAC := addr.MAC{2, 2, 2, 2, 2, 2}
	pB.InboundWrite(packet.Ethernet{Dst: srcMAC, Src: dstMAC})
	sw.Step()

	if pA.OutboundLen() != 1 {
		t.Fatal("expected unicast forwarded to the single learned egress port")
	}
	if pC.OutboundLen() != 0 {
		t.Fatal("expected unicast NOT flooded once destination is known")
	}
}

func TestSwitchPurgesCAMOnDisconnect(t *testing.T) {
	sw := NewSwitch("sw0", 2, 0, testRNG())
	p0 := sw.Interface(0)
	p1 := sw.Interface(1)
	p0.Connect()
	p1.Connect()

	srcMAC := addr.MAC{1}
	p0.InboundWrite(packet.Ethernet{Dst: addr.BroadcastMAC, Src: srcMAC})
	sw.Step()
	if sw.CAM.Lookup(srcMAC) == nil {
		t.Fatal("expected MAC learned")
	}

	p0.Disconnect()
	sw.Step()
	if sw.CAM.Lookup(srcMAC) != nil {
		t.Fatal("expected CAM entry purged after port disconnect")
	}
}

func TestHubFloodsWithoutLearning(t *testing.T) {
	h := NewHub("h0", 3, testRNG())
	pA := h.Interface(0)
	pB := h.Interface(1)
	pC := h.Interface(2)
	pA.Connect()
	pB.Connect()
	pC.Connect()

	pA.InboundWrite(packet.Ethernet{Dst: addr.MAC{9}, Src: addr.MAC{1}})
	h.Step()

	if pB.OutboundLen() != 1 || pC.OutboundLen() != 1 {
		t.Fatal("expected hub to flood to every other port regardless of destination")
	}
	if pA.OutboundLen() != 0 {
		t.Fatal("expected hub not to echo back to the ingress port")
	}
}

func TestDrainInputsRespectsProcessRate(t *testing.T) {
	b := NewBase("d0", 1, 10, 1, true, testRNG())
	b.SetProcessRate(2)
	iface := b.Interface(0)
	iface.Connect()
	for i := 0; i < 5; i++ {
		iface.InboundWrite(packet.Ethernet{Dst: addr.BroadcastMAC, Src: addr.MAC{byte(i)}})
	}

	var handled int
	b.DrainInputs(func(frame packet.Ethernet, iface *netiface.Interface) { handled++ })
	if handled != 2 {
		t.Fatalf("expected exactly processRate=2 frames drained, got %d", handled)
	}
}

func TestAcceptsFrame(t *testing.T) {
	mac := addr.MAC{1, 2, 3, 4, 5, 6}
	if !AcceptsFrame(mac, mac) {
		t.Fatal("expected unicast-to-self accepted")
	}
	if !AcceptsFrame(addr.BroadcastMAC, mac) {
		t.Fatal("expected broadcast accepted")
	}
	if AcceptsFrame(addr.MAC{9, 9, 9, 9, 9, 9}, mac) {
		t.Fatal("expected frame to unrelated MAC rejected")
	}
}
