package cable

import (
	"testing"

	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

func TestCableDelayExact(t *testing.T) {
	a := netiface.New(addr.MAC{1}, 3, 1)
	b := netiface.New(addr.MAC{2}, 3, 1)
	c, err := New(3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetA(a); err != nil {
		t.Fatal(err)
	}
	if err := c.SetB(b); err != nil {
		t.Fatal(err)
	}

	a.Send(packet.Ethernet{Dst: addr.BroadcastMAC})
	for tick := 1; tick <= 3; tick++ {
		c.Step()
		if b.InboundLen() != 0 {
			t.Fatalf("frame arrived early at tick %d", tick)
		}
	}
	c.Step() // tick 4: the tick-1 load takes length=3 further ticks to reach the head slot and deliver
	if b.InboundLen() != 1 {
		t.Fatalf("expected frame delivered exactly length+1=4 ticks after Send, got inbound len %d", b.InboundLen())
	}
}

func TestCableBandwidthCap(t *testing.T) {
	a := netiface.New(addr.MAC{1}, 10, 5)
	b := netiface.New(addr.MAC{2}, 10, 5)
	c, err := New(1, 2) // cable caps effective bandwidth at 2
	if err != nil {
		t.Fatal(err)
	}
	c.SetA(a)
	c.SetB(b)
	if c.Bandwidth() != 2 {
		t.Fatalf("expected effective bandwidth min(2,5,5)=2, got %d", c.Bandwidth())
	}
	for i := 0; i < 5; i++ {
		a.Send(packet.Ethernet{Dst: addr.BroadcastMAC})
	}
	c.Step() // tick 1: loads 2 of the 5 queued frames into the (only) transit slot
	c.Step() // tick 2: delivers that slot
	if b.InboundLen() != 2 {
		t.Fatalf("expected at most bandwidth=2 frames delivered per tick, got %d", b.InboundLen())
	}
}

func TestCableFlushOnNilEndpoint(t *testing.T) {
	c, err := New(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	a := netiface.New(addr.MAC{1}, 3, 1)
	c.SetA(a)
	a.Send(packet.Ethernet{Dst: addr.BroadcastMAC})
	c.Step() // b is nil, so Step flushes both transit arrays instead of loading
	if c.abTransit[c.length-1][0] != nil {
		t.Fatal("expected transit arrays flushed to empty while an endpoint is nil")
	}
}

func TestInvalidConstruction(t *testing.T) {
	if _, err := New(0, 1); err != ErrInvalidLength {
		t.Fatalf("got %v", err)
	}
	if _, err := New(1, 0); err != ErrInvalidBandwidth {
		t.Fatalf("got %v", err)
	}
}
