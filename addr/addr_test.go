package addr

import (
	"math/rand"
	"testing"
)

func TestMACParseString(t *testing.T) {
	m, err := ParseMAC("de:ad:be:ef:00:01")
	if err != nil {
		t.Fatal(err)
	}
	want := MAC{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	if m != want {
		t.Fatalf("got %v want %v", m, want)
	}
	if m.String() != "de:ad:be:ef:00:01" {
		t.Fatalf("round trip string got %q", m.String())
	}
	if _, err := ParseMAC("de:ad:be"); err == nil {
		t.Fatal("expected parse error on short MAC")
	}
}

func TestMACBroadcast(t *testing.T) {
	if !BroadcastMAC.IsBroadcast() {
		t.Fatal("broadcast singleton should be broadcast")
	}
	m, _ := NewMAC([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	if m != BroadcastMAC {
		t.Fatal("constructed all-0xff MAC must equal broadcast singleton")
	}
}

func TestRandomMACNeverBroadcast(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		m := RandomMAC(rng)
		if m.IsBroadcast() {
			t.Fatal("random MAC collided with broadcast")
		}
	}
}

func TestIPParseString(t *testing.T) {
	ip, err := ParseIP("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	want := IP{10, 0, 0, 1}
	if ip != want {
		t.Fatalf("got %v want %v", ip, want)
	}
	if ip.String() != "10.0.0.1" {
		t.Fatalf("round trip got %q", ip.String())
	}
}

func TestNetworkInNetwork(t *testing.T) {
	base, _ := ParseIP("10.0.0.0")
	net, err := NewNetwork(base, 24)
	if err != nil {
		t.Fatal(err)
	}
	inside, _ := ParseIP("10.0.0.200")
	outside, _ := ParseIP("10.0.1.1")
	if !net.InNetwork(inside) {
		t.Fatal("expected 10.0.0.200 in 10.0.0.0/24")
	}
	if net.InNetwork(outside) {
		t.Fatal("expected 10.0.1.1 not in 10.0.0.0/24")
	}
	bcast := net.BroadcastAddr()
	want, _ := ParseIP("10.0.0.255")
	if bcast != want {
		t.Fatalf("broadcast addr got %v want %v", bcast, want)
	}
}

func TestDefaultRouteMatchesEverything(t *testing.T) {
	def := DefaultRoute()
	for _, s := range []string{"0.0.0.0", "255.255.255.255", "10.1.2.3"} {
		ip, _ := ParseIP(s)
		if !def.InNetwork(ip) {
			t.Fatalf("default route should match %s", s)
		}
	}
}

func TestNetworkMatchBitsOutOfRange(t *testing.T) {
	base, _ := ParseIP("10.0.0.0")
	if _, err := NewNetwork(base, 33); err == nil {
		t.Fatal("expected error for match_bits > 32")
	}
}
