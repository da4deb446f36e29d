package device

import (
	"math/rand"

	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

// DefaultCAMExpiration is the tick countdown a freshly-learned or refreshed
// CAM entry starts at.
const DefaultCAMExpiration = 100

// camEntry is one learned MAC -> egress port mapping.
type camEntry struct {
	iface      *netiface.Interface
	expiration int
}

// CAMTable is the learning switch's content-addressable table (spec.md C9/§4.4).
type CAMTable struct {
	table      map[addr.MAC]camEntry
	expiration int
}

// NewCAMTable returns an empty CAM table whose entries start at expiration
// ticks and count down to zero.
func NewCAMTable(expiration int) *CAMTable {
	if expiration <= 0 {
		expiration = DefaultCAMExpiration
	}
	return &CAMTable{table: make(map[addr.MAC]camEntry), expiration: expiration}
}

// Learn refreshes (or inserts) the entry mapping mac to iface with a fresh TTL.
func (c *CAMTable) Learn(mac addr.MAC, iface *netiface.Interface) {
	c.table[mac] = camEntry{iface: iface, expiration: c.expiration}
}

// Lookup returns the egress interface learned for mac, or nil if unknown.
func (c *CAMTable) Lookup(mac addr.MAC) *netiface.Interface {
	e, ok := c.table[mac]
	if !ok {
		return nil
	}
	return e.iface
}

// Expire decrements every entry's TTL, evicting entries that reach zero.
func (c *CAMTable) Expire() {
	for mac, e := range c.table {
		e.expiration--
		if e.expiration <= 0 {
			delete(c.table, mac)
			continue
		}
		c.table[mac] = e
	}
}

// PurgeInterface removes every entry learned on iface (called when it
// disconnects, per spec.md §4.4).
func (c *CAMTable) PurgeInterface(iface *netiface.Interface) {
	for mac, e := range c.table {
		if e.iface == iface {
			delete(c.table, mac)
		}
	}
}

// MACsOnInterface returns the MACs currently mapped to iface, for
// inspection/tests.
func (c *CAMTable) MACsOnInterface(iface *netiface.Interface) []addr.MAC {
	var out []addr.MAC
	for mac, e := range c.table {
		if e.iface == iface {
			out = append(out, mac)
		}
	}
	return out
}

// Len returns the number of learned entries, for inspection and metrics.
func (c *CAMTable) Len() int { return len(c.table) }

// Switch is a learning bridge: it floods unknown/broadcast destinations and
// forwards known-unicast destinations to the single learned egress port. It
// never inspects payloads (spec.md §4.4).
type Switch struct {
	*Base
	CAM *CAMTable
}

// DefaultSwitchPorts is the port count used when none is specified.
const DefaultSwitchPorts = 4

// NewSwitch builds a Switch with portCount ports (DefaultSwitchPorts if <= 0).
func NewSwitch(name string, portCount int, camExpiration int, rng *rand.Rand) *Switch {
	if portCount <= 0 {
		portCount = DefaultSwitchPorts
	}
	s := &Switch{
		Base: NewBase(name, portCount, netiface.DefaultQueueLength, netiface.DefaultMaxBandwidth, true, rng),
		CAM:  NewCAMTable(camExpiration),
	}
	if name == "" {
		s.SetName("Switch-" + s.Interface(0).MAC().String())
	}
	return s
}

// CAMTable returns the switch's learning table, for inspection (spec.md §6).
func (s *Switch) CAMTable() *CAMTable { return s.CAM }

// Step runs one tick: connection-change handling (CAM purge), CAM expiry,
// then draining+forwarding every received frame (spec.md §4.4).
func (s *Switch) Step() {
	s.Tick()
	s.DetectConnectionChanges(func(iface *netiface.Interface) {
		if !iface.Connected() {
			s.CAM.PurgeInterface(iface)
		}
	})
	s.CAM.Expire()
	s.StepApplications()
	if s.AutoProcess() {
		s.DrainInputs(s.forward)
	}
}

func (s *Switch) forward(frame packet.Ethernet, ingress *netiface.Interface) {
	s.CAM.Learn(frame.Src, ingress)

	var egress *netiface.Interface
	if !frame.Dst.IsBroadcast() {
		egress = s.CAM.Lookup(frame.Dst)
	}
	if egress != nil {
		egress.Send(frame)
		return
	}
	// Unknown destination or broadcast: flood to every other port.
	for _, iface := range s.Interfaces() {
		if iface == ingress {
			continue
		}
		iface.Send(frame)
	}
}
