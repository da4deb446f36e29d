// Package sim implements the topology-construction and tick-driving API
// that a GUI or CLI front-end uses to build and run a network (spec.md
// C11/§5/§6). Grounded on original_source/simulation.py's Simulation
// class: fixed cables-then-devices step order, insertion-ordered
// iteration, and a human-readable topology dump.
package sim

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/soypat/netsim/cable"
	"github.com/soypat/netsim/device"
	"github.com/soypat/netsim/dhcp"
	"github.com/soypat/netsim/ipstack"
	"github.com/soypat/netsim/metrics"
	"github.com/soypat/netsim/netiface"
)

var log = logrus.WithField("pkg", "sim")

// ErrNoFreePort is returned by ConnectDevices when neither device has an
// unconnected interface left.
type ErrNoFreePort struct{ Device string }

func (e ErrNoFreePort) Error() string {
	return fmt.Sprintf("sim: device %q has no unconnected interface", e.Device)
}

// ipStackDevice is implemented by device variants that own an IP stack
// (Host, Router) and can therefore be inspected or addressed at layer 3.
type ipStackDevice interface {
	device.Device
	IPStack() *ipstack.Stack
}

// camDevice is implemented by device variants with a CAM table (Switch).
type camDevice interface {
	device.Device
	CAMTable() *device.CAMTable
}

// applicationsDevice is implemented by every device variant that embeds
// device.Base (Host, Router, Switch, Hub), letting metrics collection reach into a
// running dhcp.Server without the device package depending on dhcp.
type applicationsDevice interface {
	device.Device
	Applications() []device.Application
}

// Simulation owns a topology's devices and cables, driving the global
// tick in the fixed order spec.md §5 requires: every cable steps, then
// every device steps, both in insertion order. Devices and cables are
// identified by a stable handle so front-ends can reference them without
// holding Go pointers across a serialization boundary (spec.md §9
// "Cyclic ownership").
type Simulation struct {
	devices   []device.Device
	deviceIDs map[device.Device]uuid.UUID

	cables   []*cable.Cable
	cableIDs map[*cable.Cable]uuid.UUID

	ticks     int
	metrics   *metrics.Collectors
	lastDrops float64
}

// New returns an empty Simulation. m may be nil, in which case metrics are
// collected into unregistered (but still safely updatable) collectors.
func New(m *metrics.Collectors) *Simulation {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Simulation{
		deviceIDs: make(map[device.Device]uuid.UUID),
		cableIDs:  make(map[*cable.Cable]uuid.UUID),
		metrics:   m,
	}
}

// AddDevice registers d if it isn't already present, returning its stable
// handle.
func (s *Simulation) AddDevice(d device.Device) uuid.UUID {
	if id, ok := s.deviceIDs[d]; ok {
		return id
	}
	id := uuid.New()
	s.devices = append(s.devices, d)
	s.deviceIDs[d] = id
	return id
}

// DeleteDevice removes d from the simulation. If removeCables is true,
// every cable with an endpoint on one of d's interfaces is disconnected
// and removed too; otherwise those cables are left in place and keep
// stepping, delivering into now-orphaned interfaces that no device drains
// any more (spec.md §9's weak-reference cable/device relationship).
func (s *Simulation) DeleteDevice(d device.Device, removeCables bool) {
	if _, ok := s.deviceIDs[d]; !ok {
		return
	}
	delete(s.deviceIDs, d)
	for i, existing := range s.devices {
		if existing == d {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			break
		}
	}
	if !removeCables {
		return
	}
	owned := make(map[*netiface.Interface]bool)
	for _, iface := range d.Interfaces() {
		owned[iface] = true
	}
	var kept []*cable.Cable
	for _, c := range s.cables {
		if owned[c.A()] || owned[c.B()] {
			c.SetA(nil)
			c.SetB(nil)
			delete(s.cableIDs, c)
			log.WithField("device", d.Name()).Debug("removed cable attached to deleted device")
			continue
		}
		kept = append(kept, c)
	}
	s.cables = kept
}

// AddCable registers c if it isn't already present, returning its stable
// handle.
func (s *Simulation) AddCable(c *cable.Cable) uuid.UUID {
	if id, ok := s.cableIDs[c]; ok {
		return id
	}
	id := uuid.New()
	s.cables = append(s.cables, c)
	s.cableIDs[c] = id
	return id
}

// DeleteCable disconnects and removes c.
func (s *Simulation) DeleteCable(c *cable.Cable) {
	if _, ok := s.cableIDs[c]; !ok {
		return
	}
	c.SetA(nil)
	c.SetB(nil)
	delete(s.cableIDs, c)
	for i, existing := range s.cables {
		if existing == c {
			s.cables = append(s.cables[:i], s.cables[i+1:]...)
			break
		}
	}
}

// ConnectDevices wires a and b together with a new cable, auto-picking the
// first unconnected interface on each device (spec.md §6). Both devices
// are registered with the simulation if they weren't already.
func (s *Simulation) ConnectDevices(a, b device.Device, length, bandwidth int) (*cable.Cable, error) {
	aIface := firstUnconnected(a)
	if aIface == nil {
		return nil, ErrNoFreePort{Device: a.Name()}
	}
	bIface := firstUnconnected(b)
	if bIface == nil {
		return nil, ErrNoFreePort{Device: b.Name()}
	}
	c, err := cable.New(length, bandwidth)
	if err != nil {
		return nil, err
	}
	if err := c.SetA(aIface); err != nil {
		return nil, err
	}
	if err := c.SetB(bIface); err != nil {
		return nil, err
	}
	s.AddDevice(a)
	s.AddDevice(b)
	s.AddCable(c)
	return c, nil
}

func firstUnconnected(d device.Device) *netiface.Interface {
	for _, iface := range d.Interfaces() {
		if !iface.Connected() {
			return iface
		}
	}
	return nil
}

// Step advances the simulation by n ticks (1 if n <= 0), cables first then
// devices, both in insertion order, matching spec.md §5's fixed schedule.
func (s *Simulation) Step(n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		for _, c := range s.cables {
			delivered := c.Step()
			s.metrics.CableDeliveries.Add(float64(delivered))
		}
		for _, d := range s.devices {
			d.Step()
		}
		s.ticks++
		s.metrics.Ticks.Inc()
		s.collectDeviceMetrics()
	}
}

func (s *Simulation) collectDeviceMetrics() {
	var drops uint64
	for _, d := range s.devices {
		if ipd, ok := d.(ipStackDevice); ok {
			s.metrics.ARPTableSize.WithLabelValues(ipd.Name()).Set(float64(ipd.IPStack().ARP().Len()))
		}
		if sw, ok := d.(camDevice); ok {
			s.metrics.CAMTableSize.WithLabelValues(sw.Name()).Set(float64(sw.CAMTable().Len()))
		}
		if ad, ok := d.(applicationsDevice); ok {
			for _, app := range ad.Applications() {
				srv, ok := app.(*dhcp.Server)
				if !ok {
					continue
				}
				s.metrics.DHCPPoolSize.WithLabelValues(ad.Name()).Set(float64(srv.PoolAvailable()))
				s.metrics.DHCPLeaseCount.WithLabelValues(ad.Name()).Set(float64(srv.LeaseCount()))
			}
		}
		for _, iface := range d.Interfaces() {
			drops += iface.Dropped()
		}
	}
	s.metrics.QueueDrops.Add(float64(drops) - s.lastDrops)
	s.lastDrops = float64(drops)
}

// Devices returns the registered devices in insertion order.
func (s *Simulation) Devices() []device.Device {
	out := make([]device.Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// Cables returns the registered cables in insertion order.
func (s *Simulation) Cables() []*cable.Cable {
	out := make([]*cable.Cable, len(s.cables))
	copy(out, s.cables)
	return out
}

// Ticks returns the number of ticks this simulation has processed.
func (s *Simulation) Ticks() int { return s.ticks }

// Dump writes a human-readable topology report to w: devices with their
// per-interface queue depths, cables with their endpoints, and (for
// switches and IP stacks) their learned tables — mirroring
// original_source/simulation.py's show().
func (s *Simulation) Dump(w io.Writer) {
	fmt.Fprintln(w, "DEVICES (queue in | queue out):")
	for _, d := range s.devices {
		fmt.Fprintf(w, " * %s:\n", d.Name())
		for i, iface := range d.Interfaces() {
			fmt.Fprintf(w, "   * Port %d: %d | %d\n", i, iface.InboundLen(), iface.OutboundLen())
		}
	}

	fmt.Fprintln(w, "CABLES:")
	for _, c := range s.cables {
		fmt.Fprintf(w, " * %s <-> %s (length=%d, bandwidth=%d)\n",
			s.endpointLabel(c.A()), s.endpointLabel(c.B()), c.Length(), c.Bandwidth())
	}

	fmt.Fprintln(w, "CAM TABLES:")
	for _, d := range s.devices {
		sw, ok := d.(camDevice)
		if !ok {
			continue
		}
		fmt.Fprintf(w, " * %s\n", d.Name())
		for i, iface := range d.Interfaces() {
			fmt.Fprintf(w, "   * Port %d: %v\n", i, sw.CAMTable().MACsOnInterface(iface))
		}
	}

	fmt.Fprintln(w, "IP STACKS:")
	for _, d := range s.devices {
		ipd, ok := d.(ipStackDevice)
		if !ok {
			continue
		}
		stack := ipd.IPStack()
		fmt.Fprintf(w, " * %s: binds=%v protocol_binds=%v arp_entries=%d\n",
			d.Name(), stack.Binds(), stack.ProtocolBinds(), stack.ARP().Len())
		for _, r := range stack.Routes().Routes() {
			fmt.Fprintf(w, "   * route %s\n", r.Network)
		}
	}
}

func (s *Simulation) endpointLabel(iface *netiface.Interface) string {
	if iface == nil {
		return "<disconnected>"
	}
	for _, d := range s.devices {
		for i, other := range d.Interfaces() {
			if other == iface {
				return fmt.Sprintf("%s[%d]", d.Name(), i)
			}
		}
	}
	return iface.MAC().String()
}
