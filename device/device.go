// Package device implements the simulated network devices (spec.md C9):
// the shared per-tick job ordering in Base, and the Switch, Router, Host
// and Hub variants built on top of it.
package device

import (
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

var log = logrus.WithField("pkg", "device")

// Device is the common contract Simulation drives every tick.
type Device interface {
	Name() string
	Step()
	Interfaces() []*netiface.Interface
}

// Application is a user process bound to a device, ticked once per Device
// step in pid order (spec.md C10).
type Application interface {
	Start()
	Stop()
	Step()
}

// Base holds the state and per-tick job ordering shared by every device
// variant: interfaces, registered applications, connection-state tracking,
// and round-robin input draining (spec.md §4.3).
type Base struct {
	name         string
	baseMAC      addr.MAC
	interfaces   []*netiface.Interface
	processRate  int
	autoProcess  bool
	simTime      int

	apps    map[int]Application
	pids    []int
	nextPID int

	lastConnected map[int]bool
}

// NewBase constructs the shared device state. portCount interfaces are
// created with sequential MACs derived from a 5-byte random base, mirroring
// the original's base_MAC+index scheme. rng must be non-nil.
func NewBase(name string, portCount, queueLength, maxBandwidth int, autoProcess bool, rng *rand.Rand) *Base {
	b := &Base{
		name:          name,
		autoProcess:   autoProcess,
		apps:          make(map[int]Application),
		lastConnected: make(map[int]bool),
	}
	var baseBytes [5]byte
	rng.Read(baseBytes[:])
	copy(b.baseMAC[:5], baseBytes[:])
	sum := 0
	for x := 1; x <= portCount; x++ {
		mac := b.baseMAC
		mac[5] = byte(x)
		iface := netiface.New(mac, queueLength, maxBandwidth)
		b.interfaces = append(b.interfaces, iface)
		sum += iface.MaxBandwidth()
	}
	if b.name == "" {
		b.name = name
	}
	b.processRate = sum
	if b.processRate == 0 {
		b.processRate = 1
	}
	return b
}

// Name returns the device's display name.
func (b *Base) Name() string { return b.name }

// SetName overrides the display name (used by constructors accepting an
// explicit name instead of the generated default).
func (b *Base) SetName(name string) { b.name = name }

// Interfaces returns the device's ports, in port-index order.
func (b *Base) Interfaces() []*netiface.Interface { return b.interfaces }

// Interface returns the port at index idx.
func (b *Base) Interface(idx int) *netiface.Interface { return b.interfaces[idx] }

// PortIndex returns the index of iface among this device's ports, or -1.
func (b *Base) PortIndex(iface *netiface.Interface) int {
	for i, p := range b.interfaces {
		if p == iface {
			return i
		}
	}
	return -1
}

// AddInterface appends a new port and returns it.
func (b *Base) AddInterface(mac addr.MAC, queueLength, maxBandwidth int) *netiface.Interface {
	iface := netiface.New(mac, queueLength, maxBandwidth)
	b.interfaces = append(b.interfaces, iface)
	return iface
}

// ProcessRate returns the configured per-tick input drain budget.
func (b *Base) ProcessRate() int { return b.processRate }

// SetProcessRate overrides the drain budget (default is the sum of
// interface bandwidths, per spec.md §4.3).
func (b *Base) SetProcessRate(rate int) { b.processRate = rate }

// AutoProcess reports whether Step should drain inputs automatically.
func (b *Base) AutoProcess() bool { return b.autoProcess }

// SimTime returns the number of ticks this device has processed.
func (b *Base) SimTime() int { return b.simTime }

// Tick increments the device's simulated time counter. Called once at the
// top of every device Step.
func (b *Base) Tick() { b.simTime++ }

// AddApplication registers app under the next sequential pid (applications
// tick in pid order, per spec.md §4.3) and starts it.
func (b *Base) AddApplication(app Application) int {
	pid := b.nextPID
	b.nextPID++
	b.apps[pid] = app
	b.pids = append(b.pids, pid)
	app.Start()
	return pid
}

// RemoveApplication stops and unregisters the application with the given pid.
func (b *Base) RemoveApplication(pid int) {
	if app, ok := b.apps[pid]; ok {
		app.Stop()
		delete(b.apps, pid)
		for i, p := range b.pids {
			if p == pid {
				b.pids = append(b.pids[:i], b.pids[i+1:]...)
				break
			}
		}
	}
}

// Applications returns the registered applications in pid order.
func (b *Base) Applications() []Application {
	sort.Ints(b.pids)
	out := make([]Application, 0, len(b.pids))
	for _, pid := range b.pids {
		out = append(out, b.apps[pid])
	}
	return out
}

// StepApplications ticks every registered application in pid order.
func (b *Base) StepApplications() {
	for _, app := range b.Applications() {
		app.Step()
	}
}

// DetectConnectionChanges compares each interface's current Connected()
// state against the last-observed state and invokes handle once per
// transition (spec.md §4.3 step 2).
func (b *Base) DetectConnectionChanges(handle func(iface *netiface.Interface)) {
	for i, iface := range b.interfaces {
		was := b.lastConnected[i]
		now := iface.Connected()
		if was != now {
			b.lastConnected[i] = now
			handle(iface)
		}
	}
}

// DrainInputs drains up to ProcessRate frames total, round-robin across
// interfaces, terminating early once no interface has more input
// (spec.md §4.3 step 5). handle is invoked once per dequeued frame.
func (b *Base) DrainInputs(handle func(frame packet.Ethernet, iface *netiface.Interface)) {
	budget := b.processRate
	for budget > 0 {
		progressed := false
		for _, iface := range b.interfaces {
			if budget <= 0 {
				break
			}
			frame, ok := iface.Receive()
			if !ok {
				continue
			}
			progressed = true
			budget--
			handle(frame, iface)
		}
		if !progressed {
			break
		}
	}
}

// AcceptsFrame reports whether a frame addressed to dst should be accepted
// by an interface with hardware address mac (unicast-to-us or broadcast),
// per spec.md §4.3's per-frame dispatch rule.
func AcceptsFrame(dst, mac addr.MAC) bool {
	return dst == mac || dst.IsBroadcast()
}
