package device

import (
	"math/rand"

	"github.com/soypat/netsim/netiface"
	"github.com/soypat/netsim/packet"
)

// DefaultHubPorts is the port count used when none is specified.
const DefaultHubPorts = 4

// Hub is the simplest possible device: it floods every received frame to
// every other connected port, performing no MAC learning at all. Grounded
// on original_source/hardware/device/infrastructure/hub.py (see
// SPEC_FULL.md's supplemented features); useful for exercising cable and
// queue mechanics independent of switch CAM behavior.
type Hub struct {
	*Base
}

// NewHub builds a Hub with portCount ports (DefaultHubPorts if <= 0).
func NewHub(name string, portCount int, rng *rand.Rand) *Hub {
	if portCount <= 0 {
		portCount = DefaultHubPorts
	}
	h := &Hub{
		Base: NewBase(name, portCount, netiface.DefaultQueueLength, netiface.DefaultMaxBandwidth, true, rng),
	}
	if name == "" {
		h.SetName("Hub-" + h.Interface(0).MAC().String())
	}
	return h
}

// Step runs one tick: no per-tick jobs, just flood every received frame.
func (h *Hub) Step() {
	h.Tick()
	h.StepApplications()
	if h.AutoProcess() {
		h.DrainInputs(h.flood)
	}
}

func (h *Hub) flood(frame packet.Ethernet, ingress *netiface.Interface) {
	for _, iface := range h.Interfaces() {
		if iface == ingress {
			continue
		}
		iface.Send(frame)
	}
}
