package ipstack

import (
	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/netiface"
)

// Bind is one IP address bound to an interface within a given network
// (spec.md C7). A device's IP stack may hold several, e.g. one per port.
type Bind struct {
	Addr    addr.IP
	Network addr.Network
	Iface   *netiface.Interface
}

func (b Bind) String() string {
	return b.Addr.String() + " on " + b.Network.String()
}

// bindSet holds the active address bindings for a Stack, with set
// semantics on (Addr, Iface).
type bindSet struct {
	binds []Bind
}

func newBindSet() *bindSet { return &bindSet{} }

// add inserts b unless an identical (Addr, Iface) pair is already present.
func (s *bindSet) add(b Bind) {
	for _, existing := range s.binds {
		if existing.Addr == b.Addr && existing.Iface == b.Iface {
			return
		}
	}
	s.binds = append(s.binds, b)
}

// remove deletes binds matching ip (if non-nil) and iface (if non-nil),
// returning the removed entries.
func (s *bindSet) remove(ip *addr.IP, iface *netiface.Interface) []Bind {
	var removed []Bind
	kept := s.binds[:0]
	for _, b := range s.binds {
		if (ip == nil || b.Addr == *ip) && (iface == nil || b.Iface == iface) {
			removed = append(removed, b)
			continue
		}
		kept = append(kept, b)
	}
	s.binds = kept
	return removed
}

// contains reports whether ip is bound on any interface.
func (s *bindSet) contains(ip addr.IP) bool {
	for _, b := range s.binds {
		if b.Addr == ip {
			return true
		}
	}
	return false
}

// first returns the first bind on iface, if any — used by Send to pick a
// default source address for the chosen egress interface.
func (s *bindSet) first(iface *netiface.Interface) (Bind, bool) {
	for _, b := range s.binds {
		if b.Iface == iface {
			return b, true
		}
	}
	return Bind{}, false
}

// all returns a copy of every bind, for inspection.
func (s *bindSet) all() []Bind {
	out := make([]Bind, len(s.binds))
	copy(out, s.binds)
	return out
}
