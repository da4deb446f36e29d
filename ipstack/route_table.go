package ipstack

import (
	"sort"

	"github.com/soypat/netsim/addr"
	"github.com/soypat/netsim/netiface"
)

// Route is one routing table entry: packets whose destination falls within
// Network egress through Iface. Via, if set, is the next-hop gateway to
// resolve via ARP instead of the final destination. Src, if set, is the
// source address Send should stamp on packets it chooses this route for
// when the caller didn't supply one explicitly (spec.md §4.6 C6).
type Route struct {
	Network addr.Network
	Iface   *netiface.Interface
	Via     *addr.IP
	Src     *addr.IP
}

// RouteTable is a flat list of routes kept sorted ascending by
// Network.MatchBits, so the most specific match is found by scanning for
// the *last* match (spec.md §4.5's "longest prefix wins, later insertion
// wins ties" rule, decided in SPEC_FULL.md's Open Question 1).
type RouteTable struct {
	routes []Route
}

// NewRouteTable returns an empty route table.
func NewRouteTable() *RouteTable { return &RouteTable{} }

// AddRoute inserts r, keeping the table sorted by ascending MatchBits. A
// stable sort preserves insertion order among routes with equal MatchBits,
// so r — appended last — sorts after any pre-existing route with the same
// prefix length, giving it priority in FindRoute's last-match scan.
func (rt *RouteTable) AddRoute(r Route) {
	rt.routes = append(rt.routes, r)
	sort.SliceStable(rt.routes, func(i, j int) bool {
		return rt.routes[i].Network.MatchBits < rt.routes[j].Network.MatchBits
	})
}

// RouteFilter selects routes to remove via DelRoutes. A nil field is a
// wildcard (matches any value); a non-nil field requires equality. This
// mirrors the original implementation's del_routes semantics exactly,
// including its ambiguity: a wildcarded Via also matches routes with a
// concrete gateway (there is no way to ask for "only connected routes").
type RouteFilter struct {
	Network *addr.Network
	Iface   *netiface.Interface
	Via     *addr.IP
	Src     *addr.IP
}

// DelRoutes removes every route matching every non-nil field of f.
func (rt *RouteTable) DelRoutes(f RouteFilter) {
	kept := rt.routes[:0]
	for _, r := range rt.routes {
		if routeMatchesFilter(r, f) {
			continue
		}
		kept = append(kept, r)
	}
	rt.routes = kept
}

func routeMatchesFilter(r Route, f RouteFilter) bool {
	if f.Network != nil && !r.Network.Equal(*f.Network) {
		return false
	}
	if f.Iface != nil && r.Iface != f.Iface {
		return false
	}
	if f.Via != nil && (r.Via == nil || *r.Via != *f.Via) {
		return false
	}
	if f.Src != nil && (r.Src == nil || *r.Src != *f.Src) {
		return false
	}
	return true
}

// FindRoute linearly scans the table and returns the last route whose
// Network contains dst, optionally restricted to routes whose Src or Iface
// (when those routes specify one) match the supplied filters. Returns nil
// if no route matches.
func (rt *RouteTable) FindRoute(dst addr.IP, src *addr.IP, iface *netiface.Interface) *Route {
	var found *Route
	for i := range rt.routes {
		r := &rt.routes[i]
		if !r.Network.InNetwork(dst) {
			continue
		}
		if iface != nil && r.Iface != iface {
			continue
		}
		if src != nil && r.Src != nil && *r.Src != *src {
			continue
		}
		found = r
	}
	return found
}

// Routes returns a copy of the table's routes, in ascending-MatchBits
// order, for inspection.
func (rt *RouteTable) Routes() []Route {
	out := make([]Route, len(rt.routes))
	copy(out, rt.routes)
	return out
}
