package ipstack

import "github.com/soypat/netsim/addr"

// DefaultARPExpiration is the tick countdown a freshly-learned or refreshed
// ARP entry starts at (spec.md C5).
const DefaultARPExpiration = 100

type arpEntry struct {
	mac        addr.MAC
	expiration int
}

// ARPTable is an IP stack's address-resolution cache: a map of IP to MAC
// with a per-entry countdown expiry, mirroring device.CAMTable's shape.
type ARPTable struct {
	table      map[addr.IP]arpEntry
	expiration int
}

// NewARPTable returns an empty table whose entries start at expiration
// ticks (DefaultARPExpiration if <= 0).
func NewARPTable(expiration int) *ARPTable {
	if expiration <= 0 {
		expiration = DefaultARPExpiration
	}
	return &ARPTable{table: make(map[addr.IP]arpEntry), expiration: expiration}
}

// Add records (or refreshes) ip -> mac with a fresh TTL.
func (t *ARPTable) Add(ip addr.IP, mac addr.MAC) {
	t.table[ip] = arpEntry{mac: mac, expiration: t.expiration}
}

// Lookup returns the MAC resolved for ip, if any.
func (t *ARPTable) Lookup(ip addr.IP) (addr.MAC, bool) {
	e, ok := t.table[ip]
	if !ok {
		return addr.MAC{}, false
	}
	return e.mac, true
}

// Delete removes any entry for ip.
func (t *ARPTable) Delete(ip addr.IP) { delete(t.table, ip) }

// Expire decrements every entry's TTL, evicting entries that reach zero.
// Called once per tick by the owning device (spec.md §4.3 per-tick jobs).
func (t *ARPTable) Expire() {
	for ip, e := range t.table {
		e.expiration--
		if e.expiration <= 0 {
			delete(t.table, ip)
			continue
		}
		t.table[ip] = e
	}
}

// Len reports the number of resolved entries, for inspection/metrics.
func (t *ARPTable) Len() int { return len(t.table) }
