// Package geo maps source addresses to coarse locations using a read-only
// prefix table loaded once at startup. Lookups are pure and never block.
package geo

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/netip"
	"os"
	"sort"
)

// Location is the enrichment attached to a packet's source address.
type Location struct {
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

type entry struct {
	prefix netip.Prefix
	loc    Location
}

// Table is an immutable prefix→location index. Built once, read from many
// goroutines without locking.
type Table struct {
	entries []entry // sorted by prefix base address
}

// tableRow is the on-disk override format: one JSON object per line.
type tableRow struct {
	CIDR    string  `json:"cidr"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// NewTable builds the lookup table. A missing or unreadable override file is
// a warning, never a startup failure; the builtin dataset still serves.
func NewTable(overridePath string) *Table {
	rows := builtinRows()

	if overridePath != "" {
		loaded, err := loadRows(overridePath)
		if err != nil {
			slog.Warn("⚠️ geo table override unreadable, using builtin dataset", "path", overridePath, "error", err)
		} else {
			rows = append(rows, loaded...)
			slog.Info("Geo table override loaded", "path", overridePath, "rows", len(loaded))
		}
	}

	t := &Table{entries: make([]entry, 0, len(rows))}
	for _, r := range rows {
		p, err := netip.ParsePrefix(r.CIDR)
		if err != nil {
			slog.Warn("⚠️ skipping malformed geo row", "cidr", r.CIDR, "error", err)
			continue
		}
		t.entries = append(t.entries, entry{
			prefix: p.Masked(),
			loc:    Location{Country: r.Country, Lat: r.Lat, Lon: r.Lon},
		})
	}

	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].prefix.Addr().Compare(t.entries[j].prefix.Addr()) < 0
	})
	return t
}

func loadRows(path string) ([]tableRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []tableRow
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r tableRow
		if err := json.Unmarshal(line, &r); err != nil {
			slog.Warn("⚠️ skipping malformed geo row", "error", err)
			continue
		}
		rows = append(rows, r)
	}
	return rows, sc.Err()
}

// Lookup resolves an address to a location. Returns ok=false on a miss or a
// malformed address; the caller leaves the packet's geo fields null.
func (t *Table) Lookup(ip string) (Location, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Location{}, false
	}
	addr = addr.Unmap()

	// Last entry whose base address is <= addr, then containment check.
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].prefix.Addr().Compare(addr) > 0
	})
	for j := i - 1; j >= 0; j-- {
		if t.entries[j].prefix.Contains(addr) {
			return t.entries[j].loc, true
		}
		// Entries are disjoint enough that one step back suffices for v4;
		// a second step covers nested v6 allocations in override files.
		if i-j >= 2 {
			break
		}
	}
	return Location{}, false
}

// Size reports how many prefixes the table holds.
func (t *Table) Size() int { return len(t.entries) }

// SampleIP synthesizes a host address inside a random known v4 prefix. The
// simulator uses it so generated traffic resolves against this same table.
func (t *Table) SampleIP(r *rand.Rand) string {
	v4 := make([]entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.prefix.Addr().Is4() {
			v4 = append(v4, e)
		}
	}
	if len(v4) == 0 {
		return "203.0.113.1"
	}
	e := v4[r.Intn(len(v4))]
	base := e.prefix.Addr().As4()
	hostBits := 32 - e.prefix.Bits()
	if hostBits > 16 {
		hostBits = 16 // keep hosts near the base; plenty of spread for a demo feed
	}
	offset := uint32(0)
	if hostBits > 0 {
		offset = uint32(r.Intn(1<<hostBits-2) + 1)
	}
	addr := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	addr += offset
	return netip.AddrFrom4([4]byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}).String()
}

// builtinRows is the compiled-in dataset. Coarse city-level centroids keyed
// by allocation blocks the simulator draws from.
func builtinRows() []tableRow {
	return []tableRow{
		{"5.188.0.0/16", "Russia", 55.7558, 37.6173},
		{"23.94.0.0/15", "United States", 34.0522, -118.2437},
		{"31.13.64.0/18", "Ireland", 53.3498, -6.2603},
		{"37.120.128.0/17", "Germany", 52.5200, 13.4050},
		{"41.77.0.0/17", "South Africa", -26.2041, 28.0473},
		{"45.33.0.0/16", "United States", 37.5483, -121.9886},
		{"51.15.0.0/16", "France", 48.8566, 2.3522},
		{"59.24.0.0/13", "South Korea", 37.5665, 126.9780},
		{"62.210.0.0/16", "France", 48.8566, 2.3522},
		{"77.88.0.0/18", "Russia", 55.7558, 37.6173},
		{"80.94.76.0/22", "Romania", 44.4268, 26.1025},
		{"89.248.160.0/21", "Netherlands", 52.3676, 4.9041},
		{"91.240.118.0/24", "Ukraine", 50.4501, 30.5234},
		{"101.36.0.0/16", "China", 39.9042, 116.4074},
		{"103.216.220.0/22", "India", 19.0760, 72.8777},
		{"112.85.0.0/16", "China", 32.0603, 118.7969},
		{"122.114.0.0/16", "China", 34.7466, 113.6253},
		{"138.68.0.0/16", "United States", 40.7128, -74.0060},
		{"141.98.80.0/22", "Lithuania", 54.6872, 25.2797},
		{"159.65.0.0/16", "United States", 37.7749, -122.4194},
		{"167.94.138.0/24", "United States", 42.2808, -83.7430},
		{"170.64.0.0/16", "Australia", -33.8688, 151.2093},
		{"179.43.128.0/18", "Switzerland", 47.3769, 8.5417},
		{"185.220.100.0/22", "Germany", 50.1109, 8.6821},
		{"193.118.53.0/24", "Japan", 35.6762, 139.6503},
		{"200.29.0.0/16", "Brazil", -23.5505, -46.6333},
		{"2001:470::/32", "United States", 40.7128, -74.0060},
		{"2a02:4780::/32", "Lithuania", 54.6872, 25.2797},
	}
}
