// Package roa loads and queries the route-origin-authorization table
// (spec.md §6): a read-only JSON file of {asn, prefix, maxLength, ta}
// records. Lookup answers "does some ROA cover prefix P with origin A and
// maxLength >= len(P)?".
package roa

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// LookupResult is the three-way verdict spec.md §3 defines for a ROA query.
type LookupResult int

const (
	NotFound LookupResult = iota
	Valid
	Invalid
)

// Entry is one parsed ROA record.
type Entry struct {
	Prefix        netip.Prefix
	AuthorizedASN int
	MaxLength     int
	TrustAnchor   string
}

// rawEntry mirrors the on-disk JSON shape, where asn may be an integer or
// a string like "AS65001".
type rawEntry struct {
	ASN       json.RawMessage `json:"asn"`
	Prefix    string          `json:"prefix"`
	MaxLength int             `json:"maxLength"`
	TA        string          `json:"ta"`
}

type rawFile struct {
	ROAs []rawEntry `json:"roas"`
}

// Table is an in-memory, read-only ROA table.
type Table struct {
	entries []Entry
	// byOrigin indexes entries by origin ASN for IsAuthorized's "is this
	// AS an authorized origin anywhere" query.
	byOrigin map[int][]Entry
}

// Load reads a ROA JSON file in the shape described in spec.md §6.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ROA file %s: %w", path, err)
	}
	var file rawFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing ROA file %s: %w", path, err)
	}
	t := &Table{byOrigin: make(map[int][]Entry)}
	for _, re := range file.ROAs {
		asn, ok := parseASN(re.ASN)
		if !ok {
			continue // MalformedInput: skip the record
		}
		prefix, err := netip.ParsePrefix(re.Prefix)
		if err != nil {
			continue
		}
		e := Entry{
			Prefix:        prefix,
			AuthorizedASN: asn,
			MaxLength:     re.MaxLength,
			TrustAnchor:   re.TA,
		}
		t.entries = append(t.entries, e)
		t.byOrigin[asn] = append(t.byOrigin[asn], e)
	}
	return t, nil
}

func parseASN(raw json.RawMessage) (int, bool) {
	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, true
	}
	var asStr string
	if err := json.Unmarshal(raw, &asStr); err == nil {
		asStr = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(asStr)), "AS")
		if n, err := strconv.Atoi(asStr); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Lookup answers whether origin is authorized for prefix at its exact
// length.
func (t *Table) Lookup(prefix netip.Prefix, origin int) LookupResult {
	found := false
	for _, e := range t.entries {
		if e.Prefix == prefix {
			found = true
			if e.AuthorizedASN == origin && e.MaxLength >= prefix.Bits() {
				return Valid
			}
		}
	}
	if found {
		return Invalid
	}
	return NotFound
}

// AuthorizedOrigins returns every origin ASN covering prefix exactly.
func (t *Table) AuthorizedOrigins(prefix netip.Prefix) []int {
	var origins []int
	for _, e := range t.entries {
		if e.Prefix == prefix {
			origins = append(origins, e.AuthorizedASN)
		}
	}
	return origins
}

// CoveringParents returns every ROA entry whose prefix strictly contains
// (is a less-specific supernet of) the given prefix.
func (t *Table) CoveringParents(prefix netip.Prefix) []Entry {
	var parents []Entry
	for _, e := range t.entries {
		if e.Prefix.Bits() < prefix.Bits() && e.Prefix.Contains(prefix.Addr()) {
			parents = append(parents, e)
		}
	}
	return parents
}

// IsAuthorized reports whether asn is the authorized origin for any ROA
// entry at all (used to decide whether an AS is "non-authorized" for
// reputation tracking purposes).
func (t *Table) IsAuthorized(asn int) bool {
	_, ok := t.byOrigin[asn]
	return ok
}
