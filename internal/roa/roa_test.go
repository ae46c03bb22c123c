package roa

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roas.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing roa file: %v", err)
	}
	return path
}

func TestLookupValid(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"roas":[{"asn":15169,"prefix":"8.8.8.0/24","maxLength":24,"ta":"arin"}]}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	prefix := netip.MustParsePrefix("8.8.8.0/24")
	if got := tbl.Lookup(prefix, 15169); got != Valid {
		t.Errorf("Lookup(authorized origin) = %v, want Valid", got)
	}
	if got := tbl.Lookup(prefix, 666); got != Invalid {
		t.Errorf("Lookup(unauthorized origin) = %v, want Invalid", got)
	}
}

func TestLookupNotFound(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"roas":[]}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	prefix := netip.MustParsePrefix("203.0.113.0/24")
	if got := tbl.Lookup(prefix, 65099); got != NotFound {
		t.Errorf("Lookup(uncovered prefix) = %v, want NotFound", got)
	}
}

func TestASNAcceptsStringForm(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"roas":[{"asn":"AS65001","prefix":"10.0.0.0/8","maxLength":8,"ta":"ripe"}]}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !tbl.IsAuthorized(65001) {
		t.Errorf("expected AS65001 string form to parse to origin 65001")
	}
}

func TestCoveringParents(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"roas":[{"asn":15169,"prefix":"8.8.0.0/16","maxLength":16,"ta":"arin"}]}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	parents := tbl.CoveringParents(netip.MustParsePrefix("8.8.8.0/24"))
	if len(parents) != 1 || parents[0].AuthorizedASN != 15169 {
		t.Fatalf("expected one covering parent owned by 15169, got %+v", parents)
	}
}

func TestMalformedRecordsAreSkipped(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"roas":[{"asn":"not-an-asn","prefix":"bad-cidr","maxLength":24,"ta":"x"}]}`))
	if err != nil {
		t.Fatalf("Load should not fail on a malformed record: %v", err)
	}
	if len(tbl.entries) != 0 {
		t.Errorf("expected malformed record to be skipped, got %+v", tbl.entries)
	}
}
