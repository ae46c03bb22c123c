package asrel

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rel.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing relationship file: %v", err)
	}
	return path
}

func TestLookupDirect(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"5-7":"customer-of"}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	kind, ok := tbl.Lookup(5, 7)
	if !ok || kind != CustomerOf {
		t.Fatalf("Lookup(5,7) = %v,%v want customer-of,true", kind, ok)
	}
}

func TestLookupReverseSwapsRelationship(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"5-7":"customer-of"}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	kind, ok := tbl.Lookup(7, 5)
	if !ok || kind != ProviderOf {
		t.Fatalf("Lookup(7,5) = %v,%v want provider-of,true", kind, ok)
	}
}

func TestLookupPeerIsSymmetric(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"7-3":"peer-of"}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	kind, ok := tbl.Lookup(3, 7)
	if !ok || kind != PeerOf {
		t.Fatalf("Lookup(3,7) = %v,%v want peer-of,true", kind, ok)
	}
}

func TestLookupUnknownPair(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"5-7":"customer-of"}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := tbl.Lookup(1, 2); ok {
		t.Errorf("expected unknown pair to report ok=false")
	}
}

func TestLookupSameASIsUnknown(t *testing.T) {
	tbl, err := Load(writeFile(t, `{"5-7":"customer-of"}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := tbl.Lookup(5, 5); ok {
		t.Errorf("expected a self-pair lookup to be unknown")
	}
}
