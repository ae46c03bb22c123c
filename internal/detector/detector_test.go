package detector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bgp-sentry/sentry/internal/asrel"
	"github.com/bgp-sentry/sentry/internal/roa"
	"github.com/bgp-sentry/sentry/pkg/models"
)

func mustRoaTable(t *testing.T, path string) *roa.Table {
	t.Helper()
	tbl, err := roa.Load(path)
	if err != nil {
		t.Fatalf("roa.Load(%s): %v", path, err)
	}
	return tbl
}

func writeJSON(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestOriginHijack(t *testing.T) {
	path := writeJSON(t, `{"roas":[{"asn":15169,"prefix":"8.8.8.0/24","maxLength":24,"ta":"arin"}]}`)
	roas := mustRoaTable(t, path)
	d := New(roas, nil, Config{})

	obs := models.Observation{Prefix: "8.8.8.0/24", OriginASN: 666, ASPath: []int{666}}
	findings := d.Classify(obs, time.Now())

	if len(findings) != 1 {
		t.Fatalf("expected exactly 1 finding, got %d: %+v", len(findings), findings)
	}
	f := findings[0]
	if f.Kind != models.AttackPrefixHijack || f.Severity != models.SeverityCritical {
		t.Errorf("got kind=%s severity=%s, want prefix_hijack critical", f.Kind, f.Severity)
	}
	if f.AttackerASN != 666 || f.VictimASN != 15169 {
		t.Errorf("got attacker=%d victim=%d, want 666/15169", f.AttackerASN, f.VictimASN)
	}
}

func TestLegitimateAnnouncementHasNoFinding(t *testing.T) {
	path := writeJSON(t, `{"roas":[{"asn":15169,"prefix":"8.8.8.0/24","maxLength":24,"ta":"arin"}]}`)
	roas := mustRoaTable(t, path)
	d := New(roas, nil, Config{})

	obs := models.Observation{Prefix: "8.8.8.0/24", OriginASN: 15169, ASPath: []int{15169}}
	if findings := d.Classify(obs, time.Now()); len(findings) != 0 {
		t.Errorf("expected no findings for authorized origin, got %+v", findings)
	}
}

func TestUnknownOriginNoROACoverageIsLegitimate(t *testing.T) {
	path := writeJSON(t, `{"roas":[]}`)
	roas := mustRoaTable(t, path)
	d := New(roas, nil, Config{})

	obs := models.Observation{Prefix: "203.0.113.0/24", OriginASN: 65099, ASPath: []int{65099}}
	if findings := d.Classify(obs, time.Now()); len(findings) != 0 {
		t.Errorf("expected no findings for unauthorized-but-unowned prefix, got %+v", findings)
	}
}

func TestSubprefixHijack(t *testing.T) {
	path := writeJSON(t, `{"roas":[{"asn":15169,"prefix":"8.8.0.0/16","maxLength":16,"ta":"arin"}]}`)
	roas := mustRoaTable(t, path)
	d := New(roas, nil, Config{})

	obs := models.Observation{Prefix: "8.8.8.0/24", OriginASN: 666, ASPath: []int{666}}
	findings := d.Classify(obs, time.Now())
	if len(findings) != 1 || findings[0].Kind != models.AttackSubprefixHijack {
		t.Fatalf("expected subprefix_hijack, got %+v", findings)
	}
}

func TestRouteLeakValleyFreeViolation(t *testing.T) {
	path := writeJSON(t, `{"5-7":"customer-of","7-3":"peer-of"}`)
	rels, err := asrel.Load(path)
	if err != nil {
		t.Fatalf("asrel.Load: %v", err)
	}
	d := New(nil, rels, Config{})

	obs := models.Observation{Prefix: "203.0.113.0/24", OriginASN: 5, ASPath: []int{5, 7, 3, 1}}
	findings := d.Classify(obs, time.Now())
	if len(findings) != 1 || findings[0].Kind != models.AttackRouteLeak || findings[0].AttackerASN != 7 {
		t.Fatalf("expected route_leak leaker=7, got %+v", findings)
	}
}

func TestRouteLeakShortPathNeverLeaks(t *testing.T) {
	path := writeJSON(t, `{"5-7":"customer-of"}`)
	rels, _ := asrel.Load(path)
	d := New(nil, rels, Config{})

	obs := models.Observation{Prefix: "203.0.113.0/24", OriginASN: 5, ASPath: []int{5, 7}}
	if findings := d.Classify(obs, time.Now()); len(findings) != 0 {
		t.Errorf("path shorter than 3 should never leak, got %+v", findings)
	}
}

func TestRouteFlapExceedsThreshold(t *testing.T) {
	d := New(nil, nil, Config{FlapWindow: time.Minute, FlapThreshold: 2, FlapDedupWindow: time.Hour})
	base := time.Now()

	obs := func(msgType string, at time.Time) models.AttackFinding {
		o := models.Observation{Prefix: "192.0.2.0/24", OriginASN: 65010, ASPath: []int{65010}, MessageType: msgType}
		findings := d.Classify(o, at)
		if len(findings) == 0 {
			return models.AttackFinding{}
		}
		return findings[0]
	}

	obs(models.MessageAnnounce, base)
	obs(models.MessageWithdraw, base.Add(1*time.Second))
	obs(models.MessageAnnounce, base.Add(2*time.Second))
	f := obs(models.MessageWithdraw, base.Add(3*time.Second))

	if f.Kind != models.AttackRouteFlap {
		t.Fatalf("expected route_flap once threshold exceeded, got %+v", f)
	}
}

func TestRouteFlapDedupSuppression(t *testing.T) {
	d := New(nil, nil, Config{FlapWindow: time.Minute, FlapThreshold: 1, FlapDedupWindow: time.Hour})
	base := time.Now()

	fire := func(msgType string, at time.Time) []models.AttackFinding {
		o := models.Observation{Prefix: "192.0.2.0/24", OriginASN: 65010, ASPath: []int{65010}, MessageType: msgType}
		return d.Classify(o, at)
	}

	// With FlapThreshold 1 the second transition is the first to exceed it.
	fire(models.MessageAnnounce, base)
	fire(models.MessageWithdraw, base.Add(time.Second))
	first := fire(models.MessageAnnounce, base.Add(2*time.Second))
	second := fire(models.MessageWithdraw, base.Add(3*time.Second))

	if len(first) != 1 {
		t.Fatalf("expected the first flap finding to fire, got %+v", first)
	}
	if len(second) != 0 {
		t.Errorf("expected the dedup window to suppress the immediately following flap finding, got %+v", second)
	}
}

func TestBogonPrefix(t *testing.T) {
	d := New(nil, nil, Config{})
	obs := models.Observation{Prefix: "10.0.0.0/24", OriginASN: 65010, ASPath: []int{65010}}
	findings := d.Classify(obs, time.Now())
	if len(findings) != 1 || findings[0].Kind != models.AttackBogon {
		t.Fatalf("expected bogon finding, got %+v", findings)
	}
}

func TestBogonExemptForKnownSink(t *testing.T) {
	d := New(nil, nil, Config{KnownSinks: map[int]bool{65010: true}})
	obs := models.Observation{Prefix: "10.0.0.0/24", OriginASN: 65010, ASPath: []int{65010}}
	if findings := d.Classify(obs, time.Now()); len(findings) != 0 {
		t.Errorf("known sink should be exempt from bogon check, got %+v", findings)
	}
}

func TestFindingsAreOrderStable(t *testing.T) {
	path := writeJSON(t, `{"roas":[{"asn":15169,"prefix":"10.0.0.0/24","maxLength":24,"ta":"arin"}]}`)
	roas := mustRoaTable(t, path)
	d := New(roas, nil, Config{})

	obs := models.Observation{Prefix: "10.0.0.0/24", OriginASN: 666, ASPath: []int{666}}
	a := d.Classify(obs, time.Now())
	b := d.Classify(obs, time.Now())
	if len(a) != len(b) {
		t.Fatalf("re-running the detector should yield the same finding set")
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].AttackerASN != b[i].AttackerASN {
			t.Errorf("finding order/content changed across identical runs: %+v vs %+v", a, b)
		}
	}
}
