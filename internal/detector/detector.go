// Package detector classifies a single BGP observation against a ROA
// table and an AS-relationship table, grounded in original_source's
// prefix_hijack_detector.py, subprefix_detector.py and
// route_leak_detector.py, but reworked around an exact-match ROA table
// (internal/roa) instead of a flat ownership map. It is pure aside from
// the bounded per-origin flap-history ring it owns.
package detector

import (
	"net/netip"
	"sort"
	"time"

	"github.com/bgp-sentry/sentry/internal/asrel"
	"github.com/bgp-sentry/sentry/internal/roa"
	"github.com/bgp-sentry/sentry/pkg/models"
)

// Config tunes the flap detector (spec.md §6 FLAP_*).
type Config struct {
	FlapWindow      time.Duration
	FlapThreshold   int
	FlapDedupWindow time.Duration
	// KnownSinks lists ASNs allowed to originate bogon space (e.g. a
	// blackhole/sinkhole operator), exempting them from the bogon check.
	KnownSinks map[int]bool
}

// flapEvent is one ring entry: the wall-clock time a transition
// (announce<->withdraw) was observed for an (origin, prefix) pair.
type flapEvent struct {
	at       time.Time
	lastType string
}

// Detector holds the bounded per-(origin,prefix) flap ring state; every
// other check is a pure function of its arguments.
type Detector struct {
	roas *roa.Table
	rels *asrel.Table
	cfg  Config

	flapState map[flapKey]*flapState
	lastFlap  map[flapKey]time.Time // last time a route_flap finding fired, for dedup
}

type flapKey struct {
	origin int
	prefix string
}

type flapState struct {
	transitions []time.Time
	lastType    string
}

// New builds a Detector. roas or rels may be nil (treated as empty tables).
func New(roas *roa.Table, rels *asrel.Table, cfg Config) *Detector {
	return &Detector{
		roas:      roas,
		rels:      rels,
		cfg:       cfg,
		flapState: make(map[flapKey]*flapState),
		lastFlap:  make(map[flapKey]time.Time),
	}
}

// bogonPrefixes are the reserved/private ranges spec.md §3.5 refers to.
// The RFC 5737 documentation ranges (192.0.2.0/24, 198.51.100.0/24,
// 203.0.113.0/24) are deliberately excluded: they are the routable example
// prefixes the spec's own scenarios announce under ROA authorization, and
// a document-range hit here would flag a legitimate ROA-covered
// announcement as a bogon regardless of coverage.
var bogonPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// Classify evaluates one observation at wall-clock time now (used only for
// the flap ring; the observation's own Timestamp field drives ROA/leak
// logic which is otherwise timestamp-independent). It returns findings
// sorted by kind, then attacker AS, per spec.md §3's order-stability
// requirement.
func (d *Detector) Classify(obs models.Observation, now time.Time) []models.AttackFinding {
	var findings []models.AttackFinding

	prefix, err := netip.ParsePrefix(obs.Prefix)
	if err != nil {
		return nil // MalformedInput: caller's feed layer should have filtered this already
	}

	if f, ok := d.checkOriginHijack(prefix, obs.OriginASN); ok {
		findings = append(findings, f)
	} else if f, ok := d.checkSubprefixHijack(prefix, obs.OriginASN); ok {
		findings = append(findings, f)
	}

	if f, ok := d.checkRouteLeak(obs.ASPath); ok {
		findings = append(findings, f)
	}

	if f, ok := d.checkFlap(obs, now); ok {
		findings = append(findings, f)
	}

	if f, ok := d.checkBogon(prefix, obs.OriginASN); ok {
		findings = append(findings, f)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Kind != findings[j].Kind {
			return findings[i].Kind < findings[j].Kind
		}
		return findings[i].AttackerASN < findings[j].AttackerASN
	})
	return findings
}

// checkOriginHijack implements spec.md §3.1: a ROA entry exactly covers
// prefix but does not authorize origin.
func (d *Detector) checkOriginHijack(prefix netip.Prefix, origin int) (models.AttackFinding, bool) {
	if d.roas == nil {
		return models.AttackFinding{}, false
	}
	if d.roas.Lookup(prefix, origin) != roa.Invalid {
		return models.AttackFinding{}, false
	}
	victim := 0
	if owners := d.roas.AuthorizedOrigins(prefix); len(owners) > 0 {
		victim = owners[0]
	}
	return models.AttackFinding{
		Kind:        models.AttackPrefixHijack,
		Severity:    models.SeverityCritical,
		AttackerASN: origin,
		VictimASN:   victim,
		Evidence:    prefix.String(),
		Confidence:  0.95,
	}, true
}

// checkSubprefixHijack implements spec.md §3.2: prefix is strictly more
// specific than a ROA-covered parent with a different authorized origin,
// and origin is not within that parent's authorized max-length.
func (d *Detector) checkSubprefixHijack(prefix netip.Prefix, origin int) (models.AttackFinding, bool) {
	if d.roas == nil {
		return models.AttackFinding{}, false
	}
	for _, parent := range d.roas.CoveringParents(prefix) {
		if parent.AuthorizedASN == origin {
			continue
		}
		if parent.MaxLength >= prefix.Bits() {
			continue // covered by the parent's own max-length authorization
		}
		return models.AttackFinding{
			Kind:        models.AttackSubprefixHijack,
			Severity:    models.SeverityHigh,
			AttackerASN: origin,
			VictimASN:   parent.AuthorizedASN,
			Evidence:    prefix.String(),
			Confidence:  0.9,
		}, true
	}
	return models.AttackFinding{}, false
}

// checkRouteLeak implements spec.md §3.3: scan consecutive triples of the
// AS path for a valley-free violation (customer-to-provider followed by
// peer-to-peer or provider-to-customer).
func (d *Detector) checkRouteLeak(asPath []int) (models.AttackFinding, bool) {
	if d.rels == nil || len(asPath) < 3 {
		return models.AttackFinding{}, false
	}
	for i := 0; i+2 < len(asPath); i++ {
		a, b, c := asPath[i], asPath[i+1], asPath[i+2]
		rel1, ok1 := d.rels.Lookup(a, b)
		rel2, ok2 := d.rels.Lookup(b, c)
		if !ok1 || !ok2 {
			continue
		}
		if rel1 == asrel.CustomerOf && (rel2 == asrel.PeerOf || rel2 == asrel.ProviderOf) {
			return models.AttackFinding{
				Kind:        models.AttackRouteLeak,
				Severity:    models.SeverityMedium,
				AttackerASN: b,
				Evidence:    "",
				Confidence:  0.85,
			}, true
		}
	}
	return models.AttackFinding{}, false
}

// checkFlap implements spec.md §3.4: a bounded ring of announce/withdraw
// transition timestamps per (origin, prefix), counting only type changes
// (an announce immediately followed by another announce is not a
// transition), per the resolved Open Question in SPEC_FULL.md §E.3.
func (d *Detector) checkFlap(obs models.Observation, now time.Time) (models.AttackFinding, bool) {
	msgType := obs.MessageType
	if msgType != models.MessageWithdraw {
		msgType = models.MessageAnnounce
	}
	key := flapKey{origin: obs.OriginASN, prefix: obs.Prefix}
	st, ok := d.flapState[key]
	if !ok {
		st = &flapState{lastType: msgType}
		d.flapState[key] = st
		return models.AttackFinding{}, false
	}

	transitioned := st.lastType != msgType
	st.lastType = msgType
	if transitioned {
		st.transitions = append(st.transitions, now)
	}

	// Trim anything outside the flap window.
	cutoff := now.Add(-d.cfg.FlapWindow)
	kept := st.transitions[:0]
	for _, t := range st.transitions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.transitions = kept

	if len(st.transitions) <= d.cfg.FlapThreshold {
		return models.AttackFinding{}, false
	}
	if last, fired := d.lastFlap[key]; fired && now.Sub(last) < d.cfg.FlapDedupWindow {
		return models.AttackFinding{}, false
	}
	d.lastFlap[key] = now

	return models.AttackFinding{
		Kind:        models.AttackRouteFlap,
		Severity:    models.SeverityMedium,
		AttackerASN: obs.OriginASN,
		Evidence:    obs.Prefix,
		Confidence:  0.8,
	}, true
}

// checkBogon implements spec.md §3.5: a reserved/private prefix announced
// by an ASN that is not a registered sink.
func (d *Detector) checkBogon(prefix netip.Prefix, origin int) (models.AttackFinding, bool) {
	if d.cfg.KnownSinks[origin] {
		return models.AttackFinding{}, false
	}
	for _, bogon := range bogonPrefixes {
		if bogon.Contains(prefix.Addr()) {
			return models.AttackFinding{
				Kind:        models.AttackBogon,
				Severity:    models.SeverityHigh,
				AttackerASN: origin,
				Evidence:    prefix.String(),
				Confidence:  0.7,
			}, true
		}
	}
	return models.AttackFinding{}, false
}
