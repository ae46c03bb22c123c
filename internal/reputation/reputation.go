// Package reputation implements the per-(non-authorized)-AS trust score
// state machine spec.md §4.5 defines, grounded in the teacher's
// heuristics alert/scoring style (event-driven, reason-coded history) but
// driven entirely by finalized-transaction events rather than heuristic
// signals.
package reputation

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bgp-sentry/sentry/pkg/models"
)

// Reason codes recorded in ReputationChangeEvent.ReasonCode.
const (
	ReasonPrefixHijack     = "attack_prefix_hijack"
	ReasonSubprefixHijack  = "attack_subprefix_hijack"
	ReasonBogon            = "attack_bogon"
	ReasonRouteLeak        = "attack_route_leak"
	ReasonRouteFlap        = "attack_route_flap"
	ReasonRepeatAttacker   = "repeat_attacker_30d"
	ReasonPersistentAttack = "persistent_attacker"
	ReasonLegitimateBatch  = "legitimate_100_announcements"
	ReasonGoodBehaviorMonth = "monthly_good_behavior"
	ReasonHighlyTrustedBonus = "crossed_highly_trusted"
)

// attackDelta maps an attack kind to its base score penalty.
var attackDelta = map[models.AttackKind]float64{
	models.AttackPrefixHijack:    -20,
	models.AttackSubprefixHijack: -18,
	models.AttackBogon:           -25,
	models.AttackRouteLeak:       -15,
	models.AttackRouteFlap:       -10,
}

var attackReason = map[models.AttackKind]string{
	models.AttackPrefixHijack:    ReasonPrefixHijack,
	models.AttackSubprefixHijack: ReasonSubprefixHijack,
	models.AttackBogon:           ReasonBogon,
	models.AttackRouteLeak:       ReasonRouteLeak,
	models.AttackRouteFlap:       ReasonRouteFlap,
}

// Config tunes score clamping and the persistent-attacker threshold
// (spec.md §6).
type Config struct {
	MinScore             float64
	MaxScore             float64
	InitialScore         float64
	PersistentAttackCount int

	// StakeThreshold and StakeLookup implement the first-offense leniency
	// modifier described in SPEC_FULL.md §D.1 (grounded on
	// staking_amountchecker.py's get_stake_multiplier): an AS whose stake
	// is at or above StakeThreshold gets its first attack penalty scaled
	// by 0.75. Both are optional; a nil StakeLookup disables the modifier.
	StakeThreshold float64
	StakeLookup    func(asn int) float64
}

const firstOffenseStakeMultiplier = 0.75

// StakeTable is a read-only per-AS current-stake lookup (grounded on
// staking_amountchecker.py's wallet-registry stake table, minus its
// separate tiered-compensation logic, which SPEC_FULL.md §D.1 doesn't
// bring in). Its Lookup method is the StakeLookup func Config wants.
type StakeTable struct {
	values map[int]float64
}

// LoadStakeTable reads a JSON file mapping AS number (string key) to its
// current stake value. A missing file yields an empty table rather than an
// error, since the stake modifier is optional and off (always under
// threshold) until a table is provided.
func LoadStakeTable(path string) (*StakeTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StakeTable{values: map[int]float64{}}, nil
		}
		return nil, fmt.Errorf("reading stake table %s: %w", path, err)
	}
	var file map[string]float64
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing stake table %s: %w", path, err)
	}
	values := make(map[int]float64, len(file))
	for key, val := range file {
		asn, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		values[asn] = val
	}
	return &StakeTable{values: values}, nil
}

// Lookup returns asn's current stake, or 0 if the table has no entry for it.
func (t *StakeTable) Lookup(asn int) float64 {
	if t == nil {
		return 0
	}
	return t.values[asn]
}

type asState struct {
	entry           models.ReputationEntry
	attackTimestamps []time.Time // for the 30-day persistent-attacker window
	legitSinceBonus int         // legitimate announcements since the last +1 award
}

// Store tracks every tracked non-authorized AS's reputation state.
type Store struct {
	cfg Config

	mu    sync.Mutex
	asns  map[int]*asState
}

// New builds an empty reputation store.
func New(cfg Config) *Store {
	return &Store{cfg: cfg, asns: make(map[int]*asState)}
}

func (s *Store) getOrCreate(asn int) *asState {
	st, ok := s.asns[asn]
	if !ok {
		st = &asState{entry: models.ReputationEntry{
			ASN:         asn,
			TrustScore:  s.cfg.InitialScore,
			RatingLevel: ratingFor(s.cfg.InitialScore),
		}}
		s.asns[asn] = st
	}
	return st
}

// ratingFor derives the rating band from a score per spec.md §4.5
// thresholds.
func ratingFor(score float64) models.RatingLevel {
	switch {
	case score >= 90:
		return models.RatingHighlyTrusted
	case score >= 70:
		return models.RatingTrusted
	case score >= 50:
		return models.RatingNeutral
	case score >= 30:
		return models.RatingSuspicious
	case score >= 10:
		return models.RatingBad
	default:
		return models.RatingCritical
	}
}

// apply clamps and records a single delta, caller must hold mu.
func (s *Store) apply(st *asState, delta float64, reason string, now time.Time) {
	pre := st.entry.TrustScore
	post := pre + delta
	if post < s.cfg.MinScore {
		post = s.cfg.MinScore
	}
	if post > s.cfg.MaxScore {
		post = s.cfg.MaxScore
	}
	crossedHighlyTrusted := !st.entry.CrossedHighlyTrusted && post >= 90 && pre < 90

	st.entry.TrustScore = post
	st.entry.RatingLevel = ratingFor(post)
	st.entry.History = append(st.entry.History, models.ReputationChangeEvent{
		Timestamp:  now,
		ReasonCode: reason,
		Delta:      delta,
		PreClamp:   pre,
		PostClamp:  post,
	})

	if crossedHighlyTrusted {
		st.entry.CrossedHighlyTrusted = true
		s.applyRaw(st, 10, ReasonHighlyTrustedBonus, now)
	}
}

// applyRaw applies a bonus delta without re-triggering the
// crossed-highly-trusted check (avoids infinite recursion from the bonus
// itself crossing the threshold again).
func (s *Store) applyRaw(st *asState, delta float64, reason string, now time.Time) {
	pre := st.entry.TrustScore
	post := pre + delta
	if post < s.cfg.MinScore {
		post = s.cfg.MinScore
	}
	if post > s.cfg.MaxScore {
		post = s.cfg.MaxScore
	}
	st.entry.TrustScore = post
	st.entry.RatingLevel = ratingFor(post)
	st.entry.History = append(st.entry.History, models.ReputationChangeEvent{
		Timestamp:  now,
		ReasonCode: reason,
		Delta:      delta,
		PreClamp:   pre,
		PostClamp:  post,
	})
}

// RecordAttack applies the full attack penalty chain for one finalized
// attack transaction: the base per-kind penalty, the 30-day repeat
// penalty if applicable, and the persistent-attacker penalty once the
// attack count threshold is crossed within 30 days.
func (s *Store) RecordAttack(asn int, kind models.AttackKind, now time.Time) models.ReputationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreate(asn)
	base, ok := attackDelta[kind]
	if !ok {
		base = -10
	}
	if len(st.attackTimestamps) == 0 && s.cfg.StakeLookup != nil && s.cfg.StakeLookup(asn) >= s.cfg.StakeThreshold {
		base *= firstOffenseStakeMultiplier
	}
	s.apply(st, base, attackReason[kind], now)

	st.entry.AttacksDetected++
	if st.entry.LastAttackTimestamp != nil && now.Sub(*st.entry.LastAttackTimestamp) <= 30*24*time.Hour {
		s.applyRaw(st, -30, ReasonRepeatAttacker, now)
	}
	last := now
	st.entry.LastAttackTimestamp = &last

	st.attackTimestamps = append(st.attackTimestamps, now)
	st.attackTimestamps = trimOlderThan(st.attackTimestamps, now, 30*24*time.Hour)
	if s.cfg.PersistentAttackCount > 0 && len(st.attackTimestamps) >= s.cfg.PersistentAttackCount {
		s.applyRaw(st, -50, ReasonPersistentAttack, now)
	}

	return st.entry
}

func trimOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// RecordLegitimate tallies one legitimate finalized announcement, awarding
// +1 every 100th.
func (s *Store) RecordLegitimate(asn int, now time.Time) models.ReputationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreate(asn)
	st.entry.LegitimateAnnouncements++
	st.legitSinceBonus++
	if st.legitSinceBonus >= 100 {
		st.legitSinceBonus = 0
		s.apply(st, 1, ReasonLegitimateBatch, now)
	}
	return st.entry
}

// MonthlySweep awards the +5 good-behavior bonus to every AS with no
// attack in the last 30 days, and marks last_good_behavior_timestamp.
func (s *Store) MonthlySweep(now time.Time) []models.ReputationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var touched []models.ReputationEntry
	cutoff := now.Add(-30 * 24 * time.Hour)
	for _, st := range s.asns {
		if st.entry.LastAttackTimestamp != nil && st.entry.LastAttackTimestamp.After(cutoff) {
			continue
		}
		s.apply(st, 5, ReasonGoodBehaviorMonth, now)
		last := now
		st.entry.LastGoodBehaviorTS = &last
		touched = append(touched, st.entry)
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i].ASN < touched[j].ASN })
	return touched
}

// Get returns a snapshot of one AS's reputation entry, or, if the AS is
// untracked, a fresh entry at the initial score that is not stored.
func (s *Store) Get(asn int) models.ReputationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.asns[asn]; ok {
		return st.entry
	}
	return models.ReputationEntry{ASN: asn, TrustScore: s.cfg.InitialScore, RatingLevel: ratingFor(s.cfg.InitialScore)}
}

// Snapshot returns every tracked AS's reputation entry, sorted by ASN.
func (s *Store) Snapshot() []models.ReputationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ReputationEntry, 0, len(s.asns))
	for _, st := range s.asns {
		out = append(out, st.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ASN < out[j].ASN })
	return out
}
