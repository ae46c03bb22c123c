// Package config loads BGP-Sentry's tunables from environment variables,
// following the same requireEnv/getEnvOrDefault pattern the teacher's
// cmd/engine/main.go used for database and RPC credentials, generalized to
// typed numeric settings with fatal validation (spec.md §7 ConfigInvalid).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable enumerated in spec.md §6.
type Config struct {
	ConsensusMinSignatures int
	ConsensusCapSignatures int
	RegularTimeout         time.Duration
	AttackTimeout          time.Duration
	MaxBroadcastPeers      int
	RPKIDedupWindow        time.Duration
	NonRPKIDedupWindow     time.Duration
	KnowledgeWindow        time.Duration
	KnowledgeCleanupEvery  time.Duration
	FlapWindow             time.Duration
	FlapThreshold          int
	FlapDedupWindow        time.Duration
	BGPCoinTotalSupply     int64
	RatingInitialScore     float64
	RatingMinScore         float64
	RatingMaxScore         float64
	PersistentAttackCount  int

	// CommitOnPartialQuorum resolves spec.md's §9 Open Question: whether a
	// regular transaction that times out with 1 <= approvals < quorum is
	// committed (true, the default per SPEC_FULL.md §E.1) or dropped.
	CommitOnPartialQuorum bool

	PendingCapacity   int
	CommittedIDsCap   int
	KnowledgeCapacity int

	// StakeThreshold is the minimum current-stake value (spec.md §6
	// "current stake value per non-authorized AS") that earns the
	// first-offense leniency multiplier described in SPEC_FULL.md §D.1.
	StakeThreshold float64
}

// ConfigError reports a ConfigInvalid condition (spec.md §7): fatal at
// process startup.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ConfigInvalid: %s: %s", e.Key, e.Reason)
}

// Load reads all tunables from the environment, applying the defaults in
// spec.md §4.4/§4.5 when a variable is unset, and returning a ConfigError
// for any value that is set but fails to parse or falls outside a sane
// range.
func Load() (*Config, error) {
	l := &loader{}
	cfg := &Config{
		ConsensusMinSignatures: l.intVar("CONSENSUS_MIN_SIGNATURES", 3),
		ConsensusCapSignatures: l.intVar("CONSENSUS_CAP_SIGNATURES", 5),
		RegularTimeout:         l.durationVar("P2P_REGULAR_TIMEOUT", 60*time.Second),
		AttackTimeout:          l.durationVar("P2P_ATTACK_TIMEOUT", 180*time.Second),
		MaxBroadcastPeers:      l.intVar("P2P_MAX_BROADCAST_PEERS", 10),
		RPKIDedupWindow:        l.durationVar("RPKI_DEDUP_WINDOW", 3600*time.Second),
		NonRPKIDedupWindow:     l.durationVar("NONRPKI_DEDUP_WINDOW", 10*time.Second),
		KnowledgeWindow:        l.durationVar("KNOWLEDGE_WINDOW_SECONDS", 10*time.Minute),
		KnowledgeCleanupEvery:  l.durationVar("KNOWLEDGE_CLEANUP_INTERVAL", 60*time.Second),
		FlapWindow:             l.durationVar("FLAP_WINDOW_SECONDS", 5*time.Minute),
		FlapThreshold:          l.intVar("FLAP_THRESHOLD", 5),
		FlapDedupWindow:        l.durationVar("FLAP_DEDUP_SECONDS", 30*time.Second),
		BGPCoinTotalSupply:     l.int64Var("BGPCOIN_TOTAL_SUPPLY", 1_000_000_000),
		RatingInitialScore:     l.floatVar("RATING_INITIAL_SCORE", 50),
		RatingMinScore:         l.floatVar("RATING_MIN_SCORE", 0),
		RatingMaxScore:         l.floatVar("RATING_MAX_SCORE", 100),
		PersistentAttackCount:  l.intVar("PERSISTENT_ATTACK_COUNT", 3),
		CommitOnPartialQuorum:  l.boolVar("P2P_COMMIT_ON_PARTIAL_QUORUM", true),
		PendingCapacity:        l.intVar("POOL_PENDING_CAPACITY", 10000),
		CommittedIDsCap:        l.intVar("POOL_COMMITTED_IDS_CAP", 100000),
		KnowledgeCapacity:      l.intVar("KNOWLEDGE_CAPACITY", 50000),
		StakeThreshold:         l.floatVar("STAKE_THRESHOLD", 0.2),
	}
	if l.err != nil {
		return nil, l.err
	}
	if cfg.ConsensusMinSignatures <= 0 || cfg.ConsensusCapSignatures < cfg.ConsensusMinSignatures {
		return nil, &ConfigError{"CONSENSUS_MIN_SIGNATURES/CONSENSUS_CAP_SIGNATURES", "cap must be >= min and min must be positive"}
	}
	if cfg.RatingMinScore >= cfg.RatingMaxScore {
		return nil, &ConfigError{"RATING_MIN_SCORE/RATING_MAX_SCORE", "min must be < max"}
	}
	return cfg, nil
}

// loader accumulates the first parse error seen across a batch of env reads
// so Load can report one ConfigError instead of panicking mid-parse.
type loader struct {
	err error
}

func (l *loader) intVar(key string, def int) int {
	if l.err != nil {
		return def
	}
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		l.err = &ConfigError{key, "not an integer: " + err.Error()}
		return def
	}
	return v
}

func (l *loader) int64Var(key string, def int64) int64 {
	if l.err != nil {
		return def
	}
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.err = &ConfigError{key, "not an integer: " + err.Error()}
		return def
	}
	return v
}

func (l *loader) floatVar(key string, def float64) float64 {
	if l.err != nil {
		return def
	}
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.err = &ConfigError{key, "not a number: " + err.Error()}
		return def
	}
	return v
}

func (l *loader) boolVar(key string, def bool) bool {
	if l.err != nil {
		return def
	}
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		l.err = &ConfigError{key, "not a bool: " + err.Error()}
		return def
	}
	return v
}

func (l *loader) durationVar(key string, def time.Duration) time.Duration {
	if l.err != nil {
		return def
	}
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.err = &ConfigError{key, "not a number of seconds: " + err.Error()}
		return def
	}
	return time.Duration(secs * float64(time.Second))
}
