// Package coin implements the BGPCOIN incentive ledger: a treasury-backed
// per-validator-AS balance with the reward/penalty table spec.md §4.5
// defines, grounded in original_source's staking_interface.py treasury
// accounting style but generalized to the full event table.
package coin

import (
	"sort"
	"sync"
	"time"

	"github.com/bgp-sentry/sentry/pkg/models"
)

// Reason codes recorded in CoinTransferEvent.ReasonCode.
const (
	ReasonBlockCommitted       = "block_committed"
	ReasonApproveVoteFinalized = "approve_vote_finalized"
	ReasonFirstToCommit        = "first_to_commit"
	ReasonCorrectAttackCommitter = "correct_attack_committer"
	ReasonCorrectAttackVoter    = "correct_attack_voter"
	ReasonDailyHeartbeat        = "daily_heartbeat"
	ReasonVoteApproveOverturned = "vote_approve_overturned"
	ReasonVoteRejectConfirmed   = "vote_reject_confirmed"
	ReasonMissedParticipation   = "missed_participation"
)

// rewardAmount gives the base magnitude for each reward reason code, used
// only by callers that don't already know the delta (penalties and
// variable-size rewards are passed explicitly).
var rewardAmount = map[string]int64{
	ReasonBlockCommitted:         10,
	ReasonApproveVoteFinalized:   1,
	ReasonFirstToCommit:          5,
	ReasonCorrectAttackCommitter: 100,
	ReasonCorrectAttackVoter:     2,
	ReasonDailyHeartbeat:         10,
	ReasonVoteApproveOverturned:  -5,
	ReasonVoteRejectConfirmed:    -2,
	ReasonMissedParticipation:    -1,
}

// Config sets the treasury's starting supply (spec.md §6
// BGPCOIN_TOTAL_SUPPLY).
type Config struct {
	TotalSupply int64
}

// Ledger tracks the BGPCOIN treasury and every validator AS's balance,
// maintaining the conservation invariant treasury + sum(balances) +
// burned - recycled == total_supply at all times.
type Ledger struct {
	mu        sync.Mutex
	treasury  int64
	balances  map[int]*models.CoinEntry
	history   []models.CoinTransferEvent
}

// New builds a ledger with the full supply sitting in the treasury.
func New(cfg Config) *Ledger {
	return &Ledger{
		treasury: cfg.TotalSupply,
		balances: make(map[int]*models.CoinEntry),
	}
}

func (l *Ledger) getOrCreate(asn int) *models.CoinEntry {
	e, ok := l.balances[asn]
	if !ok {
		e = &models.CoinEntry{ASN: asn}
		l.balances[asn] = e
	}
	return e
}

// Award pays reason's reward to asn out of the treasury, truncating (and
// recording Truncated=true) if the treasury cannot cover the full amount.
// Conservation holds before and after: the truncated shortfall simply
// never leaves the treasury.
func (l *Ledger) Award(asn int, reason string, txID string, now time.Time) models.CoinTransferEvent {
	return l.AwardAmount(asn, reason, rewardAmount[reason], txID, now)
}

// AwardAmount is like Award but with an explicit amount, for reasons whose
// magnitude depends on context (none currently vary, but this keeps the
// API honest about where the table in spec.md §4.5 is the source of
// truth).
func (l *Ledger) AwardAmount(asn int, reason string, amount int64, txID string, now time.Time) models.CoinTransferEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.getOrCreate(asn)
	actual := amount
	truncated := false
	if actual > 0 && actual > l.treasury {
		actual = l.treasury
		truncated = true
	}

	l.treasury -= actual
	entry.Balance += actual
	if actual > 0 {
		entry.TotalEarned += actual
	} else {
		entry.TotalPenalized += -actual
		// a negative award returns funds to the treasury; treasury -=
		// actual already adds them back since actual is negative.
	}
	entry.Participation++

	ev := models.CoinTransferEvent{
		Timestamp:     now,
		ASN:           asn,
		ReasonCode:    reason,
		Delta:         actual,
		TransactionID: txID,
		Truncated:     truncated,
	}
	l.history = append(l.history, ev)
	return ev
}

// Penalize deducts amount (a positive number) from asn's balance and
// returns it to the treasury. Balances are never allowed to go negative;
// the deduction is truncated to the available balance if necessary.
func (l *Ledger) Penalize(asn int, reason string, amount int64, txID string, now time.Time) models.CoinTransferEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.getOrCreate(asn)
	deduction := amount
	if deduction > entry.Balance {
		deduction = entry.Balance
	}
	entry.Balance -= deduction
	entry.TotalPenalized += deduction
	entry.Participation++
	l.treasury += deduction

	ev := models.CoinTransferEvent{
		Timestamp:     now,
		ASN:           asn,
		ReasonCode:    reason,
		Delta:         -deduction,
		TransactionID: txID,
		Truncated:     deduction < amount,
	}
	l.history = append(l.history, ev)
	return ev
}

// Treasury returns the current treasury balance.
func (l *Ledger) Treasury() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.treasury
}

// Balance returns asn's current balance.
func (l *Ledger) Balance(asn int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.balances[asn]; ok {
		return e.Balance
	}
	return 0
}

// ConservationHolds reports whether treasury + sum(balances) equals the
// original total supply — a testable property from spec.md §8.
func (l *Ledger) ConservationHolds(totalSupply int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := l.treasury
	for _, e := range l.balances {
		sum += e.Balance
	}
	return sum == totalSupply
}

// Snapshot returns every tracked AS's coin entry, sorted by ASN.
func (l *Ledger) Snapshot() []models.CoinEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.CoinEntry, 0, len(l.balances))
	for _, e := range l.balances {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ASN < out[j].ASN })
	return out
}

// History returns the full distribution history in chronological order.
func (l *Ledger) History() []models.CoinTransferEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.CoinTransferEvent, len(l.history))
	copy(out, l.history)
	return out
}
