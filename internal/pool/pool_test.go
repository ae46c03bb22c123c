package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgp-sentry/sentry/pkg/models"
)

// fakeKnowledge always matches (approve) or never matches (reject),
// controlled per test.
type fakeKnowledge struct {
	match bool
	peers map[int][]int
}

func (f *fakeKnowledge) Matches(prefix string, origin int, observationTS int64) bool { return f.match }
func (f *fakeKnowledge) TopologyPeers(nonAuthorizedASN int) []int                    { return f.peers[nonAuthorizedASN] }

// fakeBus records every send/broadcast instead of delivering anywhere;
// tests drive vote responses directly through HandleMessage.
type fakeBus struct {
	mu        sync.Mutex
	sent      []VoteResponse
	broadcast []VoteRequest
	nodes     []int
}

func (b *fakeBus) Send(fromASN, toASN int, message interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if vr, ok := message.(VoteResponse); ok {
		b.sent = append(b.sent, vr)
	}
}

func (b *fakeBus) Broadcast(fromASN int, message interface{}, targets []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if vr, ok := message.(VoteRequest); ok {
		b.broadcast = append(b.broadcast, vr)
	}
}

func (b *fakeBus) RegisteredNodes() []int { return b.nodes }

// fakeSigVerifier always accepts — signature plumbing is exercised
// end-to-end in internal/keys, not re-verified here.
type fakeSigVerifier struct{}

func (fakeSigVerifier) Verify(asn int, payload, signature []byte) bool { return true }

type fakeSigner struct{}

func (fakeSigner) Sign(payload []byte) ([]byte, error) { return []byte("sig"), nil }

type fakeLedger struct {
	mu  sync.Mutex
	txs []models.FinalizedTransaction
}

func (l *fakeLedger) Append(tx models.FinalizedTransaction, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = append(l.txs, tx)
	return nil
}

func baseConfig() Config {
	return Config{
		Quorum:                3,
		Cap:                   5,
		RegularTimeout:        60 * time.Second,
		AttackTimeout:         180 * time.Second,
		RPKIDedupWindow:       3600 * time.Second,
		NonRPKIDedupWindow:    10 * time.Second,
		MaxBroadcastPeers:     10,
		PendingCapacity:       1000,
		CommittedIDsCap:       1000,
		CommitOnPartialQuorum: true,
	}
}

func newTestPool(cfg Config, knowledge *fakeKnowledge, bus *fakeBus, ledger *fakeLedger, onFinalize FinalizeHook) *Pool {
	return New(cfg, Deps{
		SelfASN:      1,
		Knowledge:    knowledge,
		Bus:          bus,
		Verifier:     fakeSigVerifier{},
		Signer:       fakeSigner{},
		IsAuthorized: func(asn int) bool { return false },
		Ledger:       ledger,
		OnFinalize:   onFinalize,
	})
}

func candidate(id string, observer, origin int) models.CandidateTransaction {
	return models.CandidateTransaction{
		TransactionID: id,
		ObserverASN:   observer,
		OriginASN:     origin,
		Prefix:        "203.0.113.0/24",
		ASPath:        []int{origin},
		ObservationTS: time.Now().Unix(),
	}
}

func TestAdmitRecordsSelfApprovalAndGossips(t *testing.T) {
	bus := &fakeBus{nodes: []int{1, 2, 3, 4}}
	ledger := &fakeLedger{}
	p := newTestPool(baseConfig(), &fakeKnowledge{match: true}, bus, ledger, nil)

	err := p.Admit(candidate("tx1", 1, 65001), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, p.PendingCount())
	assert.Len(t, bus.broadcast, 1)
}

func TestAdmitRejectsReplay(t *testing.T) {
	bus := &fakeBus{nodes: []int{1, 2, 3}}
	ledger := &fakeLedger{}
	var finalized []models.FinalizedTransaction
	p := newTestPool(baseConfig(), &fakeKnowledge{match: true}, bus, ledger, func(tx models.FinalizedTransaction, isAttack bool, now time.Time) {
		finalized = append(finalized, tx)
	})

	now := time.Now()
	require.NoError(t, p.Admit(candidate("tx1", 1, 65001), now))
	for _, voter := range []int{2, 3} {
		p.HandleMessage(voter, VoteResponse{Vote: models.Vote{TransactionID: "tx1", VoterASN: voter, Decision: models.VoteApprove}})
	}
	require.Len(t, finalized, 1)
	assert.True(t, p.IsCommitted("tx1"))

	err := p.Admit(candidate("tx1", 1, 65001), now)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestAdmitDedupesWithinWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.NonRPKIDedupWindow = time.Minute
	bus := &fakeBus{nodes: []int{1, 2}}
	p := newTestPool(cfg, &fakeKnowledge{match: true}, bus, &fakeLedger{}, nil)

	now := time.Now()
	require.NoError(t, p.Admit(candidate("tx1", 1, 65001), now))
	err := p.Admit(candidate("tx2", 1, 65001), now.Add(5*time.Second))
	assert.ErrorIs(t, err, ErrDeduplicated)
}

func TestDuplicateVoteDoesNotDoubleCount(t *testing.T) {
	bus := &fakeBus{nodes: []int{1, 2, 3, 4}}
	var finalized int
	p := newTestPool(baseConfig(), &fakeKnowledge{match: true}, bus, &fakeLedger{}, func(tx models.FinalizedTransaction, isAttack bool, now time.Time) {
		finalized++
	})

	require.NoError(t, p.Admit(candidate("tx1", 1, 65001), time.Now()))
	vote := models.Vote{TransactionID: "tx1", VoterASN: 2, Decision: models.VoteApprove}
	p.HandleMessage(2, VoteResponse{Vote: vote})
	p.HandleMessage(2, VoteResponse{Vote: vote}) // replay, must not double-count
	assert.Equal(t, 0, finalized)

	p.HandleMessage(3, VoteResponse{Vote: models.Vote{TransactionID: "tx1", VoterASN: 3, Decision: models.VoteApprove}})
	assert.Equal(t, 1, finalized)
}

func TestTickCommitsOnPartialQuorumWhenEnabled(t *testing.T) {
	cfg := baseConfig()
	cfg.RegularTimeout = 10 * time.Millisecond
	cfg.CommitOnPartialQuorum = true
	bus := &fakeBus{nodes: []int{1, 2}}
	var finalized []models.FinalizedTransaction
	p := newTestPool(cfg, &fakeKnowledge{match: true}, bus, &fakeLedger{}, func(tx models.FinalizedTransaction, isAttack bool, now time.Time) {
		finalized = append(finalized, tx)
	})

	now := time.Now()
	require.NoError(t, p.Admit(candidate("tx1", 1, 65001), now))
	p.Tick(now.Add(20 * time.Millisecond))
	require.Len(t, finalized, 1)
	assert.Len(t, finalized[0].ApprovingVoters, 1) // only the self-approval
}

func TestTickDropsOnPartialQuorumWhenDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.RegularTimeout = 10 * time.Millisecond
	cfg.CommitOnPartialQuorum = false
	cfg.Quorum = 3
	bus := &fakeBus{nodes: []int{1, 2}}
	var finalized int
	p := newTestPool(cfg, &fakeKnowledge{match: true}, bus, &fakeLedger{}, func(tx models.FinalizedTransaction, isAttack bool, now time.Time) {
		finalized++
	})

	now := time.Now()
	require.NoError(t, p.Admit(candidate("tx1", 1, 65001), now))
	p.Tick(now.Add(20 * time.Millisecond))
	assert.Equal(t, 0, finalized)
	assert.Equal(t, 0, p.PendingCount())
	assert.Equal(t, int64(1), p.Stats().Dropped)
}

func TestTickFailsClosedOnAttackWithoutCorroboration(t *testing.T) {
	cfg := baseConfig()
	cfg.AttackTimeout = 10 * time.Millisecond
	bus := &fakeBus{nodes: []int{1, 2}}
	var gotAttack bool
	p := newTestPool(cfg, &fakeKnowledge{match: false}, bus, &fakeLedger{}, func(tx models.FinalizedTransaction, isAttack bool, now time.Time) {
		gotAttack = isAttack
	})

	c := candidate("tx1", 1, 666)
	c.AttackFindings = []models.AttackFinding{{Kind: models.AttackPrefixHijack, Severity: models.SeverityCritical, AttackerASN: 666}}
	now := time.Now()
	require.NoError(t, p.Admit(c, now))
	p.Tick(now.Add(20 * time.Millisecond))
	assert.True(t, gotAttack)
}

func TestOnPeerVoteRequestSkipsSelfInitiated(t *testing.T) {
	bus := &fakeBus{nodes: []int{1, 2}}
	p := newTestPool(baseConfig(), &fakeKnowledge{match: true}, bus, &fakeLedger{}, nil)
	p.onPeerVoteRequest(2, candidate("tx1", 1, 65001)) // observer == selfASN(1)
	assert.Empty(t, bus.sent)
}

func TestOnPeerVoteRequestVotesFromKnowledge(t *testing.T) {
	bus := &fakeBus{nodes: []int{1, 2}}
	p := newTestPool(baseConfig(), &fakeKnowledge{match: true}, bus, &fakeLedger{}, nil)
	p.onPeerVoteRequest(2, candidate("tx1", 9, 65001))
	require.Len(t, bus.sent, 1)
	assert.Equal(t, models.VoteApprove, bus.sent[0].Vote.Decision)
}
