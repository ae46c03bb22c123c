// Package pool implements the per-node transaction pool: the consensus
// core of BGP-Sentry (spec.md §4.4). It admits locally-originated
// candidates, gossips them to topologically relevant peers, collects
// signed approve/reject votes, and either finalizes on quorum or applies
// the deadline policy when the pool-tick fires. Grounded in
// original_source's transaction_pool.py (pending structure, votes keyed
// by voter ASN, commit-on-quorum) and message_bus.py's fire-and-forget
// dispatch, reusing internal/bus for the transport.
package pool

import (
	"container/list"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bgp-sentry/sentry/internal/keys"
	"github.com/bgp-sentry/sentry/pkg/models"
)

// ErrReplay and ErrDeduplicated report the two admission rejections
// spec.md §4.4 enumerates; callers (internal/observer) treat both as
// "transaction not submitted", not as fatal.
var (
	ErrReplay       = errors.New("ReplayDetected: transaction_id already committed")
	ErrDeduplicated = errors.New("dedup window: (prefix, origin) admitted too recently")
)

// Classifier re-runs local attack detection over a reconstructed
// observation, used by peer observers to corroborate an attack-flagged
// candidate (spec.md §4.4 on_peer_vote_request).
type Classifier func(obs models.Observation, now time.Time) []models.AttackFinding

// Verifier checks a signature against a known validator's public key.
type Verifier interface {
	Verify(asn int, payload, signature []byte) bool
}

// Signer signs this node's own vote responses.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// KnowledgeBase is the subset of internal/knowledge.Base the pool
// consults for knowledge-based voting and topology-aware peer selection.
type KnowledgeBase interface {
	Matches(prefix string, origin int, observationTS int64) bool
	TopologyPeers(nonAuthorizedASN int) []int
}

// BusSender is the subset of internal/bus.Bus the pool uses for gossip.
type BusSender interface {
	Send(fromASN, toASN int, message interface{})
	Broadcast(fromASN int, message interface{}, targets []int)
	RegisteredNodes() []int
}

// LedgerWriter appends a finalized transaction to the node's chain.
type LedgerWriter interface {
	Append(tx models.FinalizedTransaction, now time.Time) error
}

// FinalizeHook is invoked exactly once per finalized transaction_id so the
// caller (internal/node) can drive the reputation and coin updates of
// spec.md §4.5. isAttack reflects the committed verdict, which may differ
// from the candidate's own flag when the deadline policy overturns it
// (spec.md §4.4 tick(), "finalize as non-attack").
type FinalizeHook func(tx models.FinalizedTransaction, isAttack bool, now time.Time)

// VoteRequest is gossiped to relevant peers to solicit an approve/reject
// on a candidate transaction.
type VoteRequest struct {
	Candidate models.CandidateTransaction
}

// VoteResponse carries a peer's signed verdict back to the originator.
type VoteResponse struct {
	Vote models.Vote
}

// Config tunes the pool (spec.md §4.4/§6 defaults).
type Config struct {
	Quorum                int
	Cap                   int
	RegularTimeout        time.Duration
	AttackTimeout         time.Duration
	RPKIDedupWindow       time.Duration
	NonRPKIDedupWindow    time.Duration
	MaxBroadcastPeers     int
	PendingCapacity       int
	CommittedIDsCap       int
	CommitOnPartialQuorum bool
}

// Stats counts pool outcomes for observability.
type Stats struct {
	Admitted       int64
	RejectedReplay int64
	RejectedDedup  int64
	Finalized      int64
	Dropped        int64
	Evicted        int64
}

type lastSeenKey struct {
	prefix string
	origin int
}

// pendingEntry is one candidate awaiting quorum or deadline.
type pendingEntry struct {
	tx          models.CandidateTransaction
	votes       *voteSet
	deadline    time.Time
	isAttack    bool
	admittedAt  time.Time
	regularElem *list.Element // position in the regular-eviction LRU, nil for attack entries
}

// voteSet is an insertion-ordered map from voter ASN to decision,
// deduplicated on insertion (spec.md §4.4 "second insertion is dropped").
type voteSet struct {
	order      []int
	decisions  map[int]models.VoteDecision
	signatures map[int][]byte
}

func newVoteSet() *voteSet {
	return &voteSet{decisions: make(map[int]models.VoteDecision), signatures: make(map[int][]byte)}
}

// Add records voter's decision and signature, returning false if voter
// already voted.
func (v *voteSet) Add(voter int, decision models.VoteDecision, signature []byte) bool {
	if _, ok := v.decisions[voter]; ok {
		return false
	}
	v.decisions[voter] = decision
	v.signatures[voter] = signature
	v.order = append(v.order, voter)
	return true
}

func (v *voteSet) ApproveCount() int {
	n := 0
	for _, d := range v.decisions {
		if d == models.VoteApprove {
			n++
		}
	}
	return n
}

func (v *voteSet) RejectCount() int {
	n := 0
	for _, d := range v.decisions {
		if d == models.VoteReject {
			n++
		}
	}
	return n
}

// Approvers returns the approving voter ASNs and their signatures, in the
// order they voted (spec.md §3: "approving voters ... and their
// signatures").
func (v *voteSet) Approvers() ([]int, [][]byte) {
	asns := make([]int, 0, len(v.order))
	sigs := make([][]byte, 0, len(v.order))
	for _, voter := range v.order {
		if v.decisions[voter] == models.VoteApprove {
			asns = append(asns, voter)
			sigs = append(sigs, v.signatures[voter])
		}
	}
	return asns, sigs
}

// Pool is one validator node's transaction pool.
type Pool struct {
	cfg     Config
	selfASN int
	log     *zap.Logger

	knowledge    KnowledgeBase
	bus          BusSender
	verifier     Verifier
	signer       Signer
	classifier   Classifier
	isAuthorized func(asn int) bool
	ledger       LedgerWriter
	onFinalize   FinalizeHook

	mu         sync.Mutex
	pending    map[string]*pendingEntry
	regularLRU *list.List // front = oldest regular entry, for capacity eviction

	committedOrder *list.List
	committed      map[string]*list.Element

	lastSeen map[lastSeenKey]time.Time

	stats Stats
}

// Deps bundles the collaborators a Pool needs, wired by internal/node.
type Deps struct {
	SelfASN      int
	Log          *zap.Logger
	Knowledge    KnowledgeBase
	Bus          BusSender
	Verifier     Verifier
	Signer       Signer
	Classifier   Classifier
	IsAuthorized func(asn int) bool
	Ledger       LedgerWriter
	OnFinalize   FinalizeHook
}

// New builds an empty Pool.
func New(cfg Config, deps Deps) *Pool {
	return &Pool{
		cfg:            cfg,
		selfASN:        deps.SelfASN,
		log:            deps.Log,
		knowledge:      deps.Knowledge,
		bus:            deps.Bus,
		verifier:       deps.Verifier,
		signer:         deps.Signer,
		classifier:     deps.Classifier,
		isAuthorized:   deps.IsAuthorized,
		ledger:         deps.Ledger,
		onFinalize:     deps.OnFinalize,
		pending:        make(map[string]*pendingEntry),
		regularLRU:     list.New(),
		committedOrder: list.New(),
		committed:      make(map[string]*list.Element),
		lastSeen:       make(map[lastSeenKey]time.Time),
	}
}

// HandleMessage is registered with the bus as this node's inbound handler;
// it dispatches gossip and vote messages to the right internal path.
func (p *Pool) HandleMessage(fromASN int, message interface{}) {
	switch m := message.(type) {
	case VoteRequest:
		p.onPeerVoteRequest(fromASN, m.Candidate)
	case VoteResponse:
		p.onVoteResponse(m.Vote)
	}
}

// Admit is the entry point for a locally-originated candidate (from
// internal/observer): reject replay and dedup, insert into pending with
// the self-approval already recorded, and gossip to the relevant peers.
func (p *Pool) Admit(candidate models.CandidateTransaction, now time.Time) error {
	p.mu.Lock()
	if p.isCommittedLocked(candidate.TransactionID) {
		p.stats.RejectedReplay++
		p.mu.Unlock()
		return ErrReplay
	}

	isAttack := candidate.IsAttack()
	if !isAttack {
		key := lastSeenKey{prefix: candidate.Prefix, origin: candidate.OriginASN}
		if last, ok := p.lastSeen[key]; ok && now.Sub(last) < p.dedupWindow(candidate.OriginASN) {
			p.stats.RejectedDedup++
			p.mu.Unlock()
			return ErrDeduplicated
		}
	}

	votes := newVoteSet()
	votes.Add(candidate.ObserverASN, models.VoteApprove, candidate.Signature)

	entry := &pendingEntry{
		tx:         candidate,
		votes:      votes,
		deadline:   now.Add(p.timeoutFor(isAttack)),
		isAttack:   isAttack,
		admittedAt: now,
	}
	if !isAttack {
		entry.regularElem = p.regularLRU.PushBack(candidate.TransactionID)
	}
	p.pending[candidate.TransactionID] = entry
	p.lastSeen[lastSeenKey{prefix: candidate.Prefix, origin: candidate.OriginASN}] = now
	p.stats.Admitted++
	p.evictIfOverCapacityLocked()

	peers := p.peerSetLocked(candidate)
	p.mu.Unlock()

	p.bus.Broadcast(p.selfASN, VoteRequest{Candidate: candidate}, peers)
	return nil
}

// peerSetLocked narrows the broadcast target list to the topologically
// relevant validators for candidate's origin, falling back to "all
// validators except self" on a cache miss, and excludes self and the
// candidate's observer regardless of source. Caller must hold mu.
func (p *Pool) peerSetLocked(candidate models.CandidateTransaction) []int {
	var peers []int
	if p.isAuthorized == nil || !p.isAuthorized(candidate.OriginASN) {
		peers = p.knowledge.TopologyPeers(candidate.OriginASN)
	}
	if len(peers) == 0 {
		peers = p.bus.RegisteredNodes()
	}

	out := make([]int, 0, len(peers))
	for _, asn := range peers {
		if asn != p.selfASN && asn != candidate.ObserverASN {
			out = append(out, asn)
		}
	}
	sort.Ints(out)
	if p.cfg.MaxBroadcastPeers > 0 && len(out) > p.cfg.MaxBroadcastPeers {
		out = out[:p.cfg.MaxBroadcastPeers]
	}
	return out
}

func (p *Pool) dedupWindow(originASN int) time.Duration {
	if p.isAuthorized != nil && p.isAuthorized(originASN) {
		return p.cfg.RPKIDedupWindow
	}
	return p.cfg.NonRPKIDedupWindow
}

func (p *Pool) timeoutFor(isAttack bool) time.Duration {
	if isAttack {
		return p.cfg.AttackTimeout
	}
	return p.cfg.RegularTimeout
}

// onPeerVoteRequest handles an inbound gossiped candidate: verify its
// signature, skip voting on our own self-initiated transaction, decide an
// approve/reject from local knowledge (or local re-classification for
// attack-flagged candidates), sign the vote, and send it back.
func (p *Pool) onPeerVoteRequest(fromASN int, candidate models.CandidateTransaction) {
	if candidate.ObserverASN == p.selfASN {
		return
	}

	payload, err := keys.CandidateSigningPayload(candidate)
	if err != nil || p.verifier == nil || !p.verifier.Verify(candidate.ObserverASN, payload, candidate.Signature) {
		if p.log != nil {
			p.log.Warn("dropping candidate with invalid signature",
				zap.String("tx_id", candidate.TransactionID),
				zap.Int("observer_asn", candidate.ObserverASN))
		}
		return
	}

	now := time.Now()
	decision := p.decide(candidate, now)

	vote := models.Vote{
		TransactionID: candidate.TransactionID,
		VoterASN:      p.selfASN,
		Decision:      decision,
		Timestamp:     now,
	}
	sigPayload, err := keys.VoteSigningPayload(vote)
	if err != nil || p.signer == nil {
		return
	}
	sig, err := p.signer.Sign(sigPayload)
	if err != nil {
		if p.log != nil {
			p.log.Error("failed to sign vote", zap.Error(err))
		}
		return
	}
	vote.Signature = sig

	p.bus.Send(p.selfASN, candidate.ObserverASN, VoteResponse{Vote: vote})
}

// decide implements spec.md §4.4's voting contract: an attack-flagged
// candidate is voted by reproducing the local detector's classification;
// everything else is voted by knowledge-base matching.
func (p *Pool) decide(candidate models.CandidateTransaction, now time.Time) models.VoteDecision {
	if candidate.IsAttack() {
		if p.classifier == nil {
			return models.VoteApprove
		}
		obs := models.Observation{
			Prefix:    candidate.Prefix,
			OriginASN: candidate.OriginASN,
			ASPath:    candidate.ASPath,
			Timestamp: candidate.ObservationTS,
		}
		for _, f := range p.classifier(obs, now) {
			if f.Severity.AtLeastHigh() {
				return models.VoteApprove
			}
		}
		return models.VoteReject
	}
	if p.knowledge != nil && p.knowledge.Matches(candidate.Prefix, candidate.OriginASN, candidate.ObservationTS) {
		return models.VoteApprove
	}
	return models.VoteReject
}

// onVoteResponse records an inbound vote: unknown/already-committed
// transactions and invalid signatures are discarded silently, a second
// vote from the same voter is dropped (replay protection), and reaching
// quorum triggers finalization.
func (p *Pool) onVoteResponse(vote models.Vote) {
	p.mu.Lock()
	entry, ok := p.pending[vote.TransactionID]
	if !ok {
		p.mu.Unlock()
		return
	}

	payload, err := keys.VoteSigningPayload(vote)
	if err != nil || p.verifier == nil || !p.verifier.Verify(vote.VoterASN, payload, vote.Signature) {
		p.mu.Unlock()
		return
	}

	if !entry.votes.Add(vote.VoterASN, vote.Decision, vote.Signature) {
		p.mu.Unlock()
		return
	}
	reachedQuorum := entry.votes.ApproveCount() >= p.cfg.Quorum
	p.mu.Unlock()

	if reachedQuorum {
		p.finalize(vote.TransactionID, time.Now(), false)
	}
}

// Tick applies the deadline policy to every pending entry whose deadline
// has passed (spec.md §4.4 tick()), called at a steady ~1Hz cadence by
// internal/node.
func (p *Pool) Tick(now time.Time) {
	p.mu.Lock()
	var expired []string
	for txID, entry := range p.pending {
		if !now.Before(entry.deadline) {
			expired = append(expired, txID)
		}
	}
	p.mu.Unlock()

	sort.Strings(expired)
	for _, txID := range expired {
		p.handleDeadline(txID, now)
	}
}

// handleDeadline resolves one expired pending entry per spec.md §4.4's
// three-way tick() branch.
func (p *Pool) handleDeadline(txID string, now time.Time) {
	p.mu.Lock()
	entry, ok := p.pending[txID]
	if !ok {
		p.mu.Unlock()
		return // already resolved by a racing vote response
	}
	approvals := entry.votes.ApproveCount()
	isAttack := entry.isAttack
	rejects := entry.votes.RejectCount()
	p.mu.Unlock()

	switch {
	case approvals >= p.cfg.Quorum:
		p.finalize(txID, now, false)
	case isAttack:
		// Fail closed: local detector evidence is authoritative even
		// without corroborating votes, unless rejection is overwhelming
		// (quorum-many rejects and no peer approvals), in which case the
		// originating evidence is treated as a false positive. Admit
		// records the observer's own approval, so it is not counted here.
		peerApprovals := approvals - 1
		overwhelmingReject := rejects >= p.cfg.Quorum && peerApprovals <= 0
		p.finalize(txID, now, overwhelmingReject)
	case p.cfg.CommitOnPartialQuorum && approvals >= 1:
		p.finalize(txID, now, false)
	default:
		p.mu.Lock()
		if e, ok := p.pending[txID]; ok {
			delete(p.pending, txID)
			if e.regularElem != nil {
				p.regularLRU.Remove(e.regularElem)
			}
			p.stats.Dropped++
		}
		p.mu.Unlock()
	}
}

// finalize removes txID from pending, caps its approving-voter set,
// marks the id committed, hands the result to the ledger writer, and
// invokes the finalize hook. forceNonAttack overturns an attack-flagged
// candidate's verdict when the deadline policy's overwhelming-rejection
// branch fires.
func (p *Pool) finalize(txID string, now time.Time, forceNonAttack bool) {
	p.mu.Lock()
	entry, ok := p.pending[txID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, txID)
	if entry.regularElem != nil {
		p.regularLRU.Remove(entry.regularElem)
	}

	approvers, signatures := entry.votes.Approvers()
	if p.cfg.Cap > 0 && len(approvers) > p.cfg.Cap {
		approvers = approvers[:p.cfg.Cap]
		signatures = signatures[:p.cfg.Cap]
	}
	ft := models.FinalizedTransaction{
		CandidateTransaction: entry.tx,
		ApprovingVoters:      approvers,
		VoteSignatures:       signatures,
		FinalizedAt:          now,
	}
	isAttack := entry.isAttack && !forceNonAttack
	p.markCommittedLocked(txID)
	p.stats.Finalized++
	p.mu.Unlock()

	if p.ledger != nil {
		if err := p.ledger.Append(ft, now); err != nil && p.log != nil {
			p.log.Error("failed to append finalized transaction", zap.String("tx_id", txID), zap.Error(err))
		}
	}
	if p.onFinalize != nil {
		p.onFinalize(ft, isAttack, now)
	}
}

// markCommittedLocked adds txID to the bounded committed-id set, evicting
// the oldest entry once the cap is reached. Caller must hold mu.
func (p *Pool) markCommittedLocked(txID string) {
	if _, ok := p.committed[txID]; ok {
		return
	}
	elem := p.committedOrder.PushBack(txID)
	p.committed[txID] = elem
	if p.cfg.CommittedIDsCap <= 0 {
		return
	}
	for p.committedOrder.Len() > p.cfg.CommittedIDsCap {
		front := p.committedOrder.Front()
		if front == nil {
			break
		}
		delete(p.committed, front.Value.(string))
		p.committedOrder.Remove(front)
	}
}

func (p *Pool) isCommittedLocked(txID string) bool {
	_, ok := p.committed[txID]
	return ok
}

// evictIfOverCapacityLocked drops the oldest regular (non-attack) pending
// entries first once PendingCapacity is exceeded (spec.md §4.4 "Pool
// saturation"). Caller must hold mu.
func (p *Pool) evictIfOverCapacityLocked() {
	if p.cfg.PendingCapacity <= 0 {
		return
	}
	for len(p.pending) > p.cfg.PendingCapacity {
		front := p.regularLRU.Front()
		if front == nil {
			return // only attack entries remain; nothing eligible to evict
		}
		txID := front.Value.(string)
		p.regularLRU.Remove(front)
		delete(p.pending, txID)
		p.stats.Evicted++
	}
}

// Stats returns a point-in-time snapshot of the pool's outcome counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// PendingCount returns the number of candidates currently awaiting
// quorum or deadline.
func (p *Pool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// IsCommitted reports whether txID has already been finalized on this
// node.
func (p *Pool) IsCommitted(txID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isCommittedLocked(txID)
}
