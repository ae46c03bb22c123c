// Package models defines the data structures shared across BGP-Sentry's
// observer, consensus, ledger, reputation and coin subsystems.
package models

import "time"

// Observation is an immutable BGP announcement/withdrawal record as ingested
// from the dataset adapter (file or in-memory). The two label fields are
// ground truth for evaluation only — the detector must never consult them.
type Observation struct {
	Prefix          string  `json:"prefix"`
	OriginASN       int     `json:"origin_asn"`
	ASPath          []int   `json:"as_path"`
	Timestamp       int64   `json:"timestamp"` // UTC seconds
	ObserverASN     int     `json:"observer_asn"`
	IsAttackLabel   bool    `json:"is_attack"`
	AttackKindLabel string  `json:"label,omitempty"`
	// MessageType distinguishes a withdrawal from an announcement, carried
	// by the original BGP feed but dropped from the distilled tuple; absent
	// or unrecognized values are treated as "announce" (original_source's
	// bgp_simulator.py default weighting).
	MessageType string `json:"type,omitempty"`
}

// MessageType constants for Observation.MessageType.
const (
	MessageAnnounce = "announce"
	MessageWithdraw = "withdraw"
)

// IsWithdraw reports whether this observation is a withdrawal.
func (o Observation) IsWithdraw() bool {
	return o.MessageType == MessageWithdraw
}

// ROAEntry is one route-origin authorization record.
type ROAEntry struct {
	Prefix        string `json:"prefix"`
	AuthorizedASN int    `json:"asn"`
	MaxLength     int    `json:"maxLength"`
	TrustAnchor   string `json:"ta"`
}

// RelationshipKind is one of the four AS-to-AS business relationships.
type RelationshipKind string

const (
	RelationCustomerOf RelationshipKind = "customer-of"
	RelationProviderOf RelationshipKind = "provider-of"
	RelationPeerOf     RelationshipKind = "peer-of"
	RelationSiblingOf  RelationshipKind = "sibling-of"
)

// AttackKind enumerates the findings the detector can emit.
type AttackKind string

const (
	AttackPrefixHijack    AttackKind = "prefix_hijack"
	AttackSubprefixHijack AttackKind = "subprefix_hijack"
	AttackRouteLeak       AttackKind = "route_leak"
	AttackRouteFlap       AttackKind = "route_flap"
	AttackBogon           AttackKind = "bogon"
)

// Severity is the attack finding's severity band.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank gives a total order over Severity for sorting and for the
// "contains a critical or high finding" attack-flag test.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:      2,
	SeverityCritical: 3,
}

// AtLeastHigh reports whether s is high or critical severity.
func (s Severity) AtLeastHigh() bool {
	return severityRank[s] >= severityRank[SeverityHigh]
}

// AttackFinding is one emitted classification from the detector.
type AttackFinding struct {
	Kind        AttackKind `json:"kind"`
	Severity    Severity   `json:"severity"`
	AttackerASN int        `json:"attackerAsn"`
	VictimASN   int        `json:"victimAsn,omitempty"`
	Evidence    string     `json:"evidencePrefix"`
	Confidence  float64    `json:"confidence"`
}

// CandidateTransaction is a signed, not-yet-finalized transaction produced
// by the observer for a single observation.
type CandidateTransaction struct {
	TransactionID      string          `json:"transactionId"`
	ObserverASN        int             `json:"observerAsn"`
	OriginASN          int             `json:"originAsn"`
	Prefix             string          `json:"prefix"`
	ASPath             []int           `json:"asPath"`
	ObservationTS      int64           `json:"observationTimestamp"`
	AttackFindings     []AttackFinding `json:"attackFindings,omitempty"`
	Signature          []byte          `json:"signature"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// IsAttack reports whether the candidate carries a high/critical finding.
func (c CandidateTransaction) IsAttack() bool {
	for _, f := range c.AttackFindings {
		if f.Severity.AtLeastHigh() {
			return true
		}
	}
	return false
}

// VoteDecision is the voter's verdict on a candidate transaction.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
)

// Vote is a single signed voter verdict on a transaction_id.
type Vote struct {
	TransactionID string       `json:"transactionId"`
	VoterASN      int          `json:"voterAsn"`
	Decision      VoteDecision `json:"decision"`
	Timestamp     time.Time    `json:"timestamp"`
	Signature     []byte       `json:"signature"`
}

// FinalizedTransaction is a candidate transaction plus the approving votes
// that cleared it for block inclusion, stamped with the committing node's
// chain-local block index.
type FinalizedTransaction struct {
	CandidateTransaction
	ApprovingVoters []int     `json:"approvingVoters"`
	VoteSignatures  [][]byte  `json:"voteSignatures"`
	BlockIndex      int64     `json:"blockIndex"`
	FinalizedAt     time.Time `json:"finalizedAt"`
}

// Block is one entry in the append-only per-node ledger.
type Block struct {
	Index            int64                  `json:"index"`
	CreationTS       int64                  `json:"creationTimestamp"`
	Transactions     []FinalizedTransaction `json:"transactions"`
	PreviousHash     string                 `json:"previousHash"`
	ContentHash      string                 `json:"contentHash"`
}

// RatingLevel is the human-facing band derived from a trust score.
type RatingLevel string

const (
	RatingHighlyTrusted RatingLevel = "highly_trusted"
	RatingTrusted       RatingLevel = "trusted"
	RatingNeutral       RatingLevel = "neutral"
	RatingSuspicious    RatingLevel = "suspicious"
	RatingBad           RatingLevel = "bad"
	RatingCritical      RatingLevel = "critical"
)

// ReputationChangeEvent is one append-only history entry for a reputation
// entry's score changes.
type ReputationChangeEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	ReasonCode string    `json:"reasonCode"`
	Delta      float64   `json:"delta"`
	PreClamp   float64   `json:"preClampScore"`
	PostClamp  float64   `json:"postClampScore"`
}

// ReputationEntry tracks one non-authorized AS's trust standing.
type ReputationEntry struct {
	ASN                     int                     `json:"asn"`
	TrustScore              float64                 `json:"trustScore"`
	RatingLevel             RatingLevel             `json:"ratingLevel"`
	AttacksDetected         int                     `json:"attacksDetected"`
	LegitimateAnnouncements int                     `json:"legitimateAnnouncements"`
	LastAttackTimestamp     *time.Time              `json:"lastAttackTimestamp,omitempty"`
	LastGoodBehaviorTS      *time.Time              `json:"lastGoodBehaviorTimestamp,omitempty"`
	History                 []ReputationChangeEvent `json:"history"`
	CrossedHighlyTrusted    bool                    `json:"crossedHighlyTrusted"`
}

// CoinTransferEvent is one entry in the BGPCOIN distribution history.
type CoinTransferEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	ASN           int       `json:"asn"`
	ReasonCode    string    `json:"reasonCode"`
	Delta         int64     `json:"delta"`
	TransactionID string    `json:"transactionId,omitempty"`
	Truncated     bool      `json:"truncated,omitempty"`
}

// CoinEntry tracks one validator AS's BGPCOIN balance.
type CoinEntry struct {
	ASN             int   `json:"asn"`
	Balance         int64 `json:"balance"`
	TotalEarned     int64 `json:"totalEarned"`
	TotalPenalized  int64 `json:"totalPenalized"`
	Participation   int64 `json:"participation"`
}

// KnowledgeObservation is a per-node cached observation used to vote on
// peers' candidates.
type KnowledgeObservation struct {
	Prefix     string    `json:"prefix"`
	OriginASN  int       `json:"originAsn"`
	Timestamp  int64     `json:"timestamp"`
	ObservedAt time.Time `json:"observedAt"`
}

// TopologyEntry maps one non-authorized AS to the validators known to have
// observed it, with a confidence of 1 - 1/(count+1) derived from the
// observation count.
type TopologyEntry struct {
	NonAuthorizedASN int     `json:"nonAuthorizedAsn"`
	Validators       []int   `json:"validators"`
	ObservationCount int     `json:"observationCount"`
	Confidence       float64 `json:"confidence"`
}
