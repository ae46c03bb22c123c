// Package node wires one validator AS's full pipeline together: detector,
// knowledge base, transaction pool, ledger, reputation store, and coin
// ledger, all driven off the shared in-memory bus. Grounded in the
// teacher's cmd/engine/main.go wiring sequence (sequential construction,
// defer-based cleanup, "warn and continue" for optional components) but
// lifted into a reusable constructor so both cmd/sentry and multi-node
// aggregate tests can build a node without duplicating the sequence.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bgp-sentry/sentry/internal/asrel"
	"github.com/bgp-sentry/sentry/internal/bus"
	"github.com/bgp-sentry/sentry/internal/coin"
	"github.com/bgp-sentry/sentry/internal/detector"
	"github.com/bgp-sentry/sentry/internal/feed"
	"github.com/bgp-sentry/sentry/internal/keys"
	"github.com/bgp-sentry/sentry/internal/knowledge"
	"github.com/bgp-sentry/sentry/internal/ledger"
	"github.com/bgp-sentry/sentry/internal/observer"
	"github.com/bgp-sentry/sentry/internal/pool"
	"github.com/bgp-sentry/sentry/internal/reputation"
	"github.com/bgp-sentry/sentry/internal/roa"
	"github.com/bgp-sentry/sentry/internal/store/pg"
	"github.com/bgp-sentry/sentry/pkg/models"
)

// Config bundles the per-node identity and file-backed resources
// (key directory, ROA table, AS-relationship table, dataset, state
// directory) alongside the protocol tunables spec.md §6 defines.
type Config struct {
	SelfASN int

	ROAPath     string
	ASRelPath   string
	KeyDir      string
	SelfKeyPath string
	DatasetPath string
	StateDir    string

	Pool       pool.Config
	Ledger     ledger.Config
	Knowledge  knowledge.Config
	Detector   detector.Config
	Reputation reputation.Config
	Coin       coin.Config
	Observer   observer.Config

	TickInterval time.Duration

	// OnVerdict, if set, is invoked after every finalized transaction's
	// reputation/coin side effects are applied — the hook the monitoring
	// API uses to push live updates over its WebSocket stream.
	OnVerdict func(asn int, tx models.FinalizedTransaction, isAttack bool)

	// PGStore, if set, mirrors finalized transactions and reputation
	// events into Postgres alongside the file-based ledger. A nil store
	// is valid and every write becomes a no-op.
	PGStore *pg.Store
}

// Node is one validator AS's fully wired pipeline.
type Node struct {
	cfg Config
	log *zap.Logger

	bus        *bus.Bus
	roas       *roa.Table
	rels       *asrel.Table
	keyDir     *keys.Directory
	knowledge  *knowledge.Base
	detector   *detector.Detector
	ledger     *ledger.Ledger
	reputation *reputation.Store
	coin       *coin.Ledger
	pool       *pool.Pool
	observer   *observer.Observer
	pg         *pg.Store

	mu sync.Mutex // serializes the finalize hook's reputation/coin writes (spec.md §5)
}

// New constructs a fully wired node sharing the given bus with its peers.
// The ROA table, relationship table, key material and observation dataset
// are required: failing to load any of them is a fatal error. A missing or
// unparsable topology snapshot is ignored, and a ledger file that fails
// verification is logged and the node starts from an empty chain.
func New(cfg Config, shared *bus.Bus, log *zap.Logger) (*Node, error) {
	roas, err := roa.Load(cfg.ROAPath)
	if err != nil {
		return nil, fmt.Errorf("loading ROA table: %w", err)
	}
	rels, err := asrel.Load(cfg.ASRelPath)
	if err != nil {
		return nil, fmt.Errorf("loading AS-relationship table: %w", err)
	}
	keyDir, err := keys.LoadDirectory(cfg.KeyDir, cfg.SelfASN, cfg.SelfKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading key directory: %w", err)
	}

	kb := knowledge.New(cfg.Knowledge)
	_ = kb.LoadSnapshot(knowledge.DefaultSnapshotPath(cfg.StateDir, cfg.SelfASN))

	det := detector.New(roas, rels, cfg.Detector)

	chainPath := ledgerPath(cfg.StateDir, cfg.SelfASN)
	led, err := ledger.Open(chainPath, cfg.Ledger)
	if err != nil {
		if log != nil {
			log.Warn("ledger storage corrupt, starting fresh", zap.Int("asn", cfg.SelfASN), zap.Error(err))
		}
	}

	rep := reputation.New(cfg.Reputation)
	coins := coin.New(cfg.Coin)

	n := &Node{
		cfg:        cfg,
		log:        log,
		bus:        shared,
		roas:       roas,
		rels:       rels,
		keyDir:     keyDir,
		knowledge:  kb,
		detector:   det,
		ledger:     led,
		reputation: rep,
		coin:       coins,
		pg:         cfg.PGStore,
	}

	if led != nil {
		led.OnSealed(func(block models.Block) {
			n.coin.Award(cfg.SelfASN, coin.ReasonBlockCommitted, fmt.Sprintf("block-%d", block.Index), time.Unix(block.CreationTS, 0))
		})
	}

	n.pool = pool.New(cfg.Pool, pool.Deps{
		SelfASN:      cfg.SelfASN,
		Log:          log,
		Knowledge:    kb,
		Bus:          shared,
		Verifier:     keyDir,
		Signer:       keyDir,
		Classifier:   det.Classify,
		IsAuthorized: roas.IsAuthorized,
		Ledger:       led,
		OnFinalize:   n.onFinalize,
	})
	shared.Register(cfg.SelfASN, n.pool.HandleMessage)

	source, err := feed.LoadFile(cfg.DatasetPath, log)
	if err != nil {
		return nil, fmt.Errorf("loading observation dataset: %w", err)
	}
	n.observer = observer.New(cfg.Observer, cfg.SelfASN, source, det, kb, roas, n.pool, keyDir, log)

	return n, nil
}

// ledgerPath builds the conventional per-node chain file path.
func ledgerPath(stateDir string, selfASN int) string {
	return fmt.Sprintf("%s/ledger-%d.json", stateDir, selfASN)
}

// onFinalize drives the reputation and coin side effects of one finalized
// transaction (spec.md §4.5), serialized against concurrent finalize calls
// via the node's writer mutex. The knowledge base is not touched here; it
// is guarded by its own lock.
func (n *Node) onFinalize(tx models.FinalizedTransaction, isAttack bool, now time.Time) {
	type repEvent struct {
		asn int
		ev  models.ReputationChangeEvent
	}
	var repEvents []repEvent

	n.mu.Lock()

	if isAttack {
		for _, finding := range tx.AttackFindings {
			if !finding.Severity.AtLeastHigh() {
				continue
			}
			// spec.md §4.5: reputation rules apply to the origin of the
			// transaction only if it is non-authorized; an authorized AS's
			// score never moves even when it is named as the attacker.
			if !n.roas.IsAuthorized(finding.AttackerASN) {
				entry := n.reputation.RecordAttack(finding.AttackerASN, finding.Kind, now)
				if len(entry.History) > 0 {
					repEvents = append(repEvents, repEvent{asn: finding.AttackerASN, ev: entry.History[len(entry.History)-1]})
				}
			}
		}
		n.coin.Award(tx.ObserverASN, coin.ReasonCorrectAttackCommitter, tx.TransactionID, now)
		for _, voter := range tx.ApprovingVoters {
			if voter == tx.ObserverASN {
				continue
			}
			n.coin.Award(voter, coin.ReasonCorrectAttackVoter, tx.TransactionID, now)
		}
	} else {
		if !n.roas.IsAuthorized(tx.OriginASN) {
			entry := n.reputation.RecordLegitimate(tx.OriginASN, now)
			if len(entry.History) > 0 {
				repEvents = append(repEvents, repEvent{asn: tx.OriginASN, ev: entry.History[len(entry.History)-1]})
			}
		}
		n.coin.Award(tx.ObserverASN, coin.ReasonFirstToCommit, tx.TransactionID, now)
		for _, voter := range tx.ApprovingVoters {
			if voter == tx.ObserverASN {
				continue
			}
			n.coin.Award(voter, coin.ReasonApproveVoteFinalized, tx.TransactionID, now)
		}
	}

	n.mu.Unlock()

	if isAttack {
		n.appendAttackVerdictLog(tx)
	}

	if n.pg != nil {
		ctx := context.Background()
		if err := n.pg.SaveFinalizedTransaction(ctx, n.cfg.SelfASN, tx, isAttack); err != nil && n.log != nil {
			n.log.Warn("pg: failed to save finalized transaction", zap.Error(err))
		}
		for _, re := range repEvents {
			if err := n.pg.SaveReputationEvent(ctx, re.asn, re.ev); err != nil && n.log != nil {
				n.log.Warn("pg: failed to save reputation event", zap.Error(err))
			}
		}
	}

	if n.cfg.OnVerdict != nil {
		n.cfg.OnVerdict(n.cfg.SelfASN, tx, isAttack)
	}
}

// attackVerdictLogPath builds the conventional per-node attack-verdict
// JSON-lines log path (spec.md §6: "one object per finalized attack
// transaction, containing the transaction, the vote tally, and the
// verdict summary").
func attackVerdictLogPath(stateDir string, selfASN int) string {
	return fmt.Sprintf("%s/attack-verdicts-%d.jsonl", stateDir, selfASN)
}

// appendAttackVerdictLog appends one line to the node's attack-verdict
// log. Failures are logged, never fatal — the file-based ledger remains
// the authoritative record of the finalized transaction itself.
func (n *Node) appendAttackVerdictLog(tx models.FinalizedTransaction) {
	entry := struct {
		Transaction models.FinalizedTransaction `json:"transaction"`
		VoteTally   struct {
			Approvals int `json:"approvals"`
		} `json:"voteTally"`
		Verdict string `json:"verdict"`
	}{Transaction: tx, Verdict: "attack"}
	entry.VoteTally.Approvals = len(tx.ApprovingVoters)

	line, err := json.Marshal(entry)
	if err != nil {
		if n.log != nil {
			n.log.Error("failed to marshal attack verdict log entry", zap.Error(err))
		}
		return
	}
	line = append(line, '\n')

	f, err := os.OpenFile(attackVerdictLogPath(n.cfg.StateDir, n.cfg.SelfASN), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if n.log != nil {
			n.log.Error("failed to open attack verdict log", zap.Error(err))
		}
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil && n.log != nil {
		n.log.Error("failed to append attack verdict log entry", zap.Error(err))
	}
}

// Run starts the node's background loops (pool deadline tick, ledger timer
// flush, knowledge cleanup, and the observer ingest pipeline) until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) {
	interval := n.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.observer.Run(ctx)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			n.persistSnapshots()
			return
		case now := <-ticker.C:
			n.pool.Tick(now)
			if err := n.ledger.MaybeFlushOnTimer(now); err != nil && n.log != nil {
				n.log.Error("timer flush failed", zap.Int("asn", n.cfg.SelfASN), zap.Error(err))
			}
			n.knowledge.Cleanup(now)
		}
	}
}

// persistSnapshots writes the knowledge-base topology cache to disk on
// shutdown, so a restart resumes with the same peer-relevance knowledge.
func (n *Node) persistSnapshots() {
	path := knowledge.DefaultSnapshotPath(n.cfg.StateDir, n.cfg.SelfASN)
	if err := n.knowledge.Persist(path); err != nil && n.log != nil {
		n.log.Error("failed to persist topology snapshot", zap.Int("asn", n.cfg.SelfASN), zap.Error(err))
	}
}

// ASN returns this node's validator AS number.
func (n *Node) ASN() int { return n.cfg.SelfASN }

// Pool returns the node's transaction pool, for API/test introspection.
func (n *Node) Pool() *pool.Pool { return n.pool }

// Ledger returns the node's block ledger, for API/test introspection.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// Reputation returns the node's reputation store, for API/test introspection.
func (n *Node) Reputation() *reputation.Store { return n.reputation }

// Coin returns the node's BGPCOIN ledger, for API/test introspection.
func (n *Node) Coin() *coin.Ledger { return n.coin }

// Knowledge returns the node's knowledge base, for API/test introspection.
func (n *Node) Knowledge() *knowledge.Base { return n.knowledge }
