// Package ledger implements the per-node append-only block log, grounded
// in original_source's blockchain.py/block.py: a JSON file holding the
// full chain, content-hashed with sorted-key JSON + SHA-256 and chained
// via previous_hash, rewritten wholesale each time a block is sealed, as
// save_chain does, but through an atomic rename so a crash mid-write
// cannot corrupt the file in place.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bgp-sentry/sentry/internal/keys"
	"github.com/bgp-sentry/sentry/pkg/models"
)

// StorageCorruptError reports that the persisted chain file failed
// integrity verification on load (spec.md §7 StorageCorrupt).
type StorageCorruptError struct {
	Path   string
	Reason string
}

func (e *StorageCorruptError) Error() string {
	return fmt.Sprintf("StorageCorrupt: %s: %s", e.Path, e.Reason)
}

// Config tunes block formation (spec.md §4 size-or-timer trigger).
type Config struct {
	MaxTransactionsPerBlock int
	MaxBlockInterval        time.Duration
}

// Ledger is one validator's local append-only block chain.
type Ledger struct {
	path string
	cfg  Config

	mu      sync.Mutex
	blocks  []models.Block
	pending []models.FinalizedTransaction
	lastFlush time.Time
	byTxID  map[string]int64 // transaction_id -> block index, for point queries

	onSealed func(models.Block)
}

// OnSealed registers a callback invoked, outside the ledger's lock, after
// each block is sealed and persisted — the hook internal/node uses to pay
// out the block-commit reward (spec.md §4.5: "Committed a block (the node
// that authored the block)").
func (l *Ledger) OnSealed(fn func(models.Block)) {
	l.mu.Lock()
	l.onSealed = fn
	l.mu.Unlock()
}

// Open loads an existing chain file, verifying its hash chain, or starts
// a fresh empty ledger if the file does not exist. A file that exists but
// fails verification is quarantined (renamed aside) and StorageCorruptError
// is returned so the caller can restart from an empty chain deliberately
// rather than silently trusting bad data.
func Open(path string, cfg Config) (*Ledger, error) {
	l := &Ledger{path: path, cfg: cfg, byTxID: make(map[string]int64), lastFlush: time.Now()}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("reading ledger file %s: %w", path, err)
	}

	var blocks []models.Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		quarantine := path + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
		_ = os.Rename(path, quarantine)
		return l, &StorageCorruptError{Path: path, Reason: "invalid JSON: " + err.Error()}
	}
	if err := verifyChain(blocks); err != nil {
		quarantine := path + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
		_ = os.Rename(path, quarantine)
		return l, &StorageCorruptError{Path: path, Reason: err.Error()}
	}
	l.blocks = blocks
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			l.byTxID[tx.TransactionID] = b.Index
		}
	}
	return l, nil
}

func verifyChain(blocks []models.Block) error {
	prevHash := ""
	for i, b := range blocks {
		if b.Index != int64(i) {
			return fmt.Errorf("block %d has index %d, expected sequential", i, b.Index)
		}
		if b.PreviousHash != prevHash {
			return fmt.Errorf("block %d previous_hash mismatch", i)
		}
		want, err := contentHash(b)
		if err != nil {
			return fmt.Errorf("block %d: computing content hash: %w", i, err)
		}
		if want != b.ContentHash {
			return fmt.Errorf("block %d content hash mismatch", i)
		}
		prevHash = b.ContentHash
	}
	return nil
}

// contentHash computes the canonical SHA-256 hash of a block's contents
// (everything except its own hash field), mirroring block.py's
// compute_hash over sorted-key JSON.
func contentHash(b models.Block) (string, error) {
	unsealed := struct {
		Index        int64                         `json:"index"`
		CreationTS   int64                         `json:"creationTimestamp"`
		Transactions []models.FinalizedTransaction `json:"transactions"`
		PreviousHash string                        `json:"previousHash"`
	}{b.Index, b.CreationTS, b.Transactions, b.PreviousHash}

	canon, err := keys.Canonical(unsealed)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Append queues a finalized transaction for inclusion, forming and
// flushing a block immediately if the size trigger is met.
func (l *Ledger) Append(tx models.FinalizedTransaction, now time.Time) error {
	l.mu.Lock()
	l.pending = append(l.pending, tx)
	var sealed models.Block
	var didSeal bool
	var err error
	if l.cfg.MaxTransactionsPerBlock > 0 && len(l.pending) >= l.cfg.MaxTransactionsPerBlock {
		sealed, err = l.flushLocked(now)
		didSeal = err == nil
	}
	onSealed := l.onSealed
	l.mu.Unlock()

	if didSeal && onSealed != nil {
		onSealed(sealed)
	}
	return err
}

// MaybeFlushOnTimer forms and persists a block from whatever is pending
// if the max block interval has elapsed since the last flush, regardless
// of size — the timer side of the size-or-timer trigger.
func (l *Ledger) MaybeFlushOnTimer(now time.Time) error {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil
	}
	if l.cfg.MaxBlockInterval > 0 && now.Sub(l.lastFlush) < l.cfg.MaxBlockInterval {
		l.mu.Unlock()
		return nil
	}
	sealed, err := l.flushLocked(now)
	onSealed := l.onSealed
	l.mu.Unlock()

	if err == nil && onSealed != nil {
		onSealed(sealed)
	}
	return err
}

// flushLocked forms a block from the pending queue and persists the
// updated chain; caller must hold mu.
func (l *Ledger) flushLocked(now time.Time) (models.Block, error) {
	prevHash := ""
	if len(l.blocks) > 0 {
		prevHash = l.blocks[len(l.blocks)-1].ContentHash
	}
	block := models.Block{
		Index:        int64(len(l.blocks)),
		CreationTS:   now.Unix(),
		Transactions: l.pending,
		PreviousHash: prevHash,
	}
	for i := range block.Transactions {
		block.Transactions[i].BlockIndex = block.Index
	}
	hash, err := contentHash(block)
	if err != nil {
		return models.Block{}, fmt.Errorf("computing block content hash: %w", err)
	}
	block.ContentHash = hash

	l.blocks = append(l.blocks, block)
	for _, tx := range block.Transactions {
		l.byTxID[tx.TransactionID] = block.Index
	}
	l.pending = nil
	l.lastFlush = now

	if err := l.persistLocked(); err != nil {
		return models.Block{}, err
	}
	return block, nil
}

// persistLocked atomically rewrites the full chain file; caller must hold
// mu.
func (l *Ledger) persistLocked() error {
	raw, err := json.MarshalIndent(l.blocks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling chain: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing chain file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("renaming chain file into place: %w", err)
	}
	return nil
}

// Height returns the number of sealed blocks.
func (l *Ledger) Height() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.blocks))
}

// PendingCount returns the number of finalized transactions not yet
// sealed into a block.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// BlockByIndex returns the block at index, if sealed.
func (l *Ledger) BlockByIndex(index int64) (models.Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= int64(len(l.blocks)) {
		return models.Block{}, false
	}
	return l.blocks[index], true
}

// TransactionByID returns the finalized transaction with the given ID and
// the block that contains it, if any.
func (l *Ledger) TransactionByID(id string) (models.FinalizedTransaction, models.Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byTxID[id]
	if !ok {
		return models.FinalizedTransaction{}, models.Block{}, false
	}
	block := l.blocks[idx]
	for _, tx := range block.Transactions {
		if tx.TransactionID == id {
			return tx, block, true
		}
	}
	return models.FinalizedTransaction{}, models.Block{}, false
}

// Iterate calls fn for every sealed block in index order, stopping early
// if fn returns false.
func (l *Ledger) Iterate(fn func(models.Block) bool) {
	l.mu.Lock()
	blocks := make([]models.Block, len(l.blocks))
	copy(blocks, l.blocks)
	l.mu.Unlock()

	for _, b := range blocks {
		if !fn(b) {
			return
		}
	}
}
