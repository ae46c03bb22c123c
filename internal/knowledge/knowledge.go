// Package knowledge implements the per-node time-windowed observation
// cache and non-authorized-AS topology map that back knowledge-based
// voting (spec.md §4.2), grounded in original_source's
// test_knowledge_voting.py matching contract and
// test_knowledge_persistence.py's snapshot/reload behavior.
package knowledge

import (
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bgp-sentry/sentry/pkg/models"
)

// Config tunes the knowledge base (spec.md §6 KNOWLEDGE_*).
type Config struct {
	Window        time.Duration
	CleanupEvery  time.Duration
	Capacity      int
	MatchTolerance time.Duration // default ±5 minutes, spec.md §4.2
}

type entryKey struct {
	prefix string
	origin int
}

type entry struct {
	key        entryKey
	timestamp  int64
	observedAt time.Time
	elem       *list.Element // position in lru for capacity eviction
}

// Base is the time-windowed knowledge base plus the topology cache for a
// single validator node.
type Base struct {
	cfg Config

	mu      sync.RWMutex
	entries map[entryKey]*entry
	lru     *list.List // front = most recently touched

	topology map[int]map[int]bool // non-authorized AS -> set of validator ASNs that observed it
	topoObs  map[int]int          // observation counts, for confidence
}

// New builds an empty knowledge base.
func New(cfg Config) *Base {
	if cfg.MatchTolerance == 0 {
		cfg.MatchTolerance = 5 * time.Minute
	}
	return &Base{
		cfg:      cfg,
		entries:  make(map[entryKey]*entry),
		lru:      list.New(),
		topology: make(map[int]map[int]bool),
		topoObs:  make(map[int]int),
	}
}

// Record inserts or refreshes the knowledge entry for (prefix, origin),
// and — when the origin is non-authorized — updates the topology cache to
// note that selfASN has observed it.
func (b *Base) Record(obs models.Observation, selfASN int, originIsAuthorized bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := entryKey{prefix: obs.Prefix, origin: obs.OriginASN}
	if e, ok := b.entries[key]; ok {
		e.timestamp = obs.Timestamp
		e.observedAt = now
		b.lru.MoveToFront(e.elem)
	} else {
		e := &entry{key: key, timestamp: obs.Timestamp, observedAt: now}
		e.elem = b.lru.PushFront(key)
		b.entries[key] = e
		b.evictIfOverCapacity()
	}

	if !originIsAuthorized {
		set, ok := b.topology[obs.OriginASN]
		if !ok {
			set = make(map[int]bool)
			b.topology[obs.OriginASN] = set
		}
		set[selfASN] = true
		b.topoObs[obs.OriginASN]++
	}
}

// evictIfOverCapacity drops the least-recently-touched entries once the
// base exceeds its capacity, caller must hold mu.
func (b *Base) evictIfOverCapacity() {
	if b.cfg.Capacity <= 0 {
		return
	}
	for len(b.entries) > b.cfg.Capacity {
		back := b.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(entryKey)
		delete(b.entries, key)
		b.lru.Remove(back)
	}
}

// Matches implements spec.md §4.2's matching contract: a remote candidate
// (prefix, origin, observationTS) matches if a local entry for the same
// (prefix, origin) exists whose timestamp is within tolerance.
func (b *Base) Matches(prefix string, origin int, observationTS int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[entryKey{prefix: prefix, origin: origin}]
	if !ok {
		return false
	}
	delta := e.timestamp - observationTS
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Second <= b.cfg.MatchTolerance
}

// Cleanup removes every entry whose observedAt predates the knowledge
// window, returning the number removed.
func (b *Base) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-b.cfg.Window)
	removed := 0
	for key, e := range b.entries {
		if e.observedAt.Before(cutoff) {
			delete(b.entries, key)
			b.lru.Remove(e.elem)
			removed++
		}
	}
	return removed
}

// Len reports the current number of cached entries.
func (b *Base) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// TopologyPeers returns the validator set known to have observed
// nonAuthorizedASN, or nil if the cache has no entry for it — callers
// must apply the "all validators except self" fallback themselves
// (spec.md §4.2, §9 Open Question resolved in SPEC_FULL.md §E.2: any
// cached entry is authoritative regardless of confidence).
func (b *Base) TopologyPeers(nonAuthorizedASN int) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set, ok := b.topology[nonAuthorizedASN]
	if !ok || len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for asn := range set {
		out = append(out, asn)
	}
	sort.Ints(out)
	return out
}

// Confidence returns the observation count backing a topology entry,
// purely for observability — it never gates the voting fallback.
func (b *Base) Confidence(nonAuthorizedASN int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.topoObs[nonAuthorizedASN]
}

// MergeTopology imports a peer's topology snapshot, set-union only: it
// never removes validators another node has already recorded (spec.md
// §4.2 "imports merge, no removals").
func (b *Base) MergeTopology(entries []models.TopologyEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, te := range entries {
		set, ok := b.topology[te.NonAuthorizedASN]
		if !ok {
			set = make(map[int]bool)
			b.topology[te.NonAuthorizedASN] = set
		}
		for _, v := range te.Validators {
			set[v] = true
		}
		if te.ObservationCount > b.topoObs[te.NonAuthorizedASN] {
			b.topoObs[te.NonAuthorizedASN] = te.ObservationCount
		}
	}
}

// ExportTopology snapshots the full topology cache for transmission to a
// peer or for persistence.
func (b *Base) ExportTopology() []models.TopologyEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.TopologyEntry, 0, len(b.topology))
	for asn, set := range b.topology {
		validators := make([]int, 0, len(set))
		for v := range set {
			validators = append(validators, v)
		}
		sort.Ints(validators)
		count := b.topoObs[asn]
		confidence := 0.0
		if count > 0 {
			confidence = 1 - 1/float64(count+1)
		}
		out = append(out, models.TopologyEntry{
			NonAuthorizedASN: asn,
			Validators:       validators,
			ObservationCount: count,
			Confidence:       confidence,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NonAuthorizedASN < out[j].NonAuthorizedASN })
	return out
}

// snapshotFile is the on-disk persistence shape alongside the ledger
// state, restored on start per spec.md §4.2.
type snapshotFile struct {
	Topology []models.TopologyEntry `json:"topology"`
}

// Persist atomically writes the topology cache snapshot to path.
func (b *Base) Persist(path string) error {
	snap := snapshotFile{Topology: b.ExportTopology()}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling topology snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing topology snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming topology snapshot into place: %w", err)
	}
	return nil
}

// LoadSnapshot restores a topology cache previously written by Persist. A
// missing file is not an error (first run); a corrupted file is tolerated
// by starting from an empty cache, per spec.md's MalformedInput handling.
func (b *Base) LoadSnapshot(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading topology snapshot %s: %w", path, err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		// corrupted snapshot: quarantine it and start fresh rather than fail
		// startup, same treatment the ledger gives a corrupt chain file.
		quarantine := path + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
		_ = os.Rename(path, quarantine)
		return nil
	}
	b.MergeTopology(snap.Topology)
	return nil
}

// DefaultSnapshotPath builds the conventional topology snapshot path next
// to a node's ledger directory.
func DefaultSnapshotPath(stateDir string, selfASN int) string {
	return filepath.Join(stateDir, fmt.Sprintf("topology-%d.json", selfASN))
}
