// Package feed adapts a dataset of BGP observations (a JSONL file or an
// in-memory slice) into the non-blocking poll_new_observations() interface
// spec.md §2 describes. The package has no loop of its own; the
// ticker-driven Run(ctx) that polls a Source lives in internal/observer.
package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/bgp-sentry/sentry/pkg/models"
)

// Source yields BGP observations one at a time, oldest first. It never
// blocks: PollNew returns immediately with whatever is newly available.
type Source interface {
	// PollNew returns observations newly available since the last call,
	// in arrival order. An empty, non-nil slice means "nothing new yet",
	// not end of stream.
	PollNew() []models.Observation
	// Done reports whether the source is exhausted.
	Done() bool
}

// FileSource reads newline-delimited JSON observations from disk, one
// record per line, and hands them out in file order through PollNew or
// Advance.
type FileSource struct {
	log      *zap.Logger
	all      []models.Observation
	cursor   int
	skipped  int
	mu       sync.Mutex
}

// LoadFile parses a JSONL dataset file into a FileSource. Malformed lines
// are skipped and counted rather than aborting the whole load, mirroring
// spec.md's MalformedInput handling for per-record ingestion errors.
func LoadFile(path string, log *zap.Logger) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening observation dataset %s: %w", path, err)
	}
	defer f.Close()

	fs := &FileSource{log: log}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var obs models.Observation
		if err := json.Unmarshal(line, &obs); err != nil {
			fs.skipped++
			if log != nil {
				log.Warn("skipping malformed observation", zap.Int("line", lineNo), zap.Error(err))
			}
			continue
		}
		if !normalize(&obs) {
			fs.skipped++
			if log != nil {
				log.Warn("skipping observation missing required fields", zap.Int("line", lineNo))
			}
			continue
		}
		fs.all = append(fs.all, obs)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning observation dataset %s: %w", path, err)
	}
	return fs, nil
}

// NewMemorySource wraps an already-decoded slice of observations, applying
// the same normalization and required-field filtering LoadFile does.
func NewMemorySource(obs []models.Observation, log *zap.Logger) *FileSource {
	fs := &FileSource{log: log}
	for i := range obs {
		o := obs[i]
		if !normalize(&o) {
			fs.skipped++
			continue
		}
		fs.all = append(fs.all, o)
	}
	return fs
}

// normalize fills derived fields and reports whether the observation has
// every field spec.md §2 requires (prefix, origin_asn, observer_asn).
func normalize(o *models.Observation) bool {
	if o.Prefix == "" || o.OriginASN == 0 || o.ObserverASN == 0 {
		return false
	}
	if len(o.ASPath) == 0 {
		o.ASPath = []int{o.OriginASN}
	}
	return true
}

// SkippedCount returns how many records were dropped during load.
func (s *FileSource) SkippedCount() int {
	return s.skipped
}

// PollNew returns the next not-yet-delivered observation as a one-element
// slice and moves the cursor past it, or nil once every observation has
// been delivered.
func (s *FileSource) PollNew() []models.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.all) {
		return nil
	}
	batch := s.all[s.cursor:s.cursor+1]
	s.cursor++
	out := make([]models.Observation, len(batch))
	copy(out, batch)
	return out
}

// Advance returns up to n not-yet-delivered observations at once and moves
// the cursor past them, for replay drivers that pace ingestion in batches
// rather than one at a time; a later PollNew continues after them.
func (s *FileSource) Advance(n int) []models.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.all) {
		return nil
	}
	end := s.cursor + n
	if end > len(s.all) {
		end = len(s.all)
	}
	batch := s.all[s.cursor:end]
	s.cursor = end
	out := make([]models.Observation, len(batch))
	copy(out, batch)
	return out
}

// Done reports whether every observation has been delivered.
func (s *FileSource) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor >= len(s.all)
}

// Len returns the total number of loaded observations.
func (s *FileSource) Len() int {
	return len(s.all)
}
