// Package observer runs one validator's ingest pipeline: poll newly
// available BGP observations, classify them locally, record them into the
// knowledge base, and submit a signed candidate transaction to the pool.
// Grounded in the teacher's internal/mempool.Poller — the same
// ticker-driven "fetch new, skip seen, analyze, persist/broadcast" shape —
// swapping mempool-tx polling for observation-stream polling and the
// heuristics call for the detector call.
package observer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bgp-sentry/sentry/internal/feed"
	"github.com/bgp-sentry/sentry/internal/keys"
	"github.com/bgp-sentry/sentry/pkg/models"
)

// Detector is the subset of internal/detector.Detector the observer drives.
type Detector interface {
	Classify(obs models.Observation, now time.Time) []models.AttackFinding
}

// KnowledgeRecorder is the subset of internal/knowledge.Base the observer
// feeds with every admitted observation.
type KnowledgeRecorder interface {
	Record(obs models.Observation, selfASN int, originIsAuthorized bool, now time.Time)
}

// ROATable reports whether an origin AS holds any RPKI authorization at
// all — used only to tag knowledge entries as authorized/non-authorized,
// never to suppress detection.
type ROATable interface {
	IsAuthorized(asn int) bool
}

// PoolAdmitter is the subset of internal/pool.Pool the observer submits
// locally-originated candidates to.
type PoolAdmitter interface {
	Admit(candidate models.CandidateTransaction, now time.Time) error
}

// Signer signs a candidate's canonical payload with this node's private key.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// Config tunes the observer's poll cadence and dataset replay pace.
type Config struct {
	PollInterval time.Duration
	// BatchSize bounds how many newly-released observations are drained
	// from the source per tick, mirroring the teacher's 20-per-tick cap so
	// one slow tick cannot starve the pool-tick goroutine.
	BatchSize int
}

// Observer is one validator AS's ingest pipeline.
type Observer struct {
	cfg     Config
	selfASN int
	log     *zap.Logger

	source    feed.Source
	detector  Detector
	knowledge KnowledgeRecorder
	roas      ROATable
	pool      PoolAdmitter
	signer    Signer

	processed int64
	skipped   int64
	admitted  int64
}

// New builds an Observer. roas may be nil, in which case every origin is
// treated as non-authorized for knowledge topology purposes.
func New(cfg Config, selfASN int, source feed.Source, detector Detector, knowledge KnowledgeRecorder, roas ROATable, pool PoolAdmitter, signer Signer, log *zap.Logger) *Observer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Observer{
		cfg:       cfg,
		selfASN:   selfASN,
		log:       log,
		source:    source,
		detector:  detector,
		knowledge: knowledge,
		roas:      roas,
		pool:      pool,
		signer:    signer,
	}
}

// Run drives the poll loop until ctx is cancelled or the source is
// exhausted. It never blocks the caller's goroutine beyond ctx lifetime.
func (o *Observer) Run(ctx context.Context) {
	if o.source == nil {
		if o.log != nil {
			o.log.Warn("observer started with nil source; nothing to ingest")
		}
		return
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick()
			if o.source.Done() {
				if o.log != nil {
					o.log.Info("observation source exhausted",
						zap.Int64("processed", o.processed),
						zap.Int64("admitted", o.admitted))
				}
				return
			}
		}
	}
}

// tick drains up to BatchSize newly available observations and processes
// each in arrival order.
func (o *Observer) tick() {
	for i := 0; i < o.cfg.BatchSize; i++ {
		batch := o.source.PollNew()
		if len(batch) == 0 {
			return
		}
		for _, obs := range batch {
			o.process(obs, time.Now())
		}
	}
}

// process classifies one observation, records it into the knowledge base,
// builds and signs a candidate transaction, and submits it to the pool.
// Replay and dedup rejections from the pool are expected steady-state
// outcomes, not errors — they're logged at debug level only.
func (o *Observer) process(obs models.Observation, now time.Time) {
	o.processed++

	findings := o.detector.Classify(obs, now)

	authorized := false
	if o.roas != nil {
		authorized = o.roas.IsAuthorized(obs.OriginASN)
	}
	if o.knowledge != nil {
		o.knowledge.Record(obs, o.selfASN, authorized, now)
	}

	candidate := models.CandidateTransaction{
		TransactionID:  uuid.New().String(),
		ObserverASN:    o.selfASN,
		OriginASN:      obs.OriginASN,
		Prefix:         obs.Prefix,
		ASPath:         obs.ASPath,
		ObservationTS:  obs.Timestamp,
		AttackFindings: findings,
		CreatedAt:      now,
	}

	if o.signer != nil {
		payload, err := keys.CandidateSigningPayload(candidate)
		if err != nil {
			if o.log != nil {
				o.log.Error("failed to build candidate signing payload", zap.Error(err))
			}
			o.skipped++
			return
		}
		sig, err := o.signer.Sign(payload)
		if err != nil {
			if o.log != nil {
				o.log.Error("failed to sign candidate transaction", zap.Error(err))
			}
			o.skipped++
			return
		}
		candidate.Signature = sig
	}

	if o.pool == nil {
		return
	}
	if err := o.pool.Admit(candidate, now); err != nil {
		if o.log != nil {
			o.log.Debug("candidate not admitted",
				zap.String("tx_id", candidate.TransactionID),
				zap.Error(err))
		}
		return
	}
	o.admitted++
}

// Stats returns point-in-time processed/skipped/admitted counters for
// observability.
func (o *Observer) Stats() (processed, skipped, admitted int64) {
	return o.processed, o.skipped, o.admitted
}
