// Package pg is an optional secondary sink that mirrors finalized attack
// verdicts and reputation changes into Postgres for ad-hoc SQL querying,
// alongside (never instead of) the file-based ledger and knowledge
// snapshots that remain the system of record. Grounded directly on the
// teacher's internal/db.PostgresStore: pgxpool connection, schema loaded
// from a .sql file at init, and the begin/insert/commit-with-ON-CONFLICT
// shape for every write.
package pg

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bgp-sentry/sentry/pkg/models"
)

// Store wraps a pgxpool connection pool. A nil *Store is valid and every
// method becomes a no-op, so callers can wire it unconditionally and skip
// deployments that run without Postgres (spec.md's file-based ledger is
// sufficient on its own).
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool. Safe to call on a nil *Store.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InitSchema loads and executes schema.sql alongside this package.
func (s *Store) InitSchema(ctx context.Context) error {
	if s == nil {
		return nil
	}
	raw, err := os.ReadFile("internal/store/pg/schema.sql")
	if err != nil {
		return fmt.Errorf("reading schema file: %w", err)
	}
	if _, err := s.pool.Exec(ctx, string(raw)); err != nil {
		return fmt.Errorf("executing schema migrations: %w", err)
	}
	return nil
}

// SaveFinalizedTransaction upserts one finalized transaction's verdict for
// querying outside the append-only chain file.
func (s *Store) SaveFinalizedTransaction(ctx context.Context, nodeASN int, tx models.FinalizedTransaction, isAttack bool) error {
	if s == nil {
		return nil
	}
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = dbtx.Rollback(ctx) }()

	const insertTx = `
		INSERT INTO finalized_transactions
			(node_asn, transaction_id, observer_asn, origin_asn, prefix, is_attack, block_index, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (node_asn, transaction_id) DO UPDATE
		SET is_attack = EXCLUDED.is_attack, block_index = EXCLUDED.block_index, finalized_at = EXCLUDED.finalized_at;
	`
	if _, err := dbtx.Exec(ctx, insertTx, nodeASN, tx.TransactionID, tx.ObserverASN, tx.OriginASN, tx.Prefix, isAttack, tx.BlockIndex, tx.FinalizedAt); err != nil {
		return fmt.Errorf("inserting finalized_transactions row: %w", err)
	}

	if len(tx.AttackFindings) > 0 {
		const insertFinding = `
			INSERT INTO attack_findings
				(node_asn, transaction_id, kind, severity, attacker_asn, victim_asn, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7);
		`
		for _, f := range tx.AttackFindings {
			if _, err := dbtx.Exec(ctx, insertFinding, nodeASN, tx.TransactionID, f.Kind, f.Severity, f.AttackerASN, f.VictimASN, f.Confidence); err != nil {
				return fmt.Errorf("inserting attack_findings row: %w", err)
			}
		}
	}

	return dbtx.Commit(ctx)
}

// SaveReputationEvent appends one reputation change event for an AS.
func (s *Store) SaveReputationEvent(ctx context.Context, asn int, ev models.ReputationChangeEvent) error {
	if s == nil {
		return nil
	}
	const sql = `
		INSERT INTO reputation_history (asn, reason_code, delta, pre_clamp_score, post_clamp_score, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err := s.pool.Exec(ctx, sql, asn, ev.ReasonCode, ev.Delta, ev.PreClamp, ev.PostClamp, ev.Timestamp)
	return err
}

// AttackHistoryEntry is one row of an AS's attack history as reported to
// the monitoring surface.
type AttackHistoryEntry struct {
	TransactionID string `json:"transactionId"`
	Kind          string `json:"kind"`
	Severity      string `json:"severity"`
	FinalizedAt   string `json:"finalizedAt"`
}

// AttackHistory returns an AS's full attack history, most recent first,
// page-limited the same way the teacher's GetMixers paginates.
func (s *Store) AttackHistory(ctx context.Context, attackerASN int, page, limit int) ([]AttackHistoryEntry, int, error) {
	if s == nil {
		return nil, 0, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var total int
	const countSQL = `SELECT COUNT(*) FROM attack_findings WHERE attacker_asn = $1`
	if err := s.pool.QueryRow(ctx, countSQL, attackerASN).Scan(&total); err != nil {
		return nil, 0, err
	}

	const dataSQL = `
		SELECT f.transaction_id, f.kind, f.severity, t.finalized_at
		FROM attack_findings f
		JOIN finalized_transactions t ON t.transaction_id = f.transaction_id AND t.node_asn = f.node_asn
		WHERE f.attacker_asn = $1
		ORDER BY t.finalized_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, dataSQL, attackerASN, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []AttackHistoryEntry
	for rows.Next() {
		var e AttackHistoryEntry
		if err := rows.Scan(&e.TransactionID, &e.Kind, &e.Severity, &e.FinalizedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if out == nil {
		out = []AttackHistoryEntry{}
	}
	return out, total, rows.Err()
}

// Pool exposes the underlying pgxpool.Pool for callers that need it
// directly (migrations tooling, health checks).
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}
