// Package storage persists the audit trail of accepted bundles. The backing
// store is SQLite; records are written once after relay fan-out and pruned on
// a retention window, so a single connection in WAL mode is sufficient.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound reports that no bundle with the requested id was recorded.
var ErrNotFound = errors.New("bundle not found")

const schema = `
CREATE TABLE IF NOT EXISTS bundles (
	id           TEXT PRIMARY KEY,
	tx1_hash     TEXT NOT NULL,
	payment_wei  TEXT NOT NULL,
	target_block INTEGER,
	created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS relay_submissions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	bundle_id       TEXT NOT NULL REFERENCES bundles(id) ON DELETE CASCADE,
	builder         TEXT NOT NULL,
	status          TEXT NOT NULL,
	response        TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	payment_tx_hash TEXT NOT NULL DEFAULT '',
	submitted_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS bundles_created_at ON bundles(created_at);
CREATE INDEX IF NOT EXISTS relay_submissions_bundle ON relay_submissions(bundle_id);
`

// BundleRecord is one accepted bundle with its per-relay outcomes.
type BundleRecord struct {
	ID          string
	Tx1Hash     string
	PaymentWei  string // decimal
	TargetBlock *uint64
	CreatedAt   time.Time
	Submissions []SubmissionRecord
}

// SubmissionRecord is the outcome of one relay submission.
type SubmissionRecord struct {
	Builder       string
	Status        string
	Response      string
	Error         string
	PaymentTxHash string
	SubmittedAt   time.Time
}

// Store is the audit database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// SQLite allows one writer; serialise at the pool instead of retrying
	// on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable, for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveBundle records one bundle and its submissions atomically. A zero
// CreatedAt is stamped with the current time.
func (s *Store) SaveBundle(ctx context.Context, rec *BundleRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	defer tx.Rollback()

	var target any
	if rec.TargetBlock != nil {
		target = int64(*rec.TargetBlock)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bundles (id, tx1_hash, payment_wei, target_block, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Tx1Hash, rec.PaymentWei, target, rec.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("save bundle %s: %w", rec.ID, err)
	}
	for i := range rec.Submissions {
		sub := &rec.Submissions[i]
		at := sub.SubmittedAt
		if at.IsZero() {
			at = rec.CreatedAt
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relay_submissions (bundle_id, builder, status, response, error, payment_tx_hash, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, sub.Builder, sub.Status, sub.Response, sub.Error, sub.PaymentTxHash, at.Unix(),
		); err != nil {
			return fmt.Errorf("save submission for %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// Bundle fetches one bundle with its submissions in insertion order.
func (s *Store) Bundle(ctx context.Context, id string) (*BundleRecord, error) {
	rec := &BundleRecord{ID: id}
	var (
		target  sql.NullInt64
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tx1_hash, payment_wei, target_block, created_at FROM bundles WHERE id = ?`, id,
	).Scan(&rec.Tx1Hash, &rec.PaymentWei, &target, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bundle %s: %w", id, err)
	}
	if target.Valid {
		v := uint64(target.Int64)
		rec.TargetBlock = &v
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT builder, status, response, error, payment_tx_hash, submitted_at
		 FROM relay_submissions WHERE bundle_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load submissions for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sub SubmissionRecord
			at  int64
		)
		if err := rows.Scan(&sub.Builder, &sub.Status, &sub.Response, &sub.Error, &sub.PaymentTxHash, &at); err != nil {
			return nil, fmt.Errorf("scan submission for %s: %w", id, err)
		}
		sub.SubmittedAt = time.Unix(at, 0).UTC()
		rec.Submissions = append(rec.Submissions, sub)
	}
	return rec, rows.Err()
}

// PruneOlderThan deletes bundles created before the cutoff, cascading to
// their submissions. Returns the number of bundles removed.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bundles WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune bundles: %w", err)
	}
	return res.RowsAffected()
}
