// Package store is the Postgres persistence layer: event rows, checkpoints,
// stakes, prices, payment requests and derived snapshots. All mutation paths
// that pair event rows with checkpoint advances run in a single transaction
// so a crash can never separate the two.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// txTimeout bounds every store transaction.
const txTimeout = 30 * time.Second

// ErrNonMonotonic is returned when a checkpoint advance would move the cursor
// backwards. This is a bug-class failure; the offending indexer stops.
var ErrNonMonotonic = errors.New("non-monotonic checkpoint advance")

// Store wraps the database handle. Safe for concurrent use.
type Store struct {
	db  *sqlx.DB
	log log.Logger
	now func() time.Time
}

// Open connects to the primary database, falling back to fallbackURL when the
// primary is unreachable, and applies pending migrations.
func Open(ctx context.Context, url, fallbackURL string) (*Store, error) {
	logger := log.New("module", "store")
	db, err := connect(ctx, url)
	if err != nil {
		if fallbackURL == "" {
			return nil, err
		}
		logger.Warn("Primary database unreachable, using fallback", "err", err)
		if db, err = connect(ctx, fallbackURL); err != nil {
			return nil, err
		}
	}
	s := &Store{db: db, log: logger, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func connect(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		idx INT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("init migrations table: %w", err)
	}
	var applied int
	if err := s.db.GetContext(ctx, &applied, `SELECT COALESCE(MAX(idx)+1, 0) FROM schema_migrations`); err != nil {
		return err
	}
	for i := applied; i < len(migrations); i++ {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (idx) VALUES ($1)`, i); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Ping reports database liveness, used by the fatal-condition watchdog.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// txAttempts bounds the retries of a transaction aborted by a serialization
// or deadlock failure.
const txAttempts = 3

// withTx runs fn inside a transaction with the store-wide timeout, committing
// on nil and rolling back otherwise. Serialization and deadlock aborts rerun
// the whole transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return withSerializationRetry(s.log, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func withSerializationRetry(logger log.Logger, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !isSerializationFailure(err) || attempt == txAttempts {
			return err
		}
		logger.Debug("Retrying aborted transaction", "attempt", attempt, "err", err)
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
}

// isUniqueViolation reports a Postgres duplicate-key error (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isSerializationFailure reports a deadlock or serialization conflict, which
// callers treat as transient and retry.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01")
}
