package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// Checkpoint is the durable cursor for one (chain, contract, shard) stream.
type Checkpoint struct {
	ChainID   uint64    `db:"chain_id"`
	Contract  string    `db:"contract"`
	Shard     string    `db:"shard"`
	LastBlock uint64    `db:"last_block"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ReadCheckpoint returns the last processed block for the stream, or
// (defaultBlock, nil) when no checkpoint exists yet.
func (s *Store) ReadCheckpoint(ctx context.Context, chainID uint64, contract, shard string, defaultBlock uint64) (uint64, error) {
	var last uint64
	err := s.db.GetContext(ctx, &last,
		`SELECT last_block FROM checkpoints WHERE chain_id=$1 AND contract=$2 AND shard=$3`,
		chainID, contract, shard)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultBlock, nil
	}
	if err != nil {
		return 0, err
	}
	return last, nil
}

// AdvanceCheckpoint moves the cursor forward in its own transaction. Use
// advanceCheckpointTx when the advance must be atomic with event inserts.
func (s *Store) AdvanceCheckpoint(ctx context.Context, chainID uint64, contract, shard string, newBlock uint64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return advanceCheckpointTx(tx, chainID, contract, shard, newBlock)
	})
}

// advanceCheckpointTx enforces monotonicity under the row lock: an equal
// value is an idempotent no-op, a regression fails with ErrNonMonotonic.
func advanceCheckpointTx(tx *sqlx.Tx, chainID uint64, contract, shard string, newBlock uint64) error {
	var current sql.NullInt64
	err := tx.Get(&current,
		`SELECT last_block FROM checkpoints
		 WHERE chain_id=$1 AND contract=$2 AND shard=$3 FOR UPDATE`,
		chainID, contract, shard)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.Exec(
			`INSERT INTO checkpoints (chain_id, contract, shard, last_block, updated_at)
			 VALUES ($1,$2,$3,$4,now())`,
			chainID, contract, shard, newBlock)
		return err
	case err != nil:
		return err
	}
	cur := uint64(current.Int64)
	if newBlock == cur {
		return nil
	}
	if newBlock < cur {
		return ErrNonMonotonic
	}
	_, err = tx.Exec(
		`UPDATE checkpoints SET last_block=$4, updated_at=now()
		 WHERE chain_id=$1 AND contract=$2 AND shard=$3`,
		chainID, contract, shard, newBlock)
	return err
}

// ResetCheckpoint rewinds a stream to the given block, deleting the event
// rows past it in the same transaction so a re-scan reproduces them.
func (s *Store) ResetCheckpoint(ctx context.Context, chainID uint64, contract, shard string, toBlock uint64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM events WHERE chain_id=$1 AND contract=$2 AND block_number > $3`,
			chainID, contract, toBlock); err != nil {
			return err
		}
		_, err := tx.Exec(
			`UPDATE checkpoints SET last_block=$4, updated_at=now()
			 WHERE chain_id=$1 AND contract=$2 AND shard=$3`,
			chainID, contract, shard, toBlock)
		return err
	})
}

// Checkpoints returns all checkpoint rows, for the status API and the
// freshness alert.
func (s *Store) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.SelectContext(ctx, &out,
		`SELECT chain_id, contract, shard, last_block, updated_at
		 FROM checkpoints ORDER BY chain_id, contract, shard`)
	return out, err
}
