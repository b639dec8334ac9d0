package store

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/gardenwatch/gardenwatch/events"
)

// CommitRequest is one atomic ingestion unit: the decoded records of a block
// range plus the checkpoint advance that seals it. AdvanceTo is nil for
// worker-pool segment commits, whose coordinator advances the contiguous
// frontier separately.
type CommitRequest struct {
	ChainID   uint64
	Contract  string
	Shard     string
	Records   []*events.Record
	AdvanceTo *uint64
}

// CommitBatch inserts the records with ON CONFLICT DO NOTHING on the
// (chain_id, tx_hash, log_index) key, applies derived-state side effects for
// the rows that were actually new, advances the checkpoint, and commits.
// It returns the newly inserted records, which the indexer broadcasts.
func (s *Store) CommitBatch(ctx context.Context, req CommitRequest) ([]*events.Record, error) {
	var inserted []*events.Record
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		inserted = inserted[:0]
		for _, rec := range req.Records {
			fresh, err := insertEventTx(tx, rec)
			if err != nil {
				return fmt.Errorf("insert event %s: %w", rec.Key(), err)
			}
			if !fresh {
				continue
			}
			if err := applySideEffectsTx(tx, rec); err != nil {
				return fmt.Errorf("apply event %s: %w", rec.Key(), err)
			}
			inserted = append(inserted, rec)
		}
		if req.AdvanceTo != nil {
			if err := advanceCheckpointTx(tx, req.ChainID, req.Contract, req.Shard, *req.AdvanceTo); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func insertEventTx(tx *sqlx.Tx, rec *events.Record) (bool, error) {
	payload, err := events.MarshalPayload(rec.Payload)
	if err != nil {
		return false, err
	}
	res, err := tx.Exec(
		`INSERT INTO events (chain_id, tx_hash, log_index, stream, block_number,
			block_time, contract, topic0, payload)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING`,
		rec.ChainID, strings.ToLower(rec.TxHash.Hex()), rec.LogIndex, rec.Stream,
		rec.Block, rec.BlockTime, strings.ToLower(rec.Contract.Hex()),
		strings.ToLower(rec.Topic0.Hex()), payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// applySideEffectsTx materializes derived state for a freshly inserted row.
// Stakes stay non-negative: an emergency withdraw for more than the tracked
// amount (possible when indexing starts mid-history) clamps at zero.
func applySideEffectsTx(tx *sqlx.Tx, rec *events.Record) error {
	switch p := rec.Payload.(type) {
	case events.StakeChange:
		delta := new(big.Int).Set(p.Amount)
		if p.Direction != events.StakeDeposit {
			delta.Neg(delta)
		}
		return applyStakeDeltaTx(tx, rec.ChainID, p.PoolID, p.Version, p.Wallet.Hex(), delta)
	case events.Bridge:
		usd, err := decimal.NewFromString(p.USDValue)
		if err != nil {
			usd = decimal.Zero
		}
		_, err = tx.Exec(
			`INSERT INTO bridge_events (chain_id, tx_hash, log_index, direction,
				wallet, token, amount, usd_value, pricing_source, block_number, block_time)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			 ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING`,
			rec.ChainID, strings.ToLower(rec.TxHash.Hex()), rec.LogIndex,
			string(p.Direction), strings.ToLower(p.Wallet.Hex()),
			strings.ToLower(p.Token.Hex()), decimal.NewFromBigInt(p.Amount, 0),
			usd, p.PricingSource, rec.Block, rec.BlockTime)
		return err
	case events.LockedToken:
		// Each day's row is the cumulative supply, so the first delta of a
		// new day seeds from the most recent prior day.
		_, err := tx.Exec(
			`INSERT INTO locked_supply (chain_id, as_of, total)
			 VALUES ($1, date_trunc('day', $2::timestamptz),
			         GREATEST(COALESCE((SELECT total FROM locked_supply
			                            WHERE chain_id = $1
			                              AND as_of < date_trunc('day', $2::timestamptz)
			                            ORDER BY as_of DESC LIMIT 1), 0) + $3::numeric, 0))
			 ON CONFLICT (chain_id, as_of)
			 DO UPDATE SET total = GREATEST(locked_supply.total + $3::numeric, 0)`,
			rec.ChainID, rec.BlockTime, lockedSupplyDelta(p))
		return err
	}
	return nil
}

// lockedSupplyDelta maps a lock event onto the signed change of circulating
// locked supply: mints add, burns subtract.
func lockedSupplyDelta(p events.LockedToken) decimal.Decimal {
	delta := new(big.Int).Set(p.Amount)
	if p.Action == events.LockedBurn {
		delta.Neg(delta)
	}
	return decimal.NewFromBigInt(delta, 0)
}

func applyStakeDeltaTx(tx *sqlx.Tx, chainID, poolID uint64, version, wallet string, delta *big.Int) error {
	_, err := tx.Exec(
		`INSERT INTO stakes (chain_id, pool_id, version, wallet, lp_amount)
		 VALUES ($1,$2,$3,$4, GREATEST($5::numeric, 0))
		 ON CONFLICT (chain_id, pool_id, version, wallet)
		 DO UPDATE SET lp_amount = GREATEST(stakes.lp_amount + $5::numeric, 0),
		               updated_at = now()`,
		chainID, poolID, version, strings.ToLower(wallet), decimal.NewFromBigInt(delta, 0))
	return err
}
