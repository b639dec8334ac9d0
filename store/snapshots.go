package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WalletSnapshot captures a tracked wallet's balances at one instant.
// TokenBalances maps token address to wei amount as a decimal string.
type WalletSnapshot struct {
	ChainID       uint64          `db:"chain_id"`
	Wallet        string          `db:"wallet"`
	AsOf          time.Time       `db:"as_of"`
	NativeBalance decimal.Decimal `db:"native_balance"`
	TokenBalances json.RawMessage `db:"token_balances"`
}

// InsertWalletSnapshot records a balance snapshot.
func (s *Store) InsertWalletSnapshot(ctx context.Context, snap *WalletSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallet_snapshots (chain_id, wallet, as_of, native_balance, token_balances)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (chain_id, wallet, as_of) DO NOTHING`,
		snap.ChainID, strings.ToLower(snap.Wallet), snap.AsOf, snap.NativeBalance, snap.TokenBalances)
	return err
}

// WalletSnapshots lists a wallet's snapshot history, newest first.
func (s *Store) WalletSnapshots(ctx context.Context, wallet string, limit int) ([]WalletSnapshot, error) {
	if limit <= 0 || limit > 365 {
		limit = 30
	}
	var out []WalletSnapshot
	err := s.db.SelectContext(ctx, &out,
		`SELECT chain_id, wallet, as_of, native_balance, token_balances
		 FROM wallet_snapshots WHERE wallet = $1
		 ORDER BY as_of DESC LIMIT $2`,
		strings.ToLower(wallet), limit)
	return out, err
}

// LockedSupply is the cumulative locked-token supply of a chain as of one day.
type LockedSupply struct {
	ChainID uint64          `db:"chain_id"`
	AsOf    time.Time       `db:"as_of"`
	Total   decimal.Decimal `db:"total"`
}

// LockedSupply returns the most recent cumulative supply row for the chain,
// or nil when no mint or burn has been indexed yet.
func (s *Store) LockedSupply(ctx context.Context, chainID uint64) (*LockedSupply, error) {
	var out LockedSupply
	err := s.db.GetContext(ctx, &out,
		`SELECT chain_id, as_of, total FROM locked_supply
		 WHERE chain_id = $1 ORDER BY as_of DESC LIMIT 1`,
		chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractorFlow is one wallet's net bridge outflow over a window.
type ExtractorFlow struct {
	Wallet    string          `db:"wallet"`
	OutUSD    decimal.Decimal `db:"out_usd"`
	InUSD     decimal.Decimal `db:"in_usd"`
	NetOutUSD decimal.Decimal `db:"net_out_usd"`
	Transfers int64           `db:"transfers"`
}

// TopExtractors ranks wallets by net USD bridged out of the economy since the
// given time. Unvalued rows contribute zero by construction.
func (s *Store) TopExtractors(ctx context.Context, since time.Time, limit int) ([]ExtractorFlow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []ExtractorFlow
	err := s.db.SelectContext(ctx, &out,
		`SELECT wallet,
			COALESCE(SUM(usd_value) FILTER (WHERE direction = 'OUT'), 0) AS out_usd,
			COALESCE(SUM(usd_value) FILTER (WHERE direction = 'IN'), 0)  AS in_usd,
			COALESCE(SUM(usd_value) FILTER (WHERE direction = 'OUT'), 0)
				- COALESCE(SUM(usd_value) FILTER (WHERE direction = 'IN'), 0) AS net_out_usd,
			COUNT(1) AS transfers
		 FROM bridge_events
		 WHERE block_time >= $1
		 GROUP BY wallet
		 ORDER BY net_out_usd DESC
		 LIMIT $2`,
		since, limit)
	return out, err
}
