package store

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Stake is the materialized LP position of one wallet in one pool version.
type Stake struct {
	ChainID     uint64          `db:"chain_id"`
	PoolID      uint64          `db:"pool_id"`
	Version     string          `db:"version"`
	Wallet      string          `db:"wallet"`
	LPAmount    decimal.Decimal `db:"lp_amount"`
	FirstSeenAt time.Time       `db:"first_seen_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// WalletStakes lists a wallet's positions across all chains and pools.
func (s *Store) WalletStakes(ctx context.Context, wallet string) ([]Stake, error) {
	var out []Stake
	err := s.db.SelectContext(ctx, &out,
		`SELECT chain_id, pool_id, version, wallet, lp_amount, first_seen_at, updated_at
		 FROM stakes WHERE wallet = $1 AND lp_amount > 0
		 ORDER BY chain_id, pool_id, version`,
		strings.ToLower(wallet))
	return out, err
}

// PoolStakes lists every non-zero position in a pool, both versions.
func (s *Store) PoolStakes(ctx context.Context, chainID, poolID uint64) ([]Stake, error) {
	var out []Stake
	err := s.db.SelectContext(ctx, &out,
		`SELECT chain_id, pool_id, version, wallet, lp_amount, first_seen_at, updated_at
		 FROM stakes WHERE chain_id = $1 AND pool_id = $2 AND lp_amount > 0
		 ORDER BY wallet, version`,
		chainID, poolID)
	return out, err
}

// PoolStakeTotals returns the summed staked LP per version for a pool. V1 and
// V2 stakes of the same underlying LP are added together by the valuation
// engine.
func (s *Store) PoolStakeTotals(ctx context.Context, chainID, poolID uint64) (map[string]decimal.Decimal, error) {
	rows := []struct {
		Version string          `db:"version"`
		Total   decimal.Decimal `db:"total"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT version, COALESCE(SUM(lp_amount), 0) AS total
		 FROM stakes WHERE chain_id = $1 AND pool_id = $2
		 GROUP BY version`,
		chainID, poolID)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		totals[r.Version] = r.Total
	}
	return totals, nil
}
