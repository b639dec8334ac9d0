package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TokenPrice is one persisted price observation with provenance.
type TokenPrice struct {
	ChainID    uint64          `db:"chain_id"`
	Token      string          `db:"token"`
	AsOf       time.Time       `db:"as_of"`
	PriceUSD   decimal.Decimal `db:"price_usd"`
	Source     string          `db:"source"`
	Confidence float32         `db:"confidence"`
}

// InsertTokenPrice records a price sample. Duplicate (chain, token, as_of)
// samples are ignored.
func (s *Store) InsertTokenPrice(ctx context.Context, p *TokenPrice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_prices (chain_id, token, as_of, price_usd, source, confidence)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (chain_id, token, as_of) DO NOTHING`,
		p.ChainID, strings.ToLower(p.Token), p.AsOf, p.PriceUSD, p.Source, p.Confidence)
	return err
}

// PriceAt returns the closest persisted price at or before t, if any.
func (s *Store) PriceAt(ctx context.Context, chainID uint64, token string, t time.Time) (*TokenPrice, error) {
	var p TokenPrice
	err := s.db.GetContext(ctx, &p,
		`SELECT chain_id, token, as_of, price_usd, source, confidence
		 FROM token_prices
		 WHERE chain_id=$1 AND token=$2 AND as_of <= $3
		 ORDER BY as_of DESC LIMIT 1`,
		chainID, strings.ToLower(token), t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LPPoolState is a periodic snapshot of one pool's on-chain state.
type LPPoolState struct {
	ChainID        uint64              `db:"chain_id"`
	PoolID         uint64              `db:"pool_id"`
	AsOf           time.Time           `db:"as_of"`
	TotalLP        decimal.Decimal     `db:"total_lp"`
	Reserve0       decimal.Decimal     `db:"reserve0"`
	Reserve1       decimal.Decimal     `db:"reserve1"`
	Token0PriceUSD decimal.NullDecimal `db:"token0_price_usd"`
	Token1PriceUSD decimal.NullDecimal `db:"token1_price_usd"`
}

// InsertLPPoolState records a pool snapshot.
func (s *Store) InsertLPPoolState(ctx context.Context, st *LPPoolState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lp_pool_states
			(chain_id, pool_id, as_of, total_lp, reserve0, reserve1, token0_price_usd, token1_price_usd)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (chain_id, pool_id, as_of) DO NOTHING`,
		st.ChainID, st.PoolID, st.AsOf, st.TotalLP, st.Reserve0, st.Reserve1,
		st.Token0PriceUSD, st.Token1PriceUSD)
	return err
}
