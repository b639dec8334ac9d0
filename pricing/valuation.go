package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/gardenwatch/gardenwatch/chain"
	"github.com/gardenwatch/gardenwatch/config"
	"github.com/gardenwatch/gardenwatch/store"
)

// PriceOracle is the slice of the oracle the valuation engine needs.
type PriceOracle interface {
	PriceUSD(ctx context.Context, chainID uint64, token common.Address) (Quote, error)
}

// StakeStore is the slice of the persistence layer the valuation engine
// needs. *store.Store implements it.
type StakeStore interface {
	PoolStakeTotals(ctx context.Context, chainID, poolID uint64) (map[string]decimal.Decimal, error)
	WalletStakes(ctx context.Context, wallet string) ([]store.Stake, error)
	InsertLPPoolState(ctx context.Context, st *store.LPPoolState) error
}

// TVL is the valuation of one staking pool. When Priced is false the USD
// figures are zero and Reason names the token that could not be priced;
// staked and supply amounts are still reported.
type TVL struct {
	ChainID   uint64                     `json:"chainId"`
	PoolID    uint64                     `json:"poolId"`
	LPToken   string                     `json:"lpToken"`
	AsOf      time.Time                  `json:"asOf"`
	Priced    bool                       `json:"priced"`
	Reason    string                     `json:"reason,omitempty"`
	TVLUSD    decimal.Decimal            `json:"tvlUsd"`
	PairUSD   decimal.Decimal            `json:"pairUsd"`
	StakedLP  decimal.Decimal            `json:"stakedLp"`
	TotalLP   decimal.Decimal            `json:"totalLp"`
	Reserve0  decimal.Decimal            `json:"reserve0"`
	Reserve1  decimal.Decimal            `json:"reserve1"`
	ByVersion map[string]decimal.Decimal `json:"byVersion"`
}

// WalletValue is the USD valuation of one wallet's staked positions.
type WalletValue struct {
	Wallet    string          `json:"wallet"`
	TotalUSD  decimal.Decimal `json:"totalUsd"`
	Positions []PositionValue `json:"positions"`
}

// PositionValue is one pool position inside a WalletValue.
type PositionValue struct {
	ChainID  uint64          `json:"chainId"`
	PoolID   uint64          `json:"poolId"`
	Version  string          `json:"version"`
	LPAmount decimal.Decimal `json:"lpAmount"`
	Priced   bool            `json:"priced"`
	Reason   string          `json:"reason,omitempty"`
	ValueUSD decimal.Decimal `json:"valueUsd"`
}

// Valuer prices staking pools from live pair state and materialized stake
// totals. The staked fraction of the pair's combined reserve value is the
// pool TVL; V1 and V2 stakes over the same LP are summed.
type Valuer struct {
	topo    *config.Topology
	clients map[uint64]chain.Client
	oracle  PriceOracle
	store   StakeStore
	supply  *lru.LRU[string, pairOnChain]
	log     log.Logger
	now     func() time.Time
}

type pairOnChain struct {
	TotalLP  *big.Int
	Reserves pairReserves
}

func NewValuer(topo *config.Topology, clients map[uint64]chain.Client, oracle PriceOracle, ss StakeStore) *Valuer {
	return &Valuer{
		topo:    topo,
		clients: clients,
		oracle:  oracle,
		store:   ss,
		supply:  lru.NewLRU[string, pairOnChain](256, nil, reserveTTL),
		log:     log.New("module", "valuation"),
		now:     time.Now,
	}
}

// PoolTVL values one pool. An unpriceable underlying token yields a TVL with
// Priced=false instead of an error; only transport and store failures error.
func (v *Valuer) PoolTVL(ctx context.Context, chainID, poolID uint64) (*TVL, error) {
	pool, ok := v.poolConfig(chainID, poolID)
	if !ok {
		return nil, fmt.Errorf("pool %d/%d not configured", chainID, poolID)
	}
	state, err := v.readPair(ctx, chainID, pool)
	if err != nil {
		return nil, err
	}
	totals, err := v.store.PoolStakeTotals(ctx, chainID, poolID)
	if err != nil {
		return nil, err
	}
	staked := decimal.Zero
	for _, amt := range totals {
		staked = staked.Add(amt)
	}

	out := &TVL{
		ChainID:   chainID,
		PoolID:    poolID,
		LPToken:   common.HexToAddress(pool.LPToken).Hex(),
		AsOf:      v.now(),
		StakedLP:  staked,
		TotalLP:   decimal.NewFromBigInt(state.TotalLP, 0),
		Reserve0:  display(state.Reserves.R0, pool.Token0Decimals),
		Reserve1:  display(state.Reserves.R1, pool.Token1Decimals),
		ByVersion: totals,
	}

	pairUSD, reason, err := v.pairUSD(ctx, chainID, pool, out.Reserve0, out.Reserve1)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		out.Reason = reason
		return out, nil
	}
	out.Priced = true
	out.PairUSD = pairUSD
	if !out.TotalLP.IsZero() {
		out.TVLUSD = staked.Div(out.TotalLP).Mul(pairUSD)
	}
	return out, nil
}

// WalletValue prices every staked position of one wallet. Positions whose
// pool cannot be priced are listed with a reason and excluded from the total.
func (v *Valuer) WalletValue(ctx context.Context, wallet string) (*WalletValue, error) {
	stakes, err := v.store.WalletStakes(ctx, wallet)
	if err != nil {
		return nil, err
	}
	out := &WalletValue{Wallet: wallet, TotalUSD: decimal.Zero}
	for _, st := range stakes {
		pos := PositionValue{
			ChainID:  st.ChainID,
			PoolID:   st.PoolID,
			Version:  st.Version,
			LPAmount: st.LPAmount,
		}
		tvl, err := v.PoolTVL(ctx, st.ChainID, st.PoolID)
		switch {
		case err != nil:
			pos.Reason = err.Error()
		case !tvl.Priced:
			pos.Reason = tvl.Reason
		case tvl.TotalLP.IsZero():
			pos.Reason = "lp total supply is zero"
		default:
			pos.Priced = true
			pos.ValueUSD = st.LPAmount.Div(tvl.TotalLP).Mul(tvl.PairUSD)
			out.TotalUSD = out.TotalUSD.Add(pos.ValueUSD)
		}
		out.Positions = append(out.Positions, pos)
	}
	return out, nil
}

// Snapshot persists one lp_pool_states row per configured pair. The scheduler
// drives it; failures on individual pools are logged and skipped so one bad
// pair does not starve the rest.
func (v *Valuer) Snapshot(ctx context.Context) {
	now := v.now().Truncate(time.Minute)
	for _, chainCfg := range v.topo.Chains {
		seen := make(map[common.Address]bool)
		for _, pool := range v.topo.PoolsOn(chainCfg.ID) {
			lp := common.HexToAddress(pool.LPToken)
			if seen[lp] {
				continue
			}
			seen[lp] = true
			state, err := v.readPair(ctx, chainCfg.ID, &pool)
			if err != nil {
				v.log.Warn("Pool snapshot skipped", "chain", chainCfg.ID, "pool", pool.PoolID, "err", err)
				continue
			}
			row := &store.LPPoolState{
				ChainID:  chainCfg.ID,
				PoolID:   pool.PoolID,
				AsOf:     now,
				TotalLP:  decimal.NewFromBigInt(state.TotalLP, 0),
				Reserve0: display(state.Reserves.R0, pool.Token0Decimals),
				Reserve1: display(state.Reserves.R1, pool.Token1Decimals),
			}
			if q, err := v.oracle.PriceUSD(ctx, chainCfg.ID, common.HexToAddress(pool.Token0)); err == nil {
				row.Token0PriceUSD = decimal.NewNullDecimal(q.Price)
			}
			if q, err := v.oracle.PriceUSD(ctx, chainCfg.ID, common.HexToAddress(pool.Token1)); err == nil {
				row.Token1PriceUSD = decimal.NewNullDecimal(q.Price)
			}
			if err := v.store.InsertLPPoolState(ctx, row); err != nil {
				v.log.Warn("Cannot persist pool snapshot", "chain", chainCfg.ID, "pool", pool.PoolID, "err", err)
			}
		}
	}
}

func (v *Valuer) pairUSD(ctx context.Context, chainID uint64, pool *config.Pool, r0, r1 decimal.Decimal) (decimal.Decimal, string, error) {
	q0, err := v.oracle.PriceUSD(ctx, chainID, common.HexToAddress(pool.Token0))
	if errors.Is(err, ErrNoPrice) {
		return decimal.Zero, fmt.Sprintf("no price for token0 %s", pool.Token0), nil
	}
	if err != nil {
		return decimal.Zero, "", err
	}
	q1, err := v.oracle.PriceUSD(ctx, chainID, common.HexToAddress(pool.Token1))
	if errors.Is(err, ErrNoPrice) {
		return decimal.Zero, fmt.Sprintf("no price for token1 %s", pool.Token1), nil
	}
	if err != nil {
		return decimal.Zero, "", err
	}
	return r0.Mul(q0.Price).Add(r1.Mul(q1.Price)), "", nil
}

// poolConfig returns the pair description for a pool id. V1 and V2 entries
// share the pair data, so the first match suffices.
func (v *Valuer) poolConfig(chainID, poolID uint64) (*config.Pool, bool) {
	for _, p := range v.topo.PoolsOn(chainID) {
		if p.PoolID == poolID {
			q := p
			return &q, true
		}
	}
	return nil, false
}

// pairOnChain reads the pair's reserves and LP total supply, cached for
// reserveTTL.
func (v *Valuer) readPair(ctx context.Context, chainID uint64, pool *config.Pool) (pairOnChain, error) {
	lp := common.HexToAddress(pool.LPToken)
	key := fmt.Sprintf("%d/%s", chainID, lp.Hex())
	if st, ok := v.supply.Get(key); ok {
		return st, nil
	}
	client, ok := v.clients[chainID]
	if !ok {
		return pairOnChain{}, fmt.Errorf("no client for chain %d", chainID)
	}
	out, err := client.Call(ctx, lp, selGetReserves, nil)
	if err != nil {
		return pairOnChain{}, err
	}
	if len(out) < 96 {
		return pairOnChain{}, fmt.Errorf("getReserves returned %d bytes", len(out))
	}
	res := pairReserves{
		R0: new(big.Int).SetBytes(out[0:32]),
		R1: new(big.Int).SetBytes(out[32:64]),
	}
	sup, err := client.Call(ctx, lp, selTotalSupply, nil)
	if err != nil {
		return pairOnChain{}, err
	}
	if len(sup) < 32 {
		return pairOnChain{}, fmt.Errorf("totalSupply returned %d bytes", len(sup))
	}
	st := pairOnChain{TotalLP: new(big.Int).SetBytes(sup[0:32]), Reserves: res}
	v.supply.Add(key, st)
	return st, nil
}

func display(raw *big.Int, decimals int) decimal.Decimal {
	if decimals <= 0 {
		decimals = 18
	}
	return decimal.NewFromBigInt(raw, 0).Shift(int32(-decimals))
}
