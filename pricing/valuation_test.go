package pricing

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gardenwatch/gardenwatch/chain"
	"github.com/gardenwatch/gardenwatch/store"
)

type fakeStakeStore struct {
	mu        sync.Mutex
	totals    map[uint64]map[string]decimal.Decimal
	stakes    []store.Stake
	snapshots []store.LPPoolState
}

func (f *fakeStakeStore) PoolStakeTotals(ctx context.Context, chainID, poolID uint64) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals[poolID], nil
}

func (f *fakeStakeStore) WalletStakes(ctx context.Context, wallet string) ([]store.Stake, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stakes, nil
}

func (f *fakeStakeStore) InsertLPPoolState(ctx context.Context, st *store.LPPoolState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, *st)
	return nil
}

// tableOracle prices tokens from a fixed table; everything else is ErrNoPrice.
type tableOracle struct {
	prices map[common.Address]decimal.Decimal
}

func (o *tableOracle) PriceUSD(ctx context.Context, chainID uint64, token common.Address) (Quote, error) {
	p, ok := o.prices[token]
	if !ok {
		return Quote{}, fmt.Errorf("token %s: %w", token.Hex(), ErrNoPrice)
	}
	return Quote{Price: p, Source: SourceDefillama, Confidence: 1}, nil
}

// testValuer wires a valuer over one JEWEL/USDC pair: 1000 JEWEL and 500 USDC
// in reserve, 100 LP outstanding, half of it staked.
func testValuer(t *testing.T, oracle PriceOracle) (*Valuer, *fakeStakeStore, *rpcStub) {
	t.Helper()
	stub := newRPCStub()
	stub.reserves(lpJewUsdc, scaled(1000, 18), scaled(500, 6))
	stub.totalSupply(lpJewUsdc, scaled(100, 18))
	stub.reserves(lpXJewel, scaled(300, 18), scaled(600, 18))
	stub.totalSupply(lpXJewel, scaled(10, 18))

	ss := &fakeStakeStore{
		totals: map[uint64]map[string]decimal.Decimal{
			0: {
				"V1": decimal.NewFromBigInt(scaled(20, 18), 0),
				"V2": decimal.NewFromBigInt(scaled(30, 18), 0),
			},
		},
	}
	v := NewValuer(testTopology(), map[uint64]chain.Client{1: stub}, oracle, ss)
	return v, ss, stub
}

func TestPoolTVL(t *testing.T) {
	oracle := &tableOracle{prices: map[common.Address]decimal.Decimal{
		jewelAddr: decimal.NewFromInt(2),
		usdcAddr:  decimal.NewFromInt(1),
	}}
	v, _, _ := testValuer(t, oracle)

	tvl, err := v.PoolTVL(context.Background(), 1, 0)
	require.NoError(t, err)
	require.True(t, tvl.Priced)
	require.Empty(t, tvl.Reason)

	// Pair value: 1000 JEWEL at $2 plus 500 USDC at $1.
	require.True(t, tvl.PairUSD.Equal(decimal.NewFromInt(2500)), tvl.PairUSD.String())

	// Half the LP supply is staked across both gardener generations.
	require.True(t, tvl.StakedLP.Equal(decimal.NewFromBigInt(scaled(50, 18), 0)))
	require.True(t, tvl.TVLUSD.Equal(decimal.NewFromInt(1250)), tvl.TVLUSD.String())

	require.True(t, tvl.Reserve0.Equal(decimal.NewFromInt(1000)))
	require.True(t, tvl.Reserve1.Equal(decimal.NewFromInt(500)))
	require.Len(t, tvl.ByVersion, 2)
}

func TestPoolTVLUnpriceableToken(t *testing.T) {
	// Only USDC is priced; JEWEL (token0) falls through every source.
	oracle := &tableOracle{prices: map[common.Address]decimal.Decimal{
		usdcAddr: decimal.NewFromInt(1),
	}}
	v, _, _ := testValuer(t, oracle)

	tvl, err := v.PoolTVL(context.Background(), 1, 0)
	require.NoError(t, err, "an unpriceable token is a degraded answer, not an error")
	require.False(t, tvl.Priced)
	require.Contains(t, tvl.Reason, "token0")
	require.True(t, tvl.TVLUSD.IsZero())
	require.False(t, tvl.StakedLP.IsZero(), "amounts are still reported")
}

func TestPoolTVLUnknownPool(t *testing.T) {
	v, _, _ := testValuer(t, &tableOracle{})
	_, err := v.PoolTVL(context.Background(), 1, 42)
	require.Error(t, err)
}

func TestWalletValue(t *testing.T) {
	oracle := &tableOracle{prices: map[common.Address]decimal.Decimal{
		jewelAddr: decimal.NewFromInt(2),
		usdcAddr:  decimal.NewFromInt(1),
	}}
	v, ss, _ := testValuer(t, oracle)
	ss.stakes = []store.Stake{
		{ChainID: 1, PoolID: 0, Version: "V2", Wallet: "0xabc", LPAmount: decimal.NewFromBigInt(scaled(10, 18), 0)},
		{ChainID: 1, PoolID: 1, Version: "V2", Wallet: "0xabc", LPAmount: decimal.NewFromBigInt(scaled(1, 18), 0)},
	}

	wv, err := v.WalletValue(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, wv.Positions, 2)

	// Pool 0: a tenth of the supply of a $2500 pair.
	require.True(t, wv.Positions[0].Priced)
	require.True(t, wv.Positions[0].ValueUSD.Equal(decimal.NewFromInt(250)), wv.Positions[0].ValueUSD.String())

	// Pool 1 holds X, which no source prices: listed but excluded.
	require.False(t, wv.Positions[1].Priced)
	require.NotEmpty(t, wv.Positions[1].Reason)
	require.True(t, wv.TotalUSD.Equal(decimal.NewFromInt(250)))
}

func TestSnapshotPersistsPerPair(t *testing.T) {
	oracle := &tableOracle{prices: map[common.Address]decimal.Decimal{
		jewelAddr: decimal.NewFromInt(2),
		usdcAddr:  decimal.NewFromInt(1),
	}}
	v, ss, _ := testValuer(t, oracle)

	v.Snapshot(context.Background())
	require.Len(t, ss.snapshots, 2, "one row per unique LP")

	var jewUsdc *store.LPPoolState
	for i := range ss.snapshots {
		if ss.snapshots[i].PoolID == 0 {
			jewUsdc = &ss.snapshots[i]
		}
	}
	require.NotNil(t, jewUsdc)
	require.True(t, jewUsdc.TotalLP.Equal(decimal.NewFromBigInt(scaled(100, 18), 0)))
	require.True(t, jewUsdc.Token0PriceUSD.Valid)
	require.True(t, jewUsdc.Token0PriceUSD.Decimal.Equal(decimal.NewFromInt(2)))

	// The X side of the second pair is unpriced; the null column stays null.
	var xPair *store.LPPoolState
	for i := range ss.snapshots {
		if ss.snapshots[i].PoolID == 1 {
			xPair = &ss.snapshots[i]
		}
	}
	require.NotNil(t, xPair)
	require.False(t, xPair.Token0PriceUSD.Valid)
	require.True(t, xPair.Token1PriceUSD.Valid)
}
