package pricing

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gardenwatch/gardenwatch/chain"
)

// rpcStub answers eth_call per contract from canned return data.
type rpcStub struct {
	mu    sync.Mutex
	calls map[common.Address]map[string][]byte
	count int
}

func newRPCStub() *rpcStub {
	return &rpcStub{calls: make(map[common.Address]map[string][]byte)}
}

func (c *rpcStub) reserves(lp common.Address, r0, r1 *big.Int) {
	out := make([]byte, 96)
	r0.FillBytes(out[0:32])
	r1.FillBytes(out[32:64])
	c.set(lp, selGetReserves, out)
}

func (c *rpcStub) totalSupply(lp common.Address, v *big.Int) {
	out := make([]byte, 32)
	v.FillBytes(out)
	c.set(lp, selTotalSupply, out)
}

func (c *rpcStub) set(to common.Address, sel, out []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[to] == nil {
		c.calls[to] = make(map[string][]byte)
	}
	c.calls[to][string(sel)] = out
}

func (c *rpcStub) ChainID() uint64                          { return 1 }
func (c *rpcStub) Head(ctx context.Context) (uint64, error) { return 100, nil }
func (c *rpcStub) Logs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (c *rpcStub) Block(ctx context.Context, number uint64, withTxs bool) (*chain.BlockInfo, error) {
	return nil, errors.New("not implemented")
}
func (c *rpcStub) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (c *rpcStub) Call(ctx context.Context, to common.Address, data []byte, at *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	for sel, out := range c.calls[to] {
		if bytes.HasPrefix(data, []byte(sel)) {
			return out, nil
		}
	}
	return nil, errors.New("execution reverted")
}

func (c *rpcStub) Balance(ctx context.Context, addr common.Address, at *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *rpcStub) Healthy() bool { return true }
func (c *rpcStub) Close()        {}

func scaled(units int64, decimals uint) *big.Int {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(units), exp)
}

// anchorUSDCOnly prices the numeraire at one dollar and nothing else, playing
// the role of the external APIs.
func anchorUSDCOnly(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error) {
	if token == usdcAddr {
		return decimal.NewFromInt(1), nil
	}
	return decimal.Zero, ErrNoPrice
}

func testDex(stub *rpcStub) *DexSource {
	return NewDexSource(testTopology(), map[uint64]chain.Client{1: stub}, anchorUSDCOnly)
}

func TestPathToNumeraire(t *testing.T) {
	dex := testDex(newRPCStub())

	path, ok := dex.pathToNumeraire(1, xAddr)
	require.True(t, ok)
	require.Equal(t, []common.Address{xAddr, jewelAddr, usdcAddr}, path)

	path, ok = dex.pathToNumeraire(1, jewelAddr)
	require.True(t, ok)
	require.Equal(t, []common.Address{jewelAddr, usdcAddr}, path)

	_, ok = dex.pathToNumeraire(1, common.HexToAddress("0xdead"))
	require.False(t, ok)
}

func TestDexQuoteSingleHop(t *testing.T) {
	stub := newRPCStub()
	// 2000 JEWEL against 1000 USDC: one JEWEL is worth half a dollar.
	stub.reserves(lpJewUsdc, scaled(2000, 18), scaled(1000, 6))
	dex := testDex(stub)

	price, err := dex.Quote(context.Background(), 1, jewelAddr)
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("0.5")), price.String())
}

func TestDexQuoteMultiHop(t *testing.T) {
	stub := newRPCStub()
	stub.reserves(lpJewUsdc, scaled(2000, 18), scaled(1000, 6))
	// 300 X against 600 JEWEL: one X is two JEWEL, so one dollar.
	stub.reserves(lpXJewel, scaled(300, 18), scaled(600, 18))
	dex := testDex(stub)

	price, err := dex.Quote(context.Background(), 1, xAddr)
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(1)), price.String())
}

func TestDexQuoteNumeraireAnchorsDirectly(t *testing.T) {
	stub := newRPCStub()
	dex := testDex(stub)

	price, err := dex.Quote(context.Background(), 1, usdcAddr)
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(1)))
	require.Zero(t, stub.count, "numeraires never touch the chain")
}

func TestDexQuoteDisconnectedToken(t *testing.T) {
	dex := testDex(newRPCStub())
	_, err := dex.Quote(context.Background(), 1, common.HexToAddress("0xdead"))
	require.ErrorIs(t, err, ErrNoPrice)
}

func TestDexReservesAreCached(t *testing.T) {
	stub := newRPCStub()
	stub.reserves(lpJewUsdc, scaled(2000, 18), scaled(1000, 6))
	dex := testDex(stub)

	_, err := dex.Quote(context.Background(), 1, jewelAddr)
	require.NoError(t, err)
	first := stub.count
	_, err = dex.Quote(context.Background(), 1, jewelAddr)
	require.NoError(t, err)
	require.Equal(t, first, stub.count, "second quote served from the reserve cache")
}

func TestDexQuoteSkipsEmptyPair(t *testing.T) {
	stub := newRPCStub()
	stub.reserves(lpJewUsdc, big.NewInt(0), big.NewInt(0))
	dex := testDex(stub)

	_, err := dex.Quote(context.Background(), 1, jewelAddr)
	require.ErrorIs(t, err, ErrNoPrice)
}
