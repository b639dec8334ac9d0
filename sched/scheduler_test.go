package sched

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gardenwatch/gardenwatch/chain"
	"github.com/gardenwatch/gardenwatch/config"
	"github.com/gardenwatch/gardenwatch/indexer"
	"github.com/gardenwatch/gardenwatch/payments"
	"github.com/gardenwatch/gardenwatch/pricing"
	"github.com/gardenwatch/gardenwatch/store"
)

type schedStore struct {
	mu          sync.Mutex
	pingErr     error
	checkpoints []store.Checkpoint
	snapshots   []store.WalletSnapshot
}

func (f *schedStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *schedStore) Checkpoints(ctx context.Context) ([]store.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints, nil
}

func (f *schedStore) InsertWalletSnapshot(ctx context.Context, snap *store.WalletSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, *snap)
	return nil
}

// schedClient is a chain.Client whose health and balances are scripted.
type schedClient struct {
	mu       sync.Mutex
	healthy  bool
	native   *big.Int
	balances map[common.Address]*big.Int
}

func (c *schedClient) setHealthy(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = v
}

func (c *schedClient) ChainID() uint64                          { return 1 }
func (c *schedClient) Head(ctx context.Context) (uint64, error) { return 100, nil }
func (c *schedClient) Logs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (c *schedClient) Block(ctx context.Context, number uint64, withTxs bool) (*chain.BlockInfo, error) {
	return nil, errors.New("not implemented")
}
func (c *schedClient) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (c *schedClient) Call(ctx context.Context, to common.Address, data []byte, at *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.balances[to]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	out := make([]byte, 32)
	bal.FillBytes(out)
	return out, nil
}

func (c *schedClient) Balance(ctx context.Context, addr common.Address, at *big.Int) (*big.Int, error) {
	if c.native == nil {
		return big.NewInt(0), nil
	}
	return c.native, nil
}

func (c *schedClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}
func (c *schedClient) Close() {}

// stubRunner is a controllable indexer.Runner.
type stubRunner struct {
	mu      sync.Mutex
	name    string
	enabled bool
	running bool
}

func (r *stubRunner) Name() string                  { return r.name }
func (r *stubRunner) Records() *indexer.Broadcaster { return indexer.NewBroadcaster(r.name) }
func (r *stubRunner) Status() []indexer.Status      { return nil }

func (r *stubRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
}

func (r *stubRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}

func (r *stubRunner) SetEnabled(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = v
}

func (r *stubRunner) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *stubRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

var (
	treasury = common.HexToAddress("0x0000000000000000000000000000000000000777")
	payToken = common.HexToAddress("0x0000000000000000000000000000000000000888")
)

func schedTopology() *config.Topology {
	return &config.Topology{
		Chains: []config.Chain{{ID: 1, Name: "test", RPCURLs: []string{"http://localhost:0"}, AvgBlockTime: 2}},
		Tokens: []config.Token{
			{ChainID: 1, Address: payToken.Hex(), Symbol: "JEWEL", Decimals: 18},
		},
		Wallets: []config.Wallet{{ChainID: 1, Address: treasury.Hex(), Label: "treasury"}},
	}
}

type noopPriceStore struct{}

func (noopPriceStore) InsertTokenPrice(ctx context.Context, p *store.TokenPrice) error { return nil }
func (noopPriceStore) PriceAt(ctx context.Context, chainID uint64, token string, t time.Time) (*store.TokenPrice, error) {
	return nil, nil
}

type noopPayStore struct{}

func (noopPayStore) InsertPaymentRequest(ctx context.Context, r *store.PaymentRequest) error {
	return nil
}
func (noopPayStore) PaymentRequest(ctx context.Context, id uuid.UUID) (*store.PaymentRequest, error) {
	return nil, errors.New("not found")
}
func (noopPayStore) PendingRequests(ctx context.Context, now time.Time) ([]store.PaymentRequest, error) {
	return nil, nil
}
func (noopPayStore) TransferMatched(ctx context.Context, txHash string) (bool, error) {
	return false, nil
}
func (noopPayStore) RecordMatch(ctx context.Context, m *store.MatchedTransfer) error { return nil }
func (noopPayStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) { return 0, nil }

func testScheduler(st *schedStore, client *schedClient, production bool) *Scheduler {
	topo := schedTopology()
	oracle := pricing.NewOracleWithSources(topo, noopPriceStore{})
	matcher := payments.NewMatcher(noopPayStore{}, nil, nil)
	valuer := pricing.NewValuer(topo, map[uint64]chain.Client{1: client}, oracle, nil)
	return New(st, topo, map[uint64]chain.Client{1: client}, oracle, valuer, matcher, production)
}

func TestLivenessRestartsEnabledRunners(t *testing.T) {
	st := &schedStore{}
	client := &schedClient{healthy: true}
	s := testScheduler(st, client, false)

	r := &stubRunner{name: "jewel-transfers", enabled: true}
	s.Register(1, r)

	s.liveness(context.Background())
	require.True(t, r.Running())

	// Disabled runners stay down.
	r.Stop()
	r.SetEnabled(false)
	s.liveness(context.Background())
	require.False(t, r.Running())
}

func TestLivenessEscalatesDeadDatabase(t *testing.T) {
	st := &schedStore{pingErr: errors.New("connection refused")}
	client := &schedClient{healthy: true}
	s := testScheduler(st, client, false)

	var fatal string
	s.OnFatal(func(reason string) { fatal = reason })

	// The first failure starts the clock; nothing fatal yet.
	s.liveness(context.Background())
	require.Empty(t, fatal)
	require.False(t, s.dbDownSince.IsZero())

	// Past the grace period the handler fires.
	s.dbDownSince = time.Now().Add(-fatalAfter - time.Minute)
	s.liveness(context.Background())
	require.NotEmpty(t, fatal)

	// Recovery clears the clock.
	st.mu.Lock()
	st.pingErr = nil
	st.mu.Unlock()
	s.liveness(context.Background())
	require.True(t, s.dbDownSince.IsZero())
}

func TestLivenessPausesAndResumesUnhealthyChain(t *testing.T) {
	st := &schedStore{}
	client := &schedClient{healthy: false}
	s := testScheduler(st, client, false)

	r := &stubRunner{name: "gardener-v2", enabled: true, running: true}
	s.Register(1, r)

	// Within the grace period the runner keeps going.
	s.liveness(context.Background())
	require.True(t, r.Running())

	// Past it the chain is paused, but stays enabled for auto-resume.
	s.rpcDownSince[1] = time.Now().Add(-fatalAfter - time.Minute)
	s.liveness(context.Background())
	require.False(t, r.Running())
	require.True(t, r.Enabled())

	client.setHealthy(true)
	s.liveness(context.Background())
	require.True(t, r.Running())
	require.True(t, s.rpcDownSince[1].IsZero())
}

func TestProductionGatesDailySnapshot(t *testing.T) {
	observer := testScheduler(&schedStore{}, &schedClient{healthy: true}, false)
	require.NoError(t, observer.Start(context.Background()))
	observer.Stop()
	require.Len(t, observer.cron.Entries(), 4, "watchdogs, warm and expiry run everywhere")

	writer := testScheduler(&schedStore{}, &schedClient{healthy: true}, true)
	require.NoError(t, writer.Start(context.Background()))
	writer.Stop()
	require.Len(t, writer.cron.Entries(), 5, "production adds the daily snapshot")
}

func TestSnapshotWallet(t *testing.T) {
	st := &schedStore{}
	client := &schedClient{
		healthy:  true,
		native:   big.NewInt(5e18),
		balances: map[common.Address]*big.Int{payToken: big.NewInt(700)},
	}
	s := testScheduler(st, client, true)

	asOf := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.snapshotWallet(context.Background(), s.topo.Wallets[0], asOf))

	require.Len(t, st.snapshots, 1)
	snap := st.snapshots[0]
	require.Equal(t, uint64(1), snap.ChainID)
	require.Equal(t, asOf, snap.AsOf)
	require.True(t, snap.NativeBalance.Equal(decimal.NewFromBigInt(big.NewInt(5e18), 0)))

	var balances map[string]string
	require.NoError(t, json.Unmarshal(snap.TokenBalances, &balances))
	require.Equal(t, "700", balances[payToken.Hex()])
}

func TestSnapshotWalletSkipsZeroBalances(t *testing.T) {
	st := &schedStore{}
	client := &schedClient{
		healthy:  true,
		native:   big.NewInt(0),
		balances: map[common.Address]*big.Int{payToken: big.NewInt(0)},
	}
	s := testScheduler(st, client, true)

	require.NoError(t, s.snapshotWallet(context.Background(), s.topo.Wallets[0], time.Now()))
	var balances map[string]string
	require.NoError(t, json.Unmarshal(st.snapshots[0].TokenBalances, &balances))
	require.Empty(t, balances)
}

func TestCheckpointFreshnessToleratesStaleRows(t *testing.T) {
	st := &schedStore{checkpoints: []store.Checkpoint{
		{ChainID: 1, Contract: "0xaa", Shard: "", LastBlock: 10, UpdatedAt: time.Now().Add(-time.Hour)},
		{ChainID: 1, Contract: "0xbb", Shard: "3", LastBlock: 99, UpdatedAt: time.Now()},
	}}
	s := testScheduler(st, &schedClient{healthy: true}, false)

	// Stale cursors are reported, never acted on.
	s.checkpointFreshness(context.Background())
}
