// Package chain provides uniform read-only access to one EVM chain across a
// set of JSON-RPC endpoints, with retry, endpoint rotation and per-endpoint
// health scoring. The system never writes to a chain.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// BlockInfo is the slice of a block the indexers need: number, hash, time,
// and optionally the transaction list.
type BlockInfo struct {
	Number uint64
	Hash   common.Hash
	Time   time.Time
	Txs    types.Transactions
}

// Client is the capability surface the rest of the system sees for one chain.
// Per-chain quirks (log-range caps, rate limits) live in endpoint behavior
// and configuration, not in implementations of this interface.
type Client interface {
	ChainID() uint64

	// Head returns the latest block number. Monotone non-decreasing under a
	// single endpoint; callers apply their own confirmation depth.
	Head(ctx context.Context) (uint64, error)

	// Logs returns the ordered logs matching the query. The list is complete
	// if the call succeeds; an over-wide range surfaces as a transient error
	// tagged range-too-large (see IsRangeTooLarge).
	Logs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// Block fetches one block, with its full transaction list only when
	// withTxs is set (header-only fetches are much cheaper).
	Block(ctx context.Context, number uint64, withTxs bool) (*BlockInfo, error)

	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// Call executes a read-only contract call at the given block (nil for
	// latest).
	Call(ctx context.Context, to common.Address, data []byte, at *big.Int) ([]byte, error)

	Balance(ctx context.Context, addr common.Address, at *big.Int) (*big.Int, error)

	// Healthy reports whether at least one endpoint is currently usable. The
	// scheduler's watchdog polls it.
	Healthy() bool

	Close()
}

type endpoint struct {
	url     string
	eth     *ethclient.Client
	limiter *rate.Limiter
	health  *healthTracker
}

// multiClient implements Client over several endpoints, spreading load and
// routing around unhealthy providers.
type multiClient struct {
	chainID uint64
	eps     []*endpoint
	cursor  atomic.Uint64
	log     log.Logger
}

// Options tune a client. Zero values get sensible defaults.
type Options struct {
	// RequestsPerSecond caps the call rate per endpoint. Zero means 10.
	RequestsPerSecond float64
}

// Dial connects to every endpoint URL for the chain. At least one endpoint
// must dial successfully; failures on the rest are logged and skipped.
func Dial(ctx context.Context, chainID uint64, urls []string, opts Options) (Client, error) {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	logger := log.New("chain", chainID)
	mc := &multiClient{chainID: chainID, log: logger}
	for _, url := range urls {
		rc, err := rpc.DialContext(ctx, url)
		if err != nil {
			logger.Warn("Endpoint dial failed, skipping", "url", url, "err", err)
			continue
		}
		mc.eps = append(mc.eps, &endpoint{
			url:     url,
			eth:     ethclient.NewClient(rc),
			limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1),
			health:  newHealthTracker(),
		})
	}
	if len(mc.eps) == 0 {
		return nil, fmt.Errorf("chain %d: %w", chainID, ErrNoHealthyEndpoint)
	}
	return mc, nil
}

func (c *multiClient) ChainID() uint64 { return c.chainID }

// pick selects the endpoint for a given attempt: round-robin over healthy
// endpoints, falling back to plain rotation when everything looks bad so a
// recovering provider still gets probed.
func (c *multiClient) pick(attempt int) *endpoint {
	n := len(c.eps)
	base := int(c.cursor.Load()) + attempt
	for i := 0; i < n; i++ {
		ep := c.eps[(base+i)%n]
		if ep.health.healthy() {
			return ep
		}
	}
	return c.eps[base%n]
}

// do runs one logical RPC operation under the retry policy, rotating
// endpoints between attempts and recording outcomes in the health tracker.
func (c *multiClient) do(ctx context.Context, op string, fn func(ctx context.Context, ep *endpoint) error) error {
	err := withRetry(ctx, func(ctx context.Context, attempt int) error {
		ep := c.pick(attempt)
		if err := ep.limiter.Wait(ctx); err != nil {
			return err
		}
		callErr := classify(fn(ctx, ep))
		ep.health.record(callErr == nil)
		if callErr != nil {
			c.log.Debug("RPC call failed", "op", op, "endpoint", ep.url, "attempt", attempt, "err", callErr)
			// Move the shared cursor so the next operation starts from a
			// different endpoint.
			c.cursor.Add(1)
		}
		return callErr
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *multiClient) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.do(ctx, "head", func(ctx context.Context, ep *endpoint) error {
		n, err := ep.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

func (c *multiClient) Logs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "getLogs", func(ctx context.Context, ep *endpoint) error {
		got, err := ep.eth.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = got
		return nil
	})
	return logs, err
}

func (c *multiClient) Block(ctx context.Context, number uint64, withTxs bool) (*BlockInfo, error) {
	var info *BlockInfo
	n := new(big.Int).SetUint64(number)
	err := c.do(ctx, "getBlock", func(ctx context.Context, ep *endpoint) error {
		if !withTxs {
			h, err := ep.eth.HeaderByNumber(ctx, n)
			if err != nil {
				return err
			}
			info = &BlockInfo{
				Number: h.Number.Uint64(),
				Hash:   h.Hash(),
				Time:   time.Unix(int64(h.Time), 0).UTC(),
			}
			return nil
		}
		b, err := ep.eth.BlockByNumber(ctx, n)
		if err != nil {
			return err
		}
		info = &BlockInfo{
			Number: b.NumberU64(),
			Hash:   b.Hash(),
			Time:   time.Unix(int64(b.Time()), 0).UTC(),
			Txs:    b.Transactions(),
		}
		return nil
	})
	return info, err
}

func (c *multiClient) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.do(ctx, "getReceipt", func(ctx context.Context, ep *endpoint) error {
		r, err := ep.eth.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

func (c *multiClient) Call(ctx context.Context, to common.Address, data []byte, at *big.Int) ([]byte, error) {
	var out []byte
	msg := ethereum.CallMsg{To: &to, Data: data}
	err := c.do(ctx, "call", func(ctx context.Context, ep *endpoint) error {
		res, err := ep.eth.CallContract(ctx, msg, at)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (c *multiClient) Balance(ctx context.Context, addr common.Address, at *big.Int) (*big.Int, error) {
	var bal *big.Int
	err := c.do(ctx, "getBalance", func(ctx context.Context, ep *endpoint) error {
		b, err := ep.eth.BalanceAt(ctx, addr, at)
		if err != nil {
			return err
		}
		bal = b
		return nil
	})
	return bal, err
}

// Healthy reports whether at least one endpoint is currently under the
// failure threshold.
func (c *multiClient) Healthy() bool {
	for _, ep := range c.eps {
		if ep.health.healthy() {
			return true
		}
	}
	return false
}

func (c *multiClient) Close() {
	for _, ep := range c.eps {
		ep.eth.Close()
	}
}
