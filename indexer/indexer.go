// Package indexer turns RPC log queries into durable, checkpointed event
// rows. A single Indexer owns one (contract, topic set, shard) stream; the
// pool worker pool in this package fans a sharded stream out across workers
// with work stealing.
package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/gardenwatch/gardenwatch/chain"
	"github.com/gardenwatch/gardenwatch/events"
	"github.com/gardenwatch/gardenwatch/store"
)

// Batch sizing bounds for the RPC failsafe auto-reduction: on a
// range-too-large rejection the window halves down to minBatchBlocks, and
// grows by a quarter after each success up to the configured maximum.
const (
	DefaultBatchBlocks = 1000
	minBatchBlocks     = 16
)

// errCaughtUp signals the loop reached the confirmed head and should sleep.
var errCaughtUp = errors.New("caught up")

// Sink persists a decoded batch together with its checkpoint advance in one
// transaction. *store.Store is the production implementation.
type Sink interface {
	ReadCheckpoint(ctx context.Context, chainID uint64, contract, shard string, defaultBlock uint64) (uint64, error)
	AdvanceCheckpoint(ctx context.Context, chainID uint64, contract, shard string, newBlock uint64) error
	CommitBatch(ctx context.Context, req store.CommitRequest) ([]*events.Record, error)
}

// PrepareFunc enriches decoded records before commit (e.g. stamping USD
// values on bridge events). It must not fail ingestion: errors are logged and
// the batch proceeds unenriched.
type PrepareFunc func(ctx context.Context, recs []*events.Record) error

// Config parameterizes one indexer instance.
type Config struct {
	Name          string
	ChainID       uint64
	Contract      common.Address
	Topics        []common.Hash
	Shard         string
	StartBlock    uint64
	BatchBlocks   uint64
	Confirmations uint64
	PollInterval  time.Duration
	Enabled       bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchBlocks == 0 {
		out.BatchBlocks = DefaultBatchBlocks
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 10 * time.Second
	}
	return out
}

// Status is the externally visible state of one indexer shard.
type Status struct {
	Name      string `json:"name"`
	ChainID   uint64 `json:"chainId"`
	Shard     string `json:"shardKey"`
	LastBlock uint64 `json:"lastProcessedBlock"`
	Head      uint64 `json:"head"`
	Lag       uint64 `json:"lagBlocks"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	LastError string `json:"lastError,omitempty"`
}

// scanner is the shared scan-decode-prepare pipeline used by both the plain
// indexer and the pool workers.
type scanner struct {
	client    chain.Client
	registry  *Registry
	prepare   PrepareFunc
	contract  common.Address
	log       log.Logger
	malformed *malformedTracker
	m         *indexerMetrics
}

// scan fetches and decodes the logs of [from, to]. Malformed records are
// skipped with a warning; the block range itself is never skipped.
func (sc *scanner) scan(ctx context.Context, from, to uint64, topics [][]common.Hash) ([]*events.Record, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{sc.contract},
	}
	if len(topics) > 0 {
		q.Topics = topics
	}
	logs, err := sc.client.Logs(ctx, q)
	if err != nil {
		return nil, err
	}
	times := make(BlockTimes)
	recs := make([]*events.Record, 0, len(logs))
	for i := range logs {
		lg := &logs[i]
		if lg.Removed || len(lg.Topics) == 0 {
			continue
		}
		dec, ok := sc.registry.Lookup(lg.Address, lg.Topics[0])
		if !ok {
			continue
		}
		rec, err := dec(lg)
		if err != nil {
			var derr *DecodeError
			if errors.As(err, &derr) {
				sc.m.malformed.Inc(1)
				if sc.malformed.record(derr.Topic) {
					sc.log.Error("Malformed record rate above tolerance, operator attention needed",
						"topic", derr.Topic, "tx", lg.TxHash, "err", err)
				} else {
					sc.log.Warn("Skipping malformed record", "tx", lg.TxHash, "index", lg.Index, "err", err)
				}
				continue
			}
			return nil, err
		}
		if rec == nil {
			continue
		}
		t, ok := times[lg.BlockNumber]
		if !ok {
			info, err := sc.client.Block(ctx, lg.BlockNumber, false)
			if err != nil {
				return nil, err
			}
			t = info.Time
			times[lg.BlockNumber] = t
		}
		rec.ChainID = sc.client.ChainID()
		rec.BlockTime = t
		recs = append(recs, rec)
	}
	if sc.prepare != nil && len(recs) > 0 {
		if err := sc.prepare(ctx, recs); err != nil {
			sc.log.Warn("Record enrichment failed, committing unenriched", "err", err)
		}
	}
	return recs, nil
}

// malformedTracker counts malformed records per topic per UTC day. One per
// topic per day is tolerated before alerting.
type malformedTracker struct {
	mu     sync.Mutex
	day    string
	counts map[common.Hash]int
}

func newMalformedTracker() *malformedTracker {
	return &malformedTracker{counts: make(map[common.Hash]int)}
}

// record counts one malformed log and reports whether the daily tolerance for
// its topic is now exceeded.
func (t *malformedTracker) record(topic common.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	day := time.Now().UTC().Format("2006-01-02")
	if day != t.day {
		t.day = day
		t.counts = make(map[common.Hash]int)
	}
	t.counts[topic]++
	return t.counts[topic] > 1
}

// Indexer is one single-cursor stream scanner.
type Indexer struct {
	cfg   Config
	sink  Sink
	sc    *scanner
	bcast *Broadcaster
	log   log.Logger
	m     *indexerMetrics

	batch uint64 // current adaptive batch size, loop-owned

	mu       sync.Mutex
	running  bool
	enabled  bool
	lastErr  error
	lastDone uint64
	head     uint64
	quit     chan struct{}
	done     chan struct{}
}

// New builds an indexer over the given client, registry and sink.
func New(cfg Config, client chain.Client, registry *Registry, sink Sink, prepare PrepareFunc) *Indexer {
	cfg = cfg.withDefaults()
	logger := log.New("indexer", cfg.Name)
	m := newIndexerMetrics(cfg.Name)
	return &Indexer{
		cfg:  cfg,
		sink: sink,
		sc: &scanner{
			client:    client,
			registry:  registry,
			prepare:   prepare,
			contract:  cfg.Contract,
			log:       logger,
			malformed: newMalformedTracker(),
			m:         m,
		},
		bcast:   NewBroadcaster(cfg.Name),
		log:     logger,
		m:       m,
		batch:   cfg.BatchBlocks,
		enabled: cfg.Enabled,
	}
}

func (i *Indexer) Name() string { return i.cfg.Name }

// Records exposes the per-indexer broadcast of newly committed rows.
func (i *Indexer) Records() *Broadcaster { return i.bcast }

// SetEnabled flips the admin enable gate. A disabled indexer is not restarted
// by the scheduler's liveness check.
func (i *Indexer) SetEnabled(v bool) {
	i.mu.Lock()
	i.enabled = v
	i.mu.Unlock()
}

func (i *Indexer) Enabled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enabled
}

// Start launches the scan loop. Starting a running indexer is a no-op.
func (i *Indexer) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return
	}
	i.running = true
	i.quit = make(chan struct{})
	i.done = make(chan struct{})
	go i.run(ctx, i.quit, i.done)
}

// Stop signals the loop and waits for the in-flight iteration to finish, so
// the store is never abandoned mid-transaction.
func (i *Indexer) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	quit, done := i.quit, i.done
	i.mu.Unlock()
	close(quit)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		i.log.Error("Indexer did not stop within deadline")
	}
}

func (i *Indexer) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

func (i *Indexer) Status() []Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := Status{
		Name:      i.cfg.Name,
		ChainID:   i.cfg.ChainID,
		Shard:     i.cfg.Shard,
		LastBlock: i.lastDone,
		Head:      i.head,
		Enabled:   i.enabled,
		Running:   i.running,
	}
	if i.head > i.lastDone {
		st.Lag = i.head - i.lastDone
	}
	if i.lastErr != nil {
		st.LastError = i.lastErr.Error()
	}
	return []Status{st}
}

func (i *Indexer) run(ctx context.Context, quit, done chan struct{}) {
	defer func() {
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
		close(done)
	}()
	i.log.Info("Indexer started", "contract", i.cfg.Contract, "shard", i.cfg.Shard)
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		default:
		}
		err := i.step(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, errCaughtUp):
			i.sleep(ctx, quit, i.cfg.PollInterval)
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, store.ErrNonMonotonic):
			// Bug-class: fail loudly and stop this indexer.
			i.log.Crit("Checkpoint regression detected, stopping indexer", "err", err)
			i.setErr(err)
			return
		default:
			i.setErr(err)
			i.m.errors.Inc(1)
			i.log.Warn("Indexer iteration failed", "err", err)
			i.sleep(ctx, quit, i.cfg.PollInterval)
		}
	}
}

func (i *Indexer) sleep(ctx context.Context, quit chan struct{}, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-quit:
	case <-time.After(d):
	}
}

func (i *Indexer) setErr(err error) {
	i.mu.Lock()
	i.lastErr = err
	i.mu.Unlock()
}

// step runs one scan-decode-commit iteration.
func (i *Indexer) step(ctx context.Context) error {
	contract := i.cfg.Contract.Hex()
	lastDone, err := i.sink.ReadCheckpoint(ctx, i.cfg.ChainID, contract, i.cfg.Shard, i.cfg.StartBlock)
	if err != nil {
		return err
	}
	head, err := i.sc.client.Head(ctx)
	if err != nil {
		return err
	}
	if head > i.cfg.Confirmations {
		head -= i.cfg.Confirmations
	} else {
		head = 0
	}
	i.mu.Lock()
	i.lastDone, i.head = lastDone, head
	i.mu.Unlock()
	if head <= lastDone {
		return errCaughtUp
	}

	to := head
	if max := lastDone + i.batch; to > max {
		to = max
	}
	recs, err := i.sc.scan(ctx, lastDone+1, to, [][]common.Hash{i.cfg.Topics})
	if err != nil {
		if chain.IsRangeTooLarge(err) && i.batch > minBatchBlocks {
			i.batch = i.batch / 2
			if i.batch < minBatchBlocks {
				i.batch = minBatchBlocks
			}
			i.m.batchSize.Update(int64(i.batch))
			i.log.Debug("Log range too large, reducing batch", "batch", i.batch)
			return nil
		}
		return err
	}

	inserted, err := i.sink.CommitBatch(ctx, store.CommitRequest{
		ChainID:   i.cfg.ChainID,
		Contract:  contract,
		Shard:     i.cfg.Shard,
		Records:   recs,
		AdvanceTo: &to,
	})
	if err != nil {
		return err
	}
	for _, rec := range inserted {
		i.bcast.Send(rec)
	}

	i.m.blocks.Inc(int64(to - lastDone))
	i.m.inserted.Inc(int64(len(inserted)))
	i.mu.Lock()
	i.lastDone = to
	i.lastErr = nil
	i.mu.Unlock()

	// Grow the window back after a clean run.
	grown := i.batch + i.batch/4
	if grown > i.cfg.BatchBlocks {
		grown = i.cfg.BatchBlocks
	}
	if grown != i.batch {
		i.batch = grown
		i.m.batchSize.Update(int64(i.batch))
	}
	if len(inserted) > 0 {
		i.log.Debug("Committed batch", "from", lastDone+1, "to", to, "events", len(inserted))
	}
	return nil
}
