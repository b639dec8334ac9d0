package indexer

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/gardenwatch/gardenwatch/chain"
	"github.com/gardenwatch/gardenwatch/store"
)

// DefaultMinStealableBlocks is the smallest remaining range worth stealing
// half of; a pool-mate with less is left to finish on its own.
const DefaultMinStealableBlocks = 64

// PoolSetConfig parameterizes a sharded stream: one checkpoint shard per
// pool, WorkersPerPool workers partitioning each pool's backlog.
type PoolSetConfig struct {
	Name               string
	ChainID            uint64
	Contract           common.Address
	Topics             []common.Hash
	Pools              []uint64
	WorkersPerPool     int
	StartBlock         uint64
	BatchBlocks        uint64
	Confirmations      uint64
	PollInterval       time.Duration
	MinStealableBlocks uint64
	Enabled            bool
}

// PoolSet drives a sharded indexer: every pool gets its own durable cursor,
// and within a pool the remaining block range is split across workers that
// steal from the slowest pool-mate when they run dry. Stealing never crosses
// pool boundaries.
type PoolSet struct {
	cfg   PoolSetConfig
	sink  Sink
	sc    *scanner
	bcast *Broadcaster
	log   log.Logger
	m     *indexerMetrics

	batch atomic.Uint64

	mu      sync.Mutex
	running bool
	enabled bool
	pools   map[uint64]*poolStatus
	quit    chan struct{}
	done    chan struct{}
}

type poolStatus struct {
	lastDone uint64
	head     uint64
	lastErr  error
}

// NewPoolSet builds the worker pool for one sharded subscription.
func NewPoolSet(cfg PoolSetConfig, client chain.Client, registry *Registry, sink Sink, prepare PrepareFunc) *PoolSet {
	if cfg.BatchBlocks == 0 {
		cfg.BatchBlocks = DefaultBatchBlocks
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.WorkersPerPool <= 0 {
		cfg.WorkersPerPool = 1
	}
	if cfg.MinStealableBlocks == 0 {
		cfg.MinStealableBlocks = DefaultMinStealableBlocks
	}
	logger := log.New("indexer", cfg.Name)
	m := newIndexerMetrics(cfg.Name)
	ps := &PoolSet{
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
		enabled: cfg.Enabled,
		pools:   make(map[uint64]*poolStatus, len(cfg.Pools)),
	}
	for _, id := range cfg.Pools {
		ps.pools[id] = &poolStatus{}
	}
	ps.batch.Store(cfg.BatchBlocks)
	return ps
}

func (p *PoolSet) Name() string          { return p.cfg.Name }
func (p *PoolSet) Records() *Broadcaster { return p.bcast }

func (p *PoolSet) SetEnabled(v bool) {
	p.mu.Lock()
	p.enabled = v
	p.mu.Unlock()
}

func (p *PoolSet) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *PoolSet) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PoolSet) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(ctx, p.quit, p.done)
}

func (p *PoolSet) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	quit, done := p.quit, p.done
	p.mu.Unlock()
	close(quit)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.log.Error("Pool set did not stop within deadline")
	}
}

// Status reports one entry per pool shard.
func (p *PoolSet) Status() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.pools))
	for _, id := range p.cfg.Pools {
		st := p.pools[id]
		entry := Status{
			Name:      p.cfg.Name,
			ChainID:   p.cfg.ChainID,
			Shard:     strconv.FormatUint(id, 10),
			LastBlock: st.lastDone,
			Head:      st.head,
			Enabled:   p.enabled,
			Running:   p.running,
		}
		if st.head > st.lastDone {
			entry.Lag = st.head - st.lastDone
		}
		if st.lastErr != nil {
			entry.LastError = st.lastErr.Error()
		}
		out = append(out, entry)
	}
	return out
}

func (p *PoolSet) run(ctx context.Context, quit, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
	}()
	p.log.Info("Pool worker set started",
		"contract", p.cfg.Contract, "pools", len(p.cfg.Pools), "workersPerPool", p.cfg.WorkersPerPool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		default:
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, poolID := range p.cfg.Pools {
			poolID := poolID
			g.Go(func() error { return p.catchUpPool(gctx, quit, poolID) })
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("Pool catch-up pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// segment is one worker's contiguous slice of a pool's backlog. start is
// fixed at creation; end shrinks when a thief takes the tail; claimed marks
// the top of the owner's in-flight chunk; cur advances as blocks are
// committed. All fields are guarded by the pool's steal mutex.
type segment struct {
	worker  int
	start   uint64
	cur     uint64
	claimed uint64
	end     uint64
}

func (s *segment) remaining() uint64 {
	if s.cur > s.end {
		return 0
	}
	return s.end - s.cur + 1
}

// stealable is the tail of the segment no scan has touched or claimed yet.
// Only this part may be handed to a thief; the in-flight chunk stays with
// the owner.
func (s *segment) stealable() uint64 {
	if s.claimed >= s.end {
		return 0
	}
	return s.end - s.claimed
}

// poolRun is the shared mutable state of one pool's catch-up pass.
type poolRun struct {
	mu       sync.Mutex // the per-pool steal mutex; never held during RPC or DB work
	segments []*segment

	advMu    sync.Mutex
	base     uint64 // checkpointed block before the pass
	advanced uint64 // highest checkpoint written during the pass
}

// frontier returns the highest block b such that every block in
// (base, b] has been processed, walking the contiguous segment partition.
func (r *poolRun) frontier() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	segs := make([]*segment, len(r.segments))
	copy(segs, r.segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })
	f := r.base
	for _, s := range segs {
		if s.cur > s.end {
			f = s.end
			continue
		}
		f = s.cur - 1
		break
	}
	return f
}

// catchUpPool partitions the pool's unprocessed interval across workers and
// runs them to completion. The pool is caught up when every worker has
// exited.
func (p *PoolSet) catchUpPool(ctx context.Context, quit chan struct{}, poolID uint64) error {
	shard := strconv.FormatUint(poolID, 10)
	contract := p.cfg.Contract.Hex()
	last, err := p.sink.ReadCheckpoint(ctx, p.cfg.ChainID, contract, shard, p.cfg.StartBlock)
	if err != nil {
		return p.failPool(poolID, err)
	}
	head, err := p.sc.client.Head(ctx)
	if err != nil {
		return p.failPool(poolID, err)
	}
	if head > p.cfg.Confirmations {
		head -= p.cfg.Confirmations
	} else {
		head = 0
	}
	p.setPool(poolID, last, head, nil)
	if head <= last {
		return nil
	}

	run := &poolRun{base: last, advanced: last}
	run.segments = partition(last+1, head, p.cfg.WorkersPerPool)

	// The pool id is the second indexed argument of every gardener event, so
	// each shard filters its own logs server-side.
	topics := [][]common.Hash{p.cfg.Topics, nil, {common.BigToHash(new(big.Int).SetUint64(poolID))}}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < len(run.segments); w++ {
		seg := run.segments[w]
		g.Go(func() error { return p.worker(gctx, quit, poolID, shard, topics, run, seg) })
	}
	if err := g.Wait(); err != nil {
		return p.failPool(poolID, err)
	}
	// All workers exited; the frontier equals head unless the pass was
	// interrupted by shutdown.
	if err := p.advanceFrontier(ctx, poolID, shard, run); err != nil {
		return p.failPool(poolID, err)
	}
	return nil
}

// partition splits [from, to] into n roughly equal contiguous segments,
// assigned worker ids 0..n-1.
func partition(from, to uint64, n int) []*segment {
	total := to - from + 1
	if uint64(n) > total {
		n = int(total)
	}
	segs := make([]*segment, 0, n)
	size := total / uint64(n)
	rem := total % uint64(n)
	cur := from
	for w := 0; w < n; w++ {
		take := size
		if uint64(w) < rem {
			take++
		}
		segs = append(segs, &segment{worker: w, start: cur, cur: cur, claimed: cur - 1, end: cur + take - 1})
		cur += take
	}
	return segs
}

// worker drains its segment chunk by chunk, then steals half the slowest
// pool-mate's remainder until no donor has MinStealableBlocks left.
func (p *PoolSet) worker(ctx context.Context, quit chan struct{}, poolID uint64, shard string, topics [][]common.Hash, run *poolRun, seg *segment) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-quit:
			return nil
		default:
		}

		run.mu.Lock()
		if seg.cur > seg.end {
			donor := pickDonor(run.segments, seg, p.cfg.MinStealableBlocks)
			if donor == nil {
				run.mu.Unlock()
				return nil
			}
			// Take the upper half of the donor's unclaimed tail. The donor's
			// bound is updated before the mutex is released, so two thieves
			// can never obtain the same blocks, and the donor's in-flight
			// chunk is never taken.
			half := donor.stealable() / 2
			if half == 0 {
				run.mu.Unlock()
				return nil
			}
			stolen := &segment{worker: seg.worker, start: donor.end - half + 1, cur: donor.end - half + 1, claimed: donor.end - half, end: donor.end}
			donor.end -= half
			run.segments = append(run.segments, stolen)
			seg = stolen
			p.m.steals.Inc(1)
		}
		from := seg.cur
		to := from + p.batch.Load() - 1
		if to > seg.end {
			to = seg.end
		}
		seg.claimed = to
		run.mu.Unlock()

		recs, err := p.sc.scan(ctx, from, to, topics)
		if err != nil {
			if chain.IsRangeTooLarge(err) {
				shrinkBatch(&p.batch)
				continue
			}
			return err
		}
		inserted, err := p.sink.CommitBatch(ctx, store.CommitRequest{
			ChainID:  p.cfg.ChainID,
			Contract: p.cfg.Contract.Hex(),
			Shard:    shard,
			Records:  recs,
			// Segment commits do not advance the checkpoint; the pool's
			// contiguous frontier is advanced separately below.
		})
		if err != nil {
			return err
		}
		for _, rec := range inserted {
			p.bcast.Send(rec)
		}
		p.m.blocks.Inc(int64(to - from + 1))
		p.m.inserted.Inc(int64(len(inserted)))

		run.mu.Lock()
		seg.cur = to + 1
		run.mu.Unlock()

		if err := p.advanceFrontier(ctx, poolID, shard, run); err != nil {
			return err
		}
	}
}

// pickDonor selects the pool-mate with the largest unclaimed tail, ties
// broken by highest worker id. Returns nil when nothing stealable remains.
func pickDonor(segments []*segment, self *segment, minStealable uint64) *segment {
	var donor *segment
	for _, s := range segments {
		if s == self || s.stealable() < minStealable {
			continue
		}
		if donor == nil ||
			s.stealable() > donor.stealable() ||
			(s.stealable() == donor.stealable() && s.worker > donor.worker) {
			donor = s
		}
	}
	return donor
}

// advanceFrontier pushes the durable checkpoint up to the contiguous
// processed frontier. Serialized per pool so concurrent workers cannot race
// the advance backwards.
func (p *PoolSet) advanceFrontier(ctx context.Context, poolID uint64, shard string, run *poolRun) error {
	f := run.frontier()
	run.advMu.Lock()
	defer run.advMu.Unlock()
	if f <= run.advanced {
		return nil
	}
	if err := p.sink.AdvanceCheckpoint(ctx, p.cfg.ChainID, p.cfg.Contract.Hex(), shard, f); err != nil {
		return err
	}
	run.advanced = f
	p.mu.Lock()
	if st, ok := p.pools[poolID]; ok {
		st.lastDone = f
	}
	p.mu.Unlock()
	return nil
}

func shrinkBatch(b *atomic.Uint64) {
	for {
		cur := b.Load()
		if cur <= minBatchBlocks {
			return
		}
		next := cur / 2
		if next < minBatchBlocks {
			next = minBatchBlocks
		}
		if b.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (p *PoolSet) setPool(poolID, last, head uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.pools[poolID]; ok {
		st.lastDone, st.head, st.lastErr = last, head, err
	}
}

func (p *PoolSet) failPool(poolID uint64, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	p.mu.Lock()
	if st, ok := p.pools[poolID]; ok {
		st.lastErr = err
	}
	p.mu.Unlock()
	p.m.errors.Inc(1)
	return err
}
