// Package sched drives the periodic work of the service: indexer liveness,
// endpoint and database watchdogs, daily balance snapshots, price cache
// warming, payment expiry and checkpoint freshness checks. All schedules run
// in UTC.
package sched

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/gardenwatch/gardenwatch/chain"
	"github.com/gardenwatch/gardenwatch/config"
	"github.com/gardenwatch/gardenwatch/indexer"
	"github.com/gardenwatch/gardenwatch/payments"
	"github.com/gardenwatch/gardenwatch/pricing"
	"github.com/gardenwatch/gardenwatch/store"
)

const (
	// fatalAfter is how long the database or a chain's endpoints may stay
	// unreachable before the watchdog acts.
	fatalAfter = 5 * time.Minute

	// staleAfter is how far behind a checkpoint's updated_at may fall while
	// its runner claims to be running.
	staleAfter = 15 * time.Minute
)

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	Ping(ctx context.Context) error
	Checkpoints(ctx context.Context) ([]store.Checkpoint, error)
	InsertWalletSnapshot(ctx context.Context, snap *store.WalletSnapshot) error
}

// Scheduler owns the cron table. The daily snapshot only runs in production
// mode so a second non-production instance can point at the same database
// without double-writing; the watchdogs, price warming and payment expiry
// run everywhere.
type Scheduler struct {
	cron       *cron.Cron
	store      Store
	topo       *config.Topology
	clients    map[uint64]chain.Client
	runners    map[uint64][]indexer.Runner
	oracle     *pricing.Oracle
	valuer     *pricing.Valuer
	matcher    *payments.Matcher
	production bool
	log        log.Logger

	dbDownSince  time.Time
	rpcDownSince map[uint64]time.Time

	// onFatal fires when the database stays unreachable past fatalAfter.
	// The default logs at crit; main installs a shutdown trigger.
	onFatal func(reason string)
}

func New(st Store, topo *config.Topology, clients map[uint64]chain.Client,
	oracle *pricing.Oracle, valuer *pricing.Valuer, matcher *payments.Matcher, production bool) *Scheduler {
	s := &Scheduler{
		cron:         cron.New(cron.WithLocation(time.UTC)),
		store:        st,
		topo:         topo,
		clients:      clients,
		runners:      make(map[uint64][]indexer.Runner),
		oracle:       oracle,
		valuer:       valuer,
		matcher:      matcher,
		production:   production,
		log:          log.New("module", "sched"),
		rpcDownSince: make(map[uint64]time.Time),
		onFatal: func(reason string) {
			log.Crit("Fatal watchdog condition", "reason", reason)
		},
	}
	return s
}

// Register attaches the runners of one chain to the liveness and watchdog
// jobs.
func (s *Scheduler) Register(chainID uint64, runners ...indexer.Runner) {
	s.runners[chainID] = append(s.runners[chainID], runners...)
}

// OnFatal replaces the fatal-condition handler.
func (s *Scheduler) OnFatal(fn func(reason string)) { s.onFatal = fn }

// Start installs the cron table and begins running it. ctx bounds the work
// of each job invocation.
func (s *Scheduler) Start(ctx context.Context) error {
	add := func(spec string, name string, fn func(context.Context)) error {
		_, err := s.cron.AddFunc(spec, func() {
			jobCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			fn(jobCtx)
		})
		if err != nil {
			s.log.Error("Cannot schedule job", "job", name, "spec", spec, "err", err)
		}
		return err
	}
	if err := add("@every 30s", "liveness", s.liveness); err != nil {
		return err
	}
	if err := add("@every 5m", "checkpoint-freshness", s.checkpointFreshness); err != nil {
		return err
	}
	if err := add("@every 5m", "price-warm", s.oracle.Warm); err != nil {
		return err
	}
	if err := add("@every 60s", "payment-expiry", s.matcher.ExpireSweep); err != nil {
		return err
	}
	if !s.production {
		s.log.Warn("Production mode off; daily snapshot job disabled")
		s.cron.Start()
		return nil
	}
	if err := add("0 0 * * *", "daily-snapshot", s.dailySnapshot); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("Scheduler started", "production", s.production)
	return nil
}

// Stop halts the cron table and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// liveness restarts enabled runners that have stopped, pauses chains with no
// healthy endpoint, and escalates a dead database to the fatal handler.
func (s *Scheduler) liveness(ctx context.Context) {
	now := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		if s.dbDownSince.IsZero() {
			s.dbDownSince = now
		}
		s.log.Error("Database unreachable", "since", s.dbDownSince, "err", err)
		if now.Sub(s.dbDownSince) > fatalAfter {
			s.onFatal("database unreachable for " + now.Sub(s.dbDownSince).Round(time.Second).String())
		}
		return
	}
	s.dbDownSince = time.Time{}

	for chainID, runners := range s.runners {
		client := s.clients[chainID]
		if client != nil && !client.Healthy() {
			if s.rpcDownSince[chainID].IsZero() {
				s.rpcDownSince[chainID] = now
			}
			if now.Sub(s.rpcDownSince[chainID]) > fatalAfter {
				s.pauseChain(chainID, runners)
			}
			continue
		}
		delete(s.rpcDownSince, chainID)
		for _, r := range runners {
			if r.Enabled() && !r.Running() {
				s.log.Info("Restarting stopped runner", "runner", r.Name(), "chain", chainID)
				r.Start(ctx)
			}
		}
	}
}

// pauseChain stops a chain's runners without disabling them, so the next
// healthy liveness pass restarts them where their checkpoints left off.
func (s *Scheduler) pauseChain(chainID uint64, runners []indexer.Runner) {
	for _, r := range runners {
		if r.Running() {
			s.log.Error("Pausing runner, no healthy endpoint", "runner", r.Name(), "chain", chainID)
			r.Stop()
		}
	}
}

// checkpointFreshness alerts on cursors that stopped moving while their
// stream is supposed to be live.
func (s *Scheduler) checkpointFreshness(ctx context.Context) {
	cps, err := s.store.Checkpoints(ctx)
	if err != nil {
		s.log.Warn("Cannot read checkpoints for freshness check", "err", err)
		return
	}
	now := time.Now()
	for _, cp := range cps {
		if age := now.Sub(cp.UpdatedAt); age > staleAfter {
			s.log.Warn("Checkpoint is stale",
				"chain", cp.ChainID, "contract", cp.Contract, "shard", cp.Shard,
				"lastBlock", cp.LastBlock, "age", age.Round(time.Second))
		}
	}
}

// dailySnapshot records every tracked wallet's balances and every pool's
// on-chain state at the day boundary.
func (s *Scheduler) dailySnapshot(ctx context.Context) {
	asOf := time.Now().UTC().Truncate(24 * time.Hour)
	for _, w := range s.topo.Wallets {
		if err := s.snapshotWallet(ctx, w, asOf); err != nil {
			s.log.Warn("Wallet snapshot failed", "wallet", w.Address, "chain", w.ChainID, "err", err)
		}
	}
	s.valuer.Snapshot(ctx)
	s.log.Info("Daily snapshot complete", "wallets", len(s.topo.Wallets), "asOf", asOf)
}

func (s *Scheduler) snapshotWallet(ctx context.Context, w config.Wallet, asOf time.Time) error {
	client, ok := s.clients[w.ChainID]
	if !ok {
		return chain.ErrNoHealthyEndpoint
	}
	addr := common.HexToAddress(w.Address)
	native, err := client.Balance(ctx, addr, nil)
	if err != nil {
		return err
	}
	balances := make(map[string]string)
	for _, tok := range s.topo.Tokens {
		if tok.ChainID != w.ChainID {
			continue
		}
		data := balanceOfCall(addr)
		out, err := client.Call(ctx, common.HexToAddress(tok.Address), data, nil)
		if err != nil || len(out) < 32 {
			s.log.Debug("Token balance read failed", "token", tok.Symbol, "wallet", w.Address, "err", err)
			continue
		}
		bal := new(big.Int).SetBytes(out[0:32])
		if bal.Sign() > 0 {
			balances[common.HexToAddress(tok.Address).Hex()] = bal.String()
		}
	}
	raw, err := json.Marshal(balances)
	if err != nil {
		return err
	}
	return s.store.InsertWalletSnapshot(ctx, &store.WalletSnapshot{
		ChainID:       w.ChainID,
		Wallet:        w.Address,
		AsOf:          asOf,
		NativeBalance: decimal.NewFromBigInt(native, 0),
		TokenBalances: raw,
	})
}

// balanceOfCall encodes balanceOf(address).
func balanceOfCall(addr common.Address) []byte {
	data := make([]byte, 4+32)
	copy(data[0:4], []byte{0x70, 0xa0, 0x82, 0x31})
	copy(data[4+12:], addr.Bytes())
	return data
}
