// gardenwatch is the chain-indexing and reconciliation daemon for the game
// economy backend. It follows the configured chains, materializes stake and
// payment state into Postgres, values pools and bridge flows in USD, and
// serves the HTTP/websocket read surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gardenwatch/gardenwatch/api"
	"github.com/gardenwatch/gardenwatch/chain"
	"github.com/gardenwatch/gardenwatch/config"
	"github.com/gardenwatch/gardenwatch/indexer"
	"github.com/gardenwatch/gardenwatch/payments"
	"github.com/gardenwatch/gardenwatch/pricing"
	"github.com/gardenwatch/gardenwatch/sched"
	"github.com/gardenwatch/gardenwatch/store"
)

const shutdownGrace = 10 * time.Second

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to the chain/pool/contract topology file",
		Value: "chains.toml",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotating file in addition to stderr",
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP listen address (overrides HTTP_ADDR)",
	}
)

func main() {
	app := &cli.App{
		Name:  "gardenwatch",
		Usage: "multi-chain game economy indexer",
		Flags: []cli.Flag{configFlag, verbosityFlag, logFileFlag, httpAddrFlag},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(c *cli.Context) {
	handlers := []log.Handler{log.StreamHandler(os.Stderr, log.TerminalFormat(os.Getenv("TERM") != "dumb"))}
	if path := c.String(logFileFlag.Name); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 10,
			Compress:   true,
		}
		handlers = append(handlers, log.StreamHandler(rotator, log.JSONFormat()))
	}
	lvl := log.Lvl(c.Int(verbosityFlag.Name))
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.MultiHandler(handlers...)))
}

func run(c *cli.Context) error {
	// Local development keeps its settings in .env; absence is fine.
	_ = godotenv.Load()
	setupLogging(c)
	logger := log.New("module", "main")

	env, err := config.FromEnv()
	if err != nil {
		return err
	}
	if addr := c.String(httpAddrFlag.Name); addr != "" {
		env.HTTPAddr = addr
	}
	topo, err := config.LoadTopology(c.String(configFlag.Name), env)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, env.DatabaseURL, env.FallbackDatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	clients := make(map[uint64]chain.Client, len(topo.Chains))
	for _, ch := range topo.Chains {
		client, err := chain.Dial(ctx, ch.ID, ch.RPCURLs, chain.Options{})
		if err != nil {
			return fmt.Errorf("chain %d (%s): %w", ch.ID, ch.Name, err)
		}
		clients[ch.ID] = client
		defer client.Close()
	}

	oracle := pricing.NewOracle(topo, st, clients)
	valuer := pricing.NewValuer(topo, clients, oracle, st)
	enrich := pricing.BridgeEnricher(oracle)

	registry := indexer.NewRegistry()
	binders := indexer.DefaultRegistry()
	for _, sub := range topo.Subscriptions {
		bind, ok := binders[sub.DecoderKey]
		if !ok {
			return fmt.Errorf("subscription %q: unknown decoder %q", sub.Name, sub.DecoderKey)
		}
		bind(registry, common.HexToAddress(sub.Address))
	}

	creator := payments.NewCreator(st)
	matcher := payments.NewMatcher(st, env.CustodialWallets, nil)

	server := api.NewServer(api.Config{Addr: env.HTTPAddr, AdminToken: env.AdminToken}, st, valuer, creator)
	server.SetRunContext(ctx)
	server.StreamMatches(matcher)

	scheduler := sched.New(st, topo, clients, oracle, valuer, matcher, env.ProductionMode)
	scheduler.OnFatal(func(reason string) {
		logger.Error("Shutting down on fatal condition", "reason", reason)
		stop()
	})

	var transferSources []*indexer.Broadcaster
	for _, sub := range topo.Subscriptions {
		chainCfg, ok := topo.Chain(sub.ChainID)
		if !ok {
			return fmt.Errorf("subscription %q: unknown chain %d", sub.Name, sub.ChainID)
		}
		runner, reset := buildRunner(sub, chainCfg, clients[sub.ChainID], registry, st, topo, enrich, env.ProductionMode)
		server.Manage(api.Managed{Runner: runner, Reset: reset})
		scheduler.Register(sub.ChainID, runner)
		if sub.DecoderKey == indexer.DecoderERC20Transfer {
			transferSources = append(transferSources, runner.Records())
		}
		if runner.Enabled() {
			runner.Start(ctx)
		}
	}

	for chainID, wallets := range env.CustodialWallets {
		chainCfg, ok := topo.Chain(chainID)
		if !ok {
			return fmt.Errorf("custodial wallets configured for unknown chain %d", chainID)
		}
		ns := indexer.NewNativeScanner(indexer.NativeScannerConfig{
			Name:          fmt.Sprintf("native-%d", chainID),
			ChainID:       chainID,
			Watched:       wallets,
			Confirmations: chainCfg.ConfirmationDepth,
			Enabled:       env.ProductionMode,
		}, clients[chainID], st)
		reset := func(ctx context.Context, to uint64) error {
			return st.ResetCheckpoint(ctx, chainID, "native", "", to)
		}
		server.Manage(api.Managed{Runner: ns, Reset: reset})
		scheduler.Register(chainID, ns)
		transferSources = append(transferSources, ns.Records())
		if ns.Enabled() {
			ns.Start(ctx)
		}
	}

	go matcher.Run(ctx, transferSources...)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	logger.Info("gardenwatch started",
		"chains", len(topo.Chains), "subscriptions", len(topo.Subscriptions),
		"production", env.ProductionMode, "http", env.HTTPAddr)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "err", err)
		}
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "err", err)
	}
	return nil
}

// buildRunner turns one subscription into its runner and checkpoint-reset
// hook. Sharded subscriptions become a pool worker set over every configured
// pool on the contract; the rest become single-cursor indexers.
func buildRunner(sub config.Subscription, chainCfg *config.Chain, client chain.Client,
	registry *indexer.Registry, st *store.Store, topo *config.Topology,
	prepare indexer.PrepareFunc, production bool) (indexer.Runner, func(context.Context, uint64) error) {

	contract := common.HexToAddress(sub.Address)
	topics := topicFilter(sub)
	enabled := sub.Enabled && production

	if sub.Sharded {
		var pools []uint64
		for _, p := range topo.PoolsOn(sub.ChainID) {
			if common.HexToAddress(p.MasterContract) == contract {
				pools = append(pools, p.PoolID)
			}
		}
		ps := indexer.NewPoolSet(indexer.PoolSetConfig{
			Name:           sub.Name,
			ChainID:        sub.ChainID,
			Contract:       contract,
			Topics:         topics,
			Pools:          pools,
			WorkersPerPool: sub.WorkersPerPool,
			StartBlock:     sub.StartBlock,
			Confirmations:  chainCfg.ConfirmationDepth,
			Enabled:        enabled,
		}, client, registry, st, prepare)
		reset := func(ctx context.Context, to uint64) error {
			for _, poolID := range pools {
				if err := st.ResetCheckpoint(ctx, sub.ChainID, contract.Hex(), strconv.FormatUint(poolID, 10), to); err != nil {
					return err
				}
			}
			return nil
		}
		return ps, reset
	}

	ix := indexer.New(indexer.Config{
		Name:          sub.Name,
		ChainID:       sub.ChainID,
		Contract:      contract,
		Topics:        topics,
		StartBlock:    sub.StartBlock,
		Confirmations: chainCfg.ConfirmationDepth,
		Enabled:       enabled,
	}, client, registry, st, prepare)
	reset := func(ctx context.Context, to uint64) error {
		return st.ResetCheckpoint(ctx, sub.ChainID, contract.Hex(), "", to)
	}
	return ix, reset
}

// topicFilter resolves a subscription's topic0 set: explicit hex topics from
// the topology file win, otherwise the decoder key's defaults.
func topicFilter(sub config.Subscription) []common.Hash {
	if len(sub.Topics) > 0 {
		out := make([]common.Hash, 0, len(sub.Topics))
		for _, t := range sub.Topics {
			out = append(out, common.HexToHash(t))
		}
		return out
	}
	return indexer.TopicsFor(sub.DecoderKey)
}
