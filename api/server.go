// Package api exposes the read surface of the service over HTTP: indexer
// status, pool valuations, wallet positions and history, hero rewards,
// payment requests, bridge-flow rankings, Prometheus metrics and a websocket
// event firehose. Admin endpoints behind a bearer token start, stop and
// rewind individual indexers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	gethprometheus "github.com/ethereum/go-ethereum/metrics/prometheus"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/gardenwatch/gardenwatch/indexer"
	"github.com/gardenwatch/gardenwatch/payments"
	"github.com/gardenwatch/gardenwatch/pricing"
	"github.com/gardenwatch/gardenwatch/store"
)

// Managed couples a runner with the checkpoint rewind for its streams. The
// wiring layer knows which checkpoint rows belong to the runner; the API
// does not.
type Managed struct {
	Runner indexer.Runner
	Reset  func(ctx context.Context, toBlock uint64) error
}

// MatchFeed is the payment-settlement stream the websocket firehose
// republishes. *payments.Matcher implements it.
type MatchFeed interface {
	SubscribeMatched(ch chan<- payments.Matched) event.Subscription
}

// Store is the slice of the persistence layer the handlers read from.
// *store.Store implements it.
type Store interface {
	WalletSnapshots(ctx context.Context, wallet string, limit int) ([]store.WalletSnapshot, error)
	HeroRewards(ctx context.Context, heroID uint64, limit int) ([]store.EventRow, error)
	RecentEvents(ctx context.Context, chainID uint64, stream string, limit int) ([]store.EventRow, error)
	TopExtractors(ctx context.Context, since time.Time, limit int) ([]store.ExtractorFlow, error)
	LockedSupply(ctx context.Context, chainID uint64) (*store.LockedSupply, error)
	PaymentRequest(ctx context.Context, id uuid.UUID) (*store.PaymentRequest, error)
	SettleRequest(ctx context.Context, id uuid.UUID, terminal string) error
}

// Server is the HTTP read surface.
type Server struct {
	store      Store
	valuer     *pricing.Valuer
	creator    *payments.Creator
	managed    map[string]Managed
	firehose   []*indexer.Broadcaster
	matches    MatchFeed
	adminToken string
	log        log.Logger
	runCtx     context.Context

	httpSrv *http.Server
}

// Config parameterizes the server.
type Config struct {
	Addr       string
	AdminToken string
}

func NewServer(cfg Config, st Store, valuer *pricing.Valuer, creator *payments.Creator) *Server {
	s := &Server{
		store:      st,
		valuer:     valuer,
		creator:    creator,
		managed:    make(map[string]Managed),
		adminToken: cfg.AdminToken,
		log:        log.New("module", "api"),
		runCtx:     context.Background(),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Manage registers a runner under the admin endpoints and its record stream
// on the websocket firehose.
func (s *Server) Manage(m Managed) {
	s.managed[m.Runner.Name()] = m
	s.firehose = append(s.firehose, m.Runner.Records())
}

// SetRunContext sets the context admin-started runners inherit. Without it
// they would run under the request context and die with the request.
func (s *Server) SetRunContext(ctx context.Context) { s.runCtx = ctx }

// StreamMatches adds payment settlements to the websocket firehose.
func (s *Server) StreamMatches(feed MatchFeed) { s.matches = feed }

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status/indexers", s.handleIndexerStatus).Methods(http.MethodGet)
	r.HandleFunc("/pools/{chainId:[0-9]+}/{poolId:[0-9]+}/tvl", s.handlePoolTVL).Methods(http.MethodGet)
	r.HandleFunc("/wallets/{addr}/stakes", s.handleWalletStakes).Methods(http.MethodGet)
	r.HandleFunc("/wallets/{addr}/snapshots", s.handleWalletSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/rewards/hero/{heroId:[0-9]+}", s.handleHeroRewards).Methods(http.MethodGet)
	r.HandleFunc("/payments/requests", s.handleCreateRequest).Methods(http.MethodPost)
	r.HandleFunc("/payments/requests/{id}", s.handlePaymentRequest).Methods(http.MethodGet)
	r.Handle("/payments/requests/{id}/settle", s.requireAdmin(http.HandlerFunc(s.handleSettleRequest))).Methods(http.MethodPost)
	r.HandleFunc("/extractors", s.handleExtractors).Methods(http.MethodGet)
	r.HandleFunc("/supply/locked/{chainId:[0-9]+}", s.handleLockedSupply).Methods(http.MethodGet)
	r.HandleFunc("/events/{chainId:[0-9]+}/{stream}", s.handleRecentEvents).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", s.handleEventsWS).Methods(http.MethodGet)
	r.Handle("/metrics", gethprometheus.Handler(metrics.DefaultRegistry)).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/indexers/{name}/start", s.handleStart).Methods(http.MethodPost)
	admin.HandleFunc("/indexers/{name}/stop", s.handleStop).Methods(http.MethodPost)
	admin.HandleFunc("/indexers/{name}/reset", s.handleReset).Methods(http.MethodPost)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(r)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }
