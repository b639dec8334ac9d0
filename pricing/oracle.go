package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/gardenwatch/gardenwatch/chain"
	"github.com/gardenwatch/gardenwatch/config"
	"github.com/gardenwatch/gardenwatch/store"
)

// cacheTTL bounds how long a live quote is served without re-resolution.
// Historical prices are immutable and live in the store instead.
const cacheTTL = 5 * time.Minute

// PriceStore is the slice of the persistence layer the oracle needs.
type PriceStore interface {
	InsertTokenPrice(ctx context.Context, p *store.TokenPrice) error
	PriceAt(ctx context.Context, chainID uint64, token string, t time.Time) (*store.TokenPrice, error)
}

// Oracle resolves token prices through the source priority chain:
// cache, Defillama, Coingecko, DEX derivation, deprecated-token zeroing.
// Every resolved price is persisted with its provenance so historical
// lookups stay answerable after the APIs forget.
type Oracle struct {
	topo    *config.Topology
	store   PriceStore
	llama   *DefillamaSource
	sources []Source
	cache   *lru.LRU[string, Quote]
	log     log.Logger

	hits   metrics.Counter
	misses metrics.Counter
}

func NewOracle(topo *config.Topology, ps PriceStore, clients map[uint64]chain.Client) *Oracle {
	o := &Oracle{
		topo:  topo,
		store: ps,
		cache: lru.NewLRU[string, Quote](512, nil, cacheTTL),
		log:   log.New("module", "pricing"),

		hits:   metrics.NewRegisteredCounter("gardenwatch/pricing/cache/hits", nil),
		misses: metrics.NewRegisteredCounter("gardenwatch/pricing/cache/misses", nil),
	}
	o.llama = NewDefillamaSource(topo)
	gecko := NewCoingeckoSource(topo)
	dex := NewDexSource(topo, clients, o.externalPrice)
	o.sources = []Source{o.llama, gecko, dex}
	return o
}

// NewOracleWithSources wires an explicit source chain, for tests.
func NewOracleWithSources(topo *config.Topology, ps PriceStore, sources ...Source) *Oracle {
	return &Oracle{
		topo:    topo,
		store:   ps,
		sources: sources,
		cache:   lru.NewLRU[string, Quote](512, nil, cacheTTL),
		log:     log.New("module", "pricing"),
		hits:    metrics.NilCounter{},
		misses:  metrics.NilCounter{},
	}
}

func cacheKey(chainID uint64, token common.Address) string {
	return fmt.Sprintf("%d/%s", chainID, strings.ToLower(token.Hex()))
}

// PriceUSD resolves the current price of a token. It returns ErrNoPrice when
// the whole chain comes up empty; callers mark the affected value UNVALUED
// rather than guessing.
func (o *Oracle) PriceUSD(ctx context.Context, chainID uint64, token common.Address) (Quote, error) {
	key := cacheKey(chainID, token)
	if q, ok := o.cache.Get(key); ok {
		o.hits.Inc(1)
		return q, nil
	}
	o.misses.Inc(1)
	for _, src := range o.sources {
		price, err := src.Quote(ctx, chainID, token)
		if err != nil {
			if !errors.Is(err, ErrNoPrice) {
				o.log.Warn("Price source failed", "source", src.Name(), "token", token, "err", err)
			}
			continue
		}
		q := Quote{Price: price, Source: src.Name(), Confidence: confidence(src.Name())}
		o.cache.Add(key, q)
		o.persist(ctx, chainID, token, q, time.Now())
		return q, nil
	}
	// Deprecated tokens fall back to a hard zero only once every live source
	// has come up empty; a flagged token with a real quote keeps its price.
	if q, ok := o.deprecatedZero(chainID, token); ok {
		return q, nil
	}
	return Quote{}, fmt.Errorf("token %s on chain %d: %w", token.Hex(), chainID, ErrNoPrice)
}

func (o *Oracle) deprecatedZero(chainID uint64, token common.Address) (Quote, bool) {
	if meta, ok := o.topo.TokenMeta(chainID, token); ok && meta.Deprecated {
		return Quote{Price: decimal.Zero, Source: SourceDeprecated, Confidence: 1}, true
	}
	return Quote{}, false
}

// PriceUSDAt resolves a historical price. Persisted observations win; the
// Defillama historical endpoint backfills gaps, and the answer is persisted
// so the next lookup is local.
func (o *Oracle) PriceUSDAt(ctx context.Context, chainID uint64, token common.Address, at time.Time) (Quote, error) {
	row, err := o.store.PriceAt(ctx, chainID, token.Hex(), at)
	if err != nil {
		return Quote{}, err
	}
	if row != nil {
		return Quote{Price: row.PriceUSD, Source: row.Source, Confidence: row.Confidence}, nil
	}
	if o.llama != nil {
		price, err := o.llama.QuoteAt(ctx, chainID, token, at)
		if err == nil {
			q := Quote{Price: price, Source: SourceDefillama, Confidence: 1}
			o.persist(ctx, chainID, token, q, at)
			return q, nil
		}
		if !errors.Is(err, ErrNoPrice) {
			o.log.Warn("Historical price lookup failed", "token", token, "at", at, "err", err)
		}
	}
	if q, ok := o.deprecatedZero(chainID, token); ok {
		return q, nil
	}
	return Quote{}, fmt.Errorf("token %s on chain %d at %s: %w", token.Hex(), chainID, at.Format(time.RFC3339), ErrNoPrice)
}

// externalPrice prices a token through the off-chain APIs only. The DEX
// source anchors numeraires here; letting it re-enter the full chain would
// recurse.
func (o *Oracle) externalPrice(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error) {
	key := cacheKey(chainID, token)
	if q, ok := o.cache.Get(key); ok && q.Source != SourceDexDerived {
		return q.Price, nil
	}
	for _, src := range o.sources {
		if src.Name() == SourceDexDerived {
			continue
		}
		price, err := src.Quote(ctx, chainID, token)
		if err == nil {
			q := Quote{Price: price, Source: src.Name(), Confidence: 1}
			o.cache.Add(key, q)
			o.persist(ctx, chainID, token, q, time.Now())
			return price, nil
		}
	}
	return decimal.Zero, ErrNoPrice
}

// Warm resolves every configured token once. The scheduler drives it so the
// cache and the price history stay populated even when no caller asks.
func (o *Oracle) Warm(ctx context.Context) {
	for _, tok := range o.topo.Tokens {
		addr := common.HexToAddress(tok.Address)
		if _, err := o.PriceUSD(ctx, tok.ChainID, addr); err != nil {
			if !errors.Is(err, ErrNoPrice) {
				o.log.Warn("Price warmup failed", "token", tok.Symbol, "err", err)
			} else {
				o.log.Debug("No price for token", "token", tok.Symbol, "chain", tok.ChainID)
			}
		}
	}
}

func (o *Oracle) persist(ctx context.Context, chainID uint64, token common.Address, q Quote, at time.Time) {
	err := o.store.InsertTokenPrice(ctx, &store.TokenPrice{
		ChainID:    chainID,
		Token:      token.Hex(),
		AsOf:       at.Truncate(time.Minute),
		PriceUSD:   q.Price,
		Source:     q.Source,
		Confidence: q.Confidence,
	})
	if err != nil {
		o.log.Warn("Cannot persist price sample", "token", token, "err", err)
	}
}

func confidence(source string) float32 {
	if source == SourceDexDerived {
		return 0.8
	}
	return 1
}
