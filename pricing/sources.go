// Package pricing assigns USD values to token amounts through a priority
// chain of sources, tracks provenance on every answer, and derives pool TVL
// from staked LP balances. Price APIs are treated as opaque JSON behind the
// Source interface.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/gardenwatch/gardenwatch/config"
)

// Provenance tags carried on every priced row.
const (
	SourceDefillama  = "DEFILLAMA"
	SourceCoingecko  = "COINGECKO"
	SourceDexDerived = "DEX_DERIVED"
	SourceDeprecated = "DEPRECATED"
	SourceLegacy     = "LEGACY"
	SourceUnvalued   = "UNVALUED"
)

// ErrNoPrice means every source in the chain came up empty.
var ErrNoPrice = errors.New("no price available")

// Quote is one priced answer with provenance.
type Quote struct {
	Price      decimal.Decimal
	Source     string
	Confidence float32
}

// Source answers live token prices. Implementations return ErrNoPrice when
// they simply do not cover the token, and other errors for transport
// failures; the oracle falls through either way.
type Source interface {
	Name() string
	Quote(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error)
}

const httpTimeout = 15 * time.Second

// DefillamaSource is the authoritative off-chain price API.
type DefillamaSource struct {
	BaseURL string
	topo    *config.Topology
	client  *http.Client
}

func NewDefillamaSource(topo *config.Topology) *DefillamaSource {
	return &DefillamaSource{
		BaseURL: "https://coins.llama.fi",
		topo:    topo,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

func (s *DefillamaSource) Name() string { return SourceDefillama }

func (s *DefillamaSource) Quote(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error) {
	c, ok := s.topo.Chain(chainID)
	if !ok || c.DefillamaSlug == "" {
		return decimal.Zero, ErrNoPrice
	}
	key := fmt.Sprintf("%s:%s", c.DefillamaSlug, strings.ToLower(token.Hex()))
	url := fmt.Sprintf("%s/prices/current/%s", s.BaseURL, key)
	var body struct {
		Coins map[string]struct {
			Price decimal.Decimal `json:"price"`
		} `json:"coins"`
	}
	if err := s.get(ctx, url, &body); err != nil {
		return decimal.Zero, err
	}
	coin, ok := body.Coins[key]
	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	return coin.Price, nil
}

// QuoteAt answers a historical price at the given time.
func (s *DefillamaSource) QuoteAt(ctx context.Context, chainID uint64, token common.Address, at time.Time) (decimal.Decimal, error) {
	c, ok := s.topo.Chain(chainID)
	if !ok || c.DefillamaSlug == "" {
		return decimal.Zero, ErrNoPrice
	}
	key := fmt.Sprintf("%s:%s", c.DefillamaSlug, strings.ToLower(token.Hex()))
	url := fmt.Sprintf("%s/prices/historical/%d/%s", s.BaseURL, at.Unix(), key)
	var body struct {
		Coins map[string]struct {
			Price decimal.Decimal `json:"price"`
		} `json:"coins"`
	}
	if err := s.get(ctx, url, &body); err != nil {
		return decimal.Zero, err
	}
	coin, ok := body.Coins[key]
	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	return coin.Price, nil
}

func (s *DefillamaSource) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("defillama: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CoingeckoSource is the secondary off-chain price API.
type CoingeckoSource struct {
	BaseURL string
	topo    *config.Topology
	client  *http.Client
}

func NewCoingeckoSource(topo *config.Topology) *CoingeckoSource {
	return &CoingeckoSource{
		BaseURL: "https://api.coingecko.com/api/v3",
		topo:    topo,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

func (s *CoingeckoSource) Name() string { return SourceCoingecko }

func (s *CoingeckoSource) Quote(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error) {
	c, ok := s.topo.Chain(chainID)
	if !ok || c.CoingeckoPlatform == "" {
		return decimal.Zero, ErrNoPrice
	}
	addr := strings.ToLower(token.Hex())
	url := fmt.Sprintf("%s/simple/token_price/%s?contract_addresses=%s&vs_currencies=usd",
		s.BaseURL, c.CoingeckoPlatform, addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("coingecko: status %d", resp.StatusCode)
	}
	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, err
	}
	entry, ok := body[addr]
	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	return entry.USD, nil
}
