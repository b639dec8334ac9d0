package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/gardenwatch/gardenwatch/config"
)

var (
	usdcAddr  = common.HexToAddress("0x0000000000000000000000000000000000000101")
	jewelAddr = common.HexToAddress("0x0000000000000000000000000000000000000102")
	xAddr     = common.HexToAddress("0x0000000000000000000000000000000000000103")
	lpJewUsdc = common.HexToAddress("0x00000000000000000000000000000000000001aa")
	lpXJewel  = common.HexToAddress("0x00000000000000000000000000000000000001bb")
	masterV2  = common.HexToAddress("0x00000000000000000000000000000000000001cc")
)

// testTopology is a single-chain layout with a two-hop pair graph:
// X/JEWEL and JEWEL/USDC, with USDC the numeraire.
func testTopology() *config.Topology {
	return &config.Topology{
		Chains: []config.Chain{{
			ID:                1,
			Name:              "testchain",
			RPCURLs:           []string{"http://localhost:0"},
			AvgBlockTime:      2,
			DefillamaSlug:     "testchain",
			CoingeckoPlatform: "test-platform",
		}},
		Tokens: []config.Token{
			{ChainID: 1, Address: usdcAddr.Hex(), Symbol: "USDC", Decimals: 6, Numeraire: true},
			{ChainID: 1, Address: jewelAddr.Hex(), Symbol: "JEWEL", Decimals: 18},
			{ChainID: 1, Address: xAddr.Hex(), Symbol: "XTOKEN", Decimals: 18},
		},
		Pools: []config.Pool{
			{
				ChainID: 1, PoolID: 0, Version: config.PoolV2,
				LPToken: lpJewUsdc.Hex(), MasterContract: masterV2.Hex(),
				Token0: jewelAddr.Hex(), Token1: usdcAddr.Hex(),
				Token0Decimals: 18, Token1Decimals: 6,
			},
			{
				ChainID: 1, PoolID: 1, Version: config.PoolV2,
				LPToken: lpXJewel.Hex(), MasterContract: masterV2.Hex(),
				Token0: xAddr.Hex(), Token1: jewelAddr.Hex(),
				Token0Decimals: 18, Token1Decimals: 18,
			},
		},
	}
}

func TestDefillamaQuote(t *testing.T) {
	key := "testchain:" + "0x0000000000000000000000000000000000000102"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prices/current/"+key, r.URL.Path)
		fmt.Fprintf(w, `{"coins":{"%s":{"price":4.25,"symbol":"JEWEL"}}}`, key)
	}))
	defer srv.Close()

	s := NewDefillamaSource(testTopology())
	s.BaseURL = srv.URL

	price, err := s.Quote(context.Background(), 1, jewelAddr)
	require.NoError(t, err)
	require.Equal(t, "4.25", price.String())
}

func TestDefillamaQuoteUnknownCoin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"coins":{}}`)
	}))
	defer srv.Close()

	s := NewDefillamaSource(testTopology())
	s.BaseURL = srv.URL

	_, err := s.Quote(context.Background(), 1, jewelAddr)
	require.ErrorIs(t, err, ErrNoPrice)

	// A chain without a slug is not covered at all.
	_, err = s.Quote(context.Background(), 999, jewelAddr)
	require.ErrorIs(t, err, ErrNoPrice)
}

func TestDefillamaQuoteAt(t *testing.T) {
	at := time.Unix(1700000000, 0)
	key := "testchain:" + "0x0000000000000000000000000000000000000102"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprintf("/prices/historical/%d/%s", at.Unix(), key), r.URL.Path)
		fmt.Fprintf(w, `{"coins":{"%s":{"price":0.37}}}`, key)
	}))
	defer srv.Close()

	s := NewDefillamaSource(testTopology())
	s.BaseURL = srv.URL

	price, err := s.QuoteAt(context.Background(), 1, jewelAddr, at)
	require.NoError(t, err)
	require.Equal(t, "0.37", price.String())
}

func TestDefillamaTransportErrorIsNotNoPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewDefillamaSource(testTopology())
	s.BaseURL = srv.URL

	_, err := s.Quote(context.Background(), 1, jewelAddr)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoPrice)
}

func TestCoingeckoQuote(t *testing.T) {
	addr := "0x0000000000000000000000000000000000000102"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/simple/token_price/test-platform", r.URL.Path)
		fmt.Fprintf(w, `{"%s":{"usd":1.05}}`, addr)
	}))
	defer srv.Close()

	s := NewCoingeckoSource(testTopology())
	s.BaseURL = srv.URL

	price, err := s.Quote(context.Background(), 1, jewelAddr)
	require.NoError(t, err)
	require.Equal(t, "1.05", price.String())

	// Tokens the platform does not track come back empty.
	price2, err := s.Quote(context.Background(), 1, xAddr)
	require.ErrorIs(t, err, ErrNoPrice)
	require.True(t, price2.IsZero())
}
