package pricing

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/gardenwatch/gardenwatch/chain"
	"github.com/gardenwatch/gardenwatch/config"
)

// UniswapV2 function selectors.
var (
	selGetReserves = []byte{0x09, 0x02, 0xf1, 0xac}
	selTotalSupply = []byte{0x18, 0x16, 0x0d, 0xdd}
)

// reserveTTL bounds how stale a cached getReserves answer may be.
const reserveTTL = 60 * time.Second

type pairReserves struct {
	R0, R1 *big.Int
}

// DexSource derives a token price from the configured LP pair graph when no
// off-chain API covers the token. It walks the shortest path from the token
// to a numeraire and propagates the numeraire's externally sourced price back
// along the pair reserves, hop by hop.
type DexSource struct {
	topo    *config.Topology
	clients map[uint64]chain.Client
	// anchor prices numeraires from the external APIs only. Routing it back
	// through the full oracle chain would recurse into this source.
	anchor   func(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error)
	reserves *lru.LRU[string, pairReserves]
	log      log.Logger
}

func NewDexSource(topo *config.Topology, clients map[uint64]chain.Client,
	anchor func(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error)) *DexSource {
	return &DexSource{
		topo:     topo,
		clients:  clients,
		anchor:   anchor,
		reserves: lru.NewLRU[string, pairReserves](256, nil, reserveTTL),
		log:      log.New("module", "pricing"),
	}
}

func (s *DexSource) Name() string { return SourceDexDerived }

func (s *DexSource) Quote(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error) {
	if meta, ok := s.topo.TokenMeta(chainID, token); ok && meta.Numeraire {
		return s.anchor(ctx, chainID, token)
	}
	path, ok := s.pathToNumeraire(chainID, token)
	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	// The path ends at a numeraire. Price it externally, then walk back to
	// the target token one pair at a time.
	price, err := s.anchor(ctx, chainID, path[len(path)-1])
	if err != nil {
		return decimal.Zero, err
	}
	for i := len(path) - 1; i > 0; i-- {
		price, err = s.deriveAcross(ctx, chainID, path[i-1], path[i], price)
		if err != nil {
			return decimal.Zero, err
		}
	}
	return price, nil
}

// pathToNumeraire runs a breadth-first search over the pair graph and returns
// the token path [target, ..., numeraire], or false when the target is not
// connected to any numeraire.
func (s *DexSource) pathToNumeraire(chainID uint64, token common.Address) ([]common.Address, bool) {
	adj := make(map[common.Address][]common.Address)
	for _, pair := range s.uniquePairs(chainID) {
		t0 := common.HexToAddress(pair.Token0)
		t1 := common.HexToAddress(pair.Token1)
		adj[t0] = append(adj[t0], t1)
		adj[t1] = append(adj[t1], t0)
	}
	prev := map[common.Address]common.Address{token: token}
	queue := []common.Address{token}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if meta, ok := s.topo.TokenMeta(chainID, u); ok && meta.Numeraire {
			var path []common.Address
			for v := u; ; v = prev[v] {
				path = append([]common.Address{v}, path...)
				if v == token {
					return path, true
				}
			}
		}
		for _, v := range adj[u] {
			if _, seen := prev[v]; seen {
				continue
			}
			prev[v] = u
			queue = append(queue, v)
		}
	}
	return nil, false
}

// deriveAcross prices `from` given the price of `to`, using the pair between
// them with the deepest reserve on the priced side.
func (s *DexSource) deriveAcross(ctx context.Context, chainID uint64, from, to common.Address, toPrice decimal.Decimal) (decimal.Decimal, error) {
	var (
		best      *config.Pool
		bestDepth decimal.Decimal
		bestFrom  decimal.Decimal
	)
	for _, pair := range s.uniquePairs(chainID) {
		t0 := common.HexToAddress(pair.Token0)
		t1 := common.HexToAddress(pair.Token1)
		if !(t0 == from && t1 == to) && !(t0 == to && t1 == from) {
			continue
		}
		res, err := s.pairState(ctx, chainID, pair)
		if err != nil {
			s.log.Warn("Cannot read pair reserves", "pair", pair.LPToken, "err", err)
			continue
		}
		fromSide := decimal.NewFromBigInt(res.R0, 0).Shift(int32(-s.decimals(chainID, t0)))
		toSide := decimal.NewFromBigInt(res.R1, 0).Shift(int32(-s.decimals(chainID, t1)))
		if t0 == to {
			fromSide, toSide = toSide, fromSide
		}
		if fromSide.IsZero() {
			continue
		}
		if best == nil || toSide.GreaterThan(bestDepth) {
			p := pair
			best, bestDepth, bestFrom = &p, toSide, fromSide
		}
	}
	if best == nil {
		return decimal.Zero, fmt.Errorf("no usable pair for %s/%s: %w", from.Hex(), to.Hex(), ErrNoPrice)
	}
	return toPrice.Mul(bestDepth).Div(bestFrom), nil
}

// uniquePairs deduplicates the pool list by LP address: V1 and V2 pools over
// the same pair contribute one graph edge.
func (s *DexSource) uniquePairs(chainID uint64) []config.Pool {
	seen := make(map[common.Address]bool)
	var out []config.Pool
	for _, p := range s.topo.PoolsOn(chainID) {
		lp := common.HexToAddress(p.LPToken)
		if seen[lp] {
			continue
		}
		seen[lp] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

func (s *DexSource) decimals(chainID uint64, token common.Address) int {
	if meta, ok := s.topo.TokenMeta(chainID, token); ok && meta.Decimals > 0 {
		return meta.Decimals
	}
	return 18
}

// pairState reads the pair's reserves, cached for reserveTTL.
func (s *DexSource) pairState(ctx context.Context, chainID uint64, pair config.Pool) (pairReserves, error) {
	key := fmt.Sprintf("%d/%s", chainID, common.HexToAddress(pair.LPToken).Hex())
	if res, ok := s.reserves.Get(key); ok {
		return res, nil
	}
	client, ok := s.clients[chainID]
	if !ok {
		return pairReserves{}, fmt.Errorf("no client for chain %d", chainID)
	}
	out, err := client.Call(ctx, common.HexToAddress(pair.LPToken), selGetReserves, nil)
	if err != nil {
		return pairReserves{}, err
	}
	if len(out) < 96 {
		return pairReserves{}, fmt.Errorf("getReserves returned %d bytes", len(out))
	}
	res := pairReserves{
		R0: new(big.Int).SetBytes(out[0:32]),
		R1: new(big.Int).SetBytes(out[32:64]),
	}
	s.reserves.Add(key, res)
	return res, nil
}
