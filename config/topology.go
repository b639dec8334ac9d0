package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// PoolVersion distinguishes the two Master Gardener generations. Staked
// amounts for the same underlying LP are summed across versions when valuing
// a pool.
type PoolVersion string

const (
	PoolV1 PoolVersion = "V1"
	PoolV2 PoolVersion = "V2"
)

// Chain describes one chain the indexers follow.
type Chain struct {
	ID                uint64   `toml:"id"`
	Name              string   `toml:"name"`
	RPCURLs           []string `toml:"rpc_urls"`
	NativeDecimals    int      `toml:"native_decimals"`
	AvgBlockTime      float64  `toml:"avg_block_time_seconds"`
	ConfirmationDepth uint64   `toml:"confirmation_depth"`
	NativeSymbol      string   `toml:"native_symbol"`

	// Pricing source hints for off-chain APIs.
	DefillamaSlug     string `toml:"defillama_slug"`
	CoingeckoPlatform string `toml:"coingecko_platform"`
}

// Pool describes one LP staking pool under a Master Gardener contract.
type Pool struct {
	ChainID        uint64      `toml:"chain_id"`
	PoolID         uint64      `toml:"pool_id"`
	LPToken        string      `toml:"lp_token"`
	Token0         string      `toml:"token0"`
	Token1         string      `toml:"token1"`
	Token0Decimals int         `toml:"token0_decimals"`
	Token1Decimals int         `toml:"token1_decimals"`
	MasterContract string      `toml:"master_contract"`
	Version        PoolVersion `toml:"version"`
}

// Subscription describes one contract/topic stream an indexer follows.
type Subscription struct {
	Name       string   `toml:"name"`
	ChainID    uint64   `toml:"chain_id"`
	Address    string   `toml:"address"`
	StartBlock uint64   `toml:"start_block"`
	Topics     []string `toml:"topics"`
	DecoderKey string   `toml:"decoder"`
	Enabled    bool     `toml:"enabled"`

	// Sharded streams (one shard per pool) run under the pool worker pool
	// instead of a single-cursor indexer.
	Sharded        bool `toml:"sharded"`
	WorkersPerPool int  `toml:"workers_per_pool"`
}

// Token carries pricing metadata for one token.
type Token struct {
	ChainID     uint64 `toml:"chain_id"`
	Address     string `toml:"address"`
	Symbol      string `toml:"symbol"`
	Decimals    int    `toml:"decimals"`
	CoingeckoID string `toml:"coingecko_id"`
	// Numeraire tokens (stables, majors) anchor DEX-derived pricing.
	Numeraire bool `toml:"numeraire"`
	// Deprecated tokens price at zero with a DEPRECATED provenance tag.
	Deprecated bool `toml:"deprecated"`
}

// Wallet is a tracked wallet for the daily balance snapshot.
type Wallet struct {
	ChainID uint64 `toml:"chain_id"`
	Address string `toml:"address"`
	Label   string `toml:"label"`
}

// Topology is the static multi-chain layout parsed from the TOML file.
type Topology struct {
	Chains        []Chain        `toml:"chain"`
	Pools         []Pool         `toml:"pool"`
	Subscriptions []Subscription `toml:"subscription"`
	Tokens        []Token        `toml:"token"`
	Wallets       []Wallet       `toml:"wallet"`
}

// LoadTopology parses and validates the topology file, applying Env overrides
// for RPC endpoints and confirmation depths.
func LoadTopology(path string, env *Env) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var t Topology
	if err := toml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if env != nil {
		for i := range t.Chains {
			c := &t.Chains[i]
			if urls, ok := env.RPCURLs[c.ID]; ok {
				c.RPCURLs = urls
			}
			if depth, ok := env.ConfirmationDepths[c.ID]; ok {
				c.ConfirmationDepth = depth
			}
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) validate() error {
	chains := make(map[uint64]bool, len(t.Chains))
	for _, c := range t.Chains {
		if c.ID == 0 {
			return fmt.Errorf("chain %q: missing id", c.Name)
		}
		if chains[c.ID] {
			return fmt.Errorf("chain id %d declared twice", c.ID)
		}
		if len(c.RPCURLs) == 0 {
			return fmt.Errorf("chain %d (%s): no rpc endpoints", c.ID, c.Name)
		}
		if c.AvgBlockTime <= 0 {
			return fmt.Errorf("chain %d: avg_block_time_seconds must be positive", c.ID)
		}
		chains[c.ID] = true
	}
	seen := make(map[string]bool)
	for _, s := range t.Subscriptions {
		if !chains[s.ChainID] {
			return fmt.Errorf("subscription %q: unknown chain %d", s.Name, s.ChainID)
		}
		if !common.IsHexAddress(s.Address) {
			return fmt.Errorf("subscription %q: bad address %q", s.Name, s.Address)
		}
		key := fmt.Sprintf("%d/%s/%s", s.ChainID, common.HexToAddress(s.Address).Hex(), s.DecoderKey)
		if seen[key] {
			return fmt.Errorf("duplicate subscription %s", key)
		}
		seen[key] = true
		if s.Sharded && s.WorkersPerPool <= 0 {
			return fmt.Errorf("subscription %q: sharded but workers_per_pool unset", s.Name)
		}
	}
	for _, p := range t.Pools {
		if !chains[p.ChainID] {
			return fmt.Errorf("pool %d/%d: unknown chain", p.ChainID, p.PoolID)
		}
		for _, a := range []string{p.LPToken, p.Token0, p.Token1, p.MasterContract} {
			if !common.IsHexAddress(a) {
				return fmt.Errorf("pool %d/%d: bad address %q", p.ChainID, p.PoolID, a)
			}
		}
		if p.Version != PoolV1 && p.Version != PoolV2 {
			return fmt.Errorf("pool %d/%d: version must be V1 or V2", p.ChainID, p.PoolID)
		}
	}
	for _, tok := range t.Tokens {
		if !common.IsHexAddress(tok.Address) {
			return fmt.Errorf("token %s: bad address %q", tok.Symbol, tok.Address)
		}
	}
	return nil
}

// Chain returns the descriptor for the given chain id.
func (t *Topology) Chain(id uint64) (*Chain, bool) {
	for i := range t.Chains {
		if t.Chains[i].ID == id {
			return &t.Chains[i], true
		}
	}
	return nil, false
}

// PoolsOn returns the pools configured for a chain, all versions.
func (t *Topology) PoolsOn(chainID uint64) []Pool {
	var out []Pool
	for _, p := range t.Pools {
		if p.ChainID == chainID {
			out = append(out, p)
		}
	}
	return out
}

// TokenMeta looks up token metadata by address.
func (t *Topology) TokenMeta(chainID uint64, addr common.Address) (*Token, bool) {
	for i := range t.Tokens {
		tok := &t.Tokens[i]
		if tok.ChainID == chainID && common.HexToAddress(tok.Address) == addr {
			return tok, true
		}
	}
	return nil, false
}
