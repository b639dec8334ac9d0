// Package config loads runtime configuration for gardenwatch. Operational
// settings (database, custodial wallets, production gating) come from the
// environment; the chain/pool/contract topology comes from a TOML file so
// that contract addresses are configuration, never code.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Env holds configuration read from environment variables.
type Env struct {
	DatabaseURL         string
	FallbackDatabaseURL string

	// ProductionMode gates indexer auto-start. In non-production the
	// scheduler registers indexers disabled and an operator enables them
	// through the admin API, so two dev instances never race on the same
	// checkpoint rows.
	ProductionMode bool

	// AdminToken guards the admin endpoints. Empty disables them.
	AdminToken string

	HTTPAddr string

	// RPCURLs maps chain id to its endpoint list, from CHAIN_<id>_RPC_URLS.
	RPCURLs map[uint64][]string

	// CustodialWallets maps chain id to the operator-controlled addresses
	// that receive user payments, from CUSTODIAL_WALLET_ADDRESSES.
	CustodialWallets map[uint64][]common.Address

	// ConfirmationDepths overrides the per-chain confirmation depth from
	// CONFIRMATION_DEPTH_<id>.
	ConfirmationDepths map[uint64]uint64
}

// FromEnv builds an Env from the process environment.
func FromEnv() (*Env, error) {
	e := &Env{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		FallbackDatabaseURL: os.Getenv("FALLBACK_DATABASE_URL"),
		AdminToken:          os.Getenv("ADMIN_TOKEN"),
		HTTPAddr:            os.Getenv("HTTP_ADDR"),
		RPCURLs:             make(map[uint64][]string),
		CustodialWallets:    make(map[uint64][]common.Address),
		ConfirmationDepths:  make(map[uint64]uint64),
	}
	if e.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	if e.HTTPAddr == "" {
		e.HTTPAddr = ":8547"
	}
	if v := os.Getenv("PRODUCTION_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("PRODUCTION_MODE: %w", err)
		}
		e.ProductionMode = b
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(name, "CHAIN_") && strings.HasSuffix(name, "_RPC_URLS"):
			id, err := chainIDFrom(name, "CHAIN_", "_RPC_URLS")
			if err != nil {
				return nil, err
			}
			e.RPCURLs[id] = splitList(value)
		case strings.HasPrefix(name, "CONFIRMATION_DEPTH_"):
			id, err := chainIDFrom(name, "CONFIRMATION_DEPTH_", "")
			if err != nil {
				return nil, err
			}
			depth, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			e.ConfirmationDepths[id] = depth
		}
	}
	if raw := os.Getenv("CUSTODIAL_WALLET_ADDRESSES"); raw != "" {
		// Format: "<chainId>:<addr>[,<chainId>:<addr>...]".
		for _, entry := range splitList(raw) {
			idPart, addrPart, ok := strings.Cut(entry, ":")
			if !ok {
				return nil, fmt.Errorf("CUSTODIAL_WALLET_ADDRESSES: malformed entry %q", entry)
			}
			id, err := strconv.ParseUint(idPart, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("CUSTODIAL_WALLET_ADDRESSES: %w", err)
			}
			if !common.IsHexAddress(addrPart) {
				return nil, fmt.Errorf("CUSTODIAL_WALLET_ADDRESSES: %q is not an address", addrPart)
			}
			e.CustodialWallets[id] = append(e.CustodialWallets[id], common.HexToAddress(addrPart))
		}
	}
	return e, nil
}

func chainIDFrom(name, prefix, suffix string) (uint64, error) {
	s := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad chain id %q", name, s)
	}
	return id, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
