// Package events defines the normalized event records the indexers produce
// and everything downstream (store, matcher, valuation, API) consumes.
// Records are immutable once written; consumers treat them as a set keyed by
// (chainId, txHash, logIndex).
package events

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Stream names one logical event table/partition.
const (
	StreamERC20Transfer  = "erc20_transfer"
	StreamNativeTransfer = "native_transfer"
	StreamPoolStake      = "pool_stake"
	StreamJewelerStake   = "jeweler_stake"
	StreamQuestReward    = "quest_reward"
	StreamLockedToken    = "locked_token"
	StreamBridge         = "bridge"
	StreamCombat         = "combat"
)

// Record is one decoded, chain-anchored event. The (ChainID, TxHash,
// LogIndex) triple is the identity used for exactly-once ingestion.
type Record struct {
	Stream    string
	ChainID   uint64
	Block     uint64
	BlockTime time.Time
	TxHash    common.Hash
	LogIndex  uint
	Contract  common.Address
	Topic0    common.Hash
	Payload   Payload
}

// Key returns the identity triple as a printable string, used in logs and
// de-duplication maps.
func (r *Record) Key() string {
	return fmt.Sprintf("%d/%s/%d", r.ChainID, r.TxHash.Hex(), r.LogIndex)
}

// Payload is the typed body of a record. Implementations are plain structs
// that serialize to the JSONB payload column.
type Payload interface {
	Kind() string
}

// Transfer is an ERC-20 transfer, or a synthetic record for a native-value
// transaction when Native is set (Token is then the zero address).
type Transfer struct {
	Token  common.Address `json:"token"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
	Native bool           `json:"native,omitempty"`
}

func (Transfer) Kind() string { return "transfer" }

// StakeDirection is the sign of an LP stake change.
type StakeDirection string

const (
	StakeDeposit           StakeDirection = "deposit"
	StakeWithdraw          StakeDirection = "withdraw"
	StakeEmergencyWithdraw StakeDirection = "emergency_withdraw"
)

// StakeChange is a Deposit/Withdraw against a Master Gardener pool or the
// Jeweler. Version tags which gardener generation emitted it.
type StakeChange struct {
	Wallet    common.Address `json:"wallet"`
	PoolID    uint64         `json:"poolId"`
	Amount    *big.Int       `json:"amount"`
	Direction StakeDirection `json:"direction"`
	Version   string         `json:"version"`
}

func (StakeChange) Kind() string { return "stake_change" }

// Reward is a claimed staking reward (SendGovernanceTokenReward and kin).
type Reward struct {
	Wallet common.Address `json:"wallet"`
	PoolID uint64         `json:"poolId"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
	Locked *big.Int       `json:"locked,omitempty"`
}

func (Reward) Kind() string { return "reward" }

// QuestReward is a gardening-quest reward mint attributed to a hero.
type QuestReward struct {
	QuestID uint64         `json:"questId"`
	HeroID  uint64         `json:"heroId"`
	Player  common.Address `json:"player"`
	Token   common.Address `json:"token"`
	Amount  *big.Int       `json:"amount"`
}

func (QuestReward) Kind() string { return "quest_reward" }

// LockedTokenAction distinguishes cJEWEL mints from burns.
type LockedTokenAction string

const (
	LockedMint LockedTokenAction = "mint"
	LockedBurn LockedTokenAction = "burn"
)

// LockedToken is a cJEWEL supply change, derived from Transfer events where
// one side is the zero address.
type LockedToken struct {
	Holder common.Address    `json:"holder"`
	Amount *big.Int          `json:"amount"`
	Action LockedTokenAction `json:"action"`
}

func (LockedToken) Kind() string { return "locked_token" }

// BridgeDirection tags bridge flow relative to the indexed chain.
type BridgeDirection string

const (
	BridgeIn  BridgeDirection = "IN"
	BridgeOut BridgeDirection = "OUT"
)

// Bridge is a normalized cross-chain transfer. USDValue and PricingSource are
// stamped by the valuation hook before commit; UNVALUED rows carry zero.
type Bridge struct {
	Direction     BridgeDirection `json:"direction"`
	Wallet        common.Address  `json:"wallet"`
	Token         common.Address  `json:"token"`
	Amount        *big.Int        `json:"amount"`
	USDValue      string          `json:"usdValue"`
	PricingSource string          `json:"pricingSource"`
}

func (Bridge) Kind() string { return "bridge" }

// Combat is a PvE or PvP activity/loot event.
type Combat struct {
	Mode       string         `json:"mode"` // "pve" or "pvp"
	Event      string         `json:"event"`
	Player     common.Address `json:"player"`
	HeroIDs    []uint64       `json:"heroIds,omitempty"`
	LootToken  common.Address `json:"lootToken,omitempty"`
	LootAmount *big.Int       `json:"lootAmount,omitempty"`
}

func (Combat) Kind() string { return "combat" }

// MarshalPayload serializes a payload together with its kind discriminator
// for the JSONB column.
func MarshalPayload(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Kind string          `json:"kind"`
		Body json.RawMessage `json:"body"`
	}{Kind: p.Kind(), Body: body})
}

// UnmarshalPayload reverses MarshalPayload.
func UnmarshalPayload(raw []byte) (Payload, error) {
	var env struct {
		Kind string          `json:"kind"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	var p Payload
	switch env.Kind {
	case "transfer":
		p = &Transfer{}
	case "stake_change":
		p = &StakeChange{}
	case "reward":
		p = &Reward{}
	case "quest_reward":
		p = &QuestReward{}
	case "locked_token":
		p = &LockedToken{}
	case "bridge":
		p = &Bridge{}
	case "combat":
		p = &Combat{}
	default:
		return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Body, p); err != nil {
		return nil, err
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Transfer:
		return *v
	case *StakeChange:
		return *v
	case *Reward:
		return *v
	case *QuestReward:
		return *v
	case *LockedToken:
		return *v
	case *Bridge:
		return *v
	case *Combat:
		return *v
	}
	return p
}
