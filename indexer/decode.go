package indexer

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gardenwatch/gardenwatch/events"
)

// Decoder keys, referenced from the topology file.
const (
	DecoderERC20Transfer = "erc20_transfer"
	DecoderGardenerV1    = "gardener_v1"
	DecoderGardenerV2    = "gardener_v2"
	DecoderJeweler       = "jeweler"
	DecoderQuestReward   = "quest_reward"
	DecoderBridge        = "bridge"
	DecoderCombat        = "combat"
)

// A Decoder turns a raw log into a normalized record. Decoders are pure and
// total over well-formed ABI data; malformed payloads come back as a
// *DecodeError, never a panic.
type Decoder func(lg *types.Log) (*events.Record, error)

// DecodeError marks a log whose payload does not match the expected ABI. The
// indexer logs it, counts it, and skips the record without skipping the
// block.
type DecodeError struct {
	Topic common.Hash
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed log for topic %s: %v", e.Topic.Hex(), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(lg *types.Log, format string, args ...interface{}) error {
	var topic common.Hash
	if len(lg.Topics) > 0 {
		topic = lg.Topics[0]
	}
	return &DecodeError{Topic: topic, Err: fmt.Errorf(format, args...)}
}

// Registry maps (contract | wildcard, topic0) to a decoder.
type Registry struct {
	exact    map[registryKey]Decoder
	wildcard map[common.Hash]Decoder
}

type registryKey struct {
	contract common.Address
	topic0   common.Hash
}

func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[registryKey]Decoder),
		wildcard: make(map[common.Hash]Decoder),
	}
}

// Register binds a decoder to one contract and topic.
func (r *Registry) Register(contract common.Address, topic0 common.Hash, d Decoder) {
	r.exact[registryKey{contract, topic0}] = d
}

// RegisterWildcard binds a decoder to a topic on any contract.
func (r *Registry) RegisterWildcard(topic0 common.Hash, d Decoder) {
	r.wildcard[topic0] = d
}

// Lookup resolves the decoder for a log, contract-specific entries first.
func (r *Registry) Lookup(contract common.Address, topic0 common.Hash) (Decoder, bool) {
	if d, ok := r.exact[registryKey{contract, topic0}]; ok {
		return d, true
	}
	d, ok := r.wildcard[topic0]
	return d, ok
}

// base fills the chain-anchoring fields shared by every decoder.
func base(stream string, lg *types.Log) *events.Record {
	var topic0 common.Hash
	if len(lg.Topics) > 0 {
		topic0 = lg.Topics[0]
	}
	return &events.Record{
		Stream:   stream,
		Block:    lg.BlockNumber,
		TxHash:   lg.TxHash,
		LogIndex: lg.Index,
		Contract: lg.Address,
		Topic0:   topic0,
	}
}

// DecodeERC20Transfer decodes a standard Transfer(address,address,uint256).
func DecodeERC20Transfer(lg *types.Log) (*events.Record, error) {
	if len(lg.Topics) != 3 {
		return nil, malformed(lg, "transfer wants 3 topics, got %d", len(lg.Topics))
	}
	if len(lg.Data) != 32 {
		return nil, malformed(lg, "transfer wants 32 data bytes, got %d", len(lg.Data))
	}
	rec := base(events.StreamERC20Transfer, lg)
	rec.Payload = events.Transfer{
		Token:  lg.Address,
		From:   topicAddress(lg.Topics[1]),
		To:     topicAddress(lg.Topics[2]),
		Amount: new(big.Int).SetBytes(lg.Data),
	}
	return rec, nil
}

// DecodeLockedToken classifies cJEWEL Transfer events: a zero-address sender
// is a mint, a zero-address receiver a burn. Ordinary holder-to-holder
// transfers do not change locked supply and decode to nil.
func DecodeLockedToken(lg *types.Log) (*events.Record, error) {
	rec, err := DecodeERC20Transfer(lg)
	if err != nil {
		return nil, err
	}
	t := rec.Payload.(events.Transfer)
	zero := common.Address{}
	var payload events.LockedToken
	switch {
	case t.From == zero && t.To == zero:
		return nil, nil
	case t.From == zero:
		payload = events.LockedToken{Holder: t.To, Amount: t.Amount, Action: events.LockedMint}
	case t.To == zero:
		payload = events.LockedToken{Holder: t.From, Amount: t.Amount, Action: events.LockedBurn}
	default:
		return nil, nil
	}
	rec.Stream = events.StreamLockedToken
	rec.Payload = payload
	return rec, nil
}

// gardenerDecoder decodes Master Gardener pool events for one contract
// generation. Both generations share the event shapes; the version tag keeps
// their stakes separable.
func gardenerDecoder(version string) Decoder {
	return func(lg *types.Log) (*events.Record, error) {
		if len(lg.Topics) != 3 {
			return nil, malformed(lg, "gardener event wants 3 topics, got %d", len(lg.Topics))
		}
		user := topicAddress(lg.Topics[1])
		pid := new(big.Int).SetBytes(lg.Topics[2].Bytes())
		if !pid.IsUint64() {
			return nil, malformed(lg, "pool id out of range")
		}
		rec := base(events.StreamPoolStake, lg)
		switch lg.Topics[0] {
		case TopicDeposit, TopicWithdraw, TopicEmergencyWithdraw:
			if len(lg.Data) != 32 {
				return nil, malformed(lg, "stake event wants 32 data bytes, got %d", len(lg.Data))
			}
			dir := events.StakeDeposit
			if lg.Topics[0] == TopicWithdraw {
				dir = events.StakeWithdraw
			} else if lg.Topics[0] == TopicEmergencyWithdraw {
				dir = events.StakeEmergencyWithdraw
			}
			rec.Payload = events.StakeChange{
				Wallet:    user,
				PoolID:    pid.Uint64(),
				Amount:    new(big.Int).SetBytes(lg.Data),
				Direction: dir,
				Version:   version,
			}
		case TopicGovTokenReward:
			if len(lg.Data) != 64 {
				return nil, malformed(lg, "reward event wants 64 data bytes, got %d", len(lg.Data))
			}
			rec.Payload = events.Reward{
				Wallet: user,
				PoolID: pid.Uint64(),
				Amount: new(big.Int).SetBytes(lg.Data[:32]),
				Locked: new(big.Int).SetBytes(lg.Data[32:64]),
			}
		default:
			return nil, malformed(lg, "unexpected gardener topic")
		}
		return rec, nil
	}
}

// DecodeQuestReward decodes a gardening-quest reward mint.
func DecodeQuestReward(lg *types.Log) (*events.Record, error) {
	if len(lg.Topics) != 3 {
		return nil, malformed(lg, "quest reward wants 3 topics, got %d", len(lg.Topics))
	}
	out, err := questAbi.Unpack("QuestReward", lg.Data)
	if err != nil {
		return nil, malformed(lg, "quest reward data: %v", err)
	}
	heroID, ok := out[0].(*big.Int)
	if !ok || !heroID.IsUint64() {
		return nil, malformed(lg, "hero id out of range")
	}
	rewardItem := out[1].(common.Address)
	quantity := out[2].(*big.Int)
	questID := new(big.Int).SetBytes(lg.Topics[1].Bytes())
	if !questID.IsUint64() {
		return nil, malformed(lg, "quest id out of range")
	}
	rec := base(events.StreamQuestReward, lg)
	rec.Payload = events.QuestReward{
		QuestID: questID.Uint64(),
		HeroID:  heroID.Uint64(),
		Player:  topicAddress(lg.Topics[2]),
		Token:   rewardItem,
		Amount:  quantity,
	}
	return rec, nil
}

// DecodeBridge decodes cross-chain transfer events: TokenDeposit leaves the
// chain (OUT), TokenWithdraw arrives on it (IN). USD valuation is stamped
// later by the valuation hook; rows start UNVALUED.
func DecodeBridge(lg *types.Log) (*events.Record, error) {
	if len(lg.Topics) < 2 {
		return nil, malformed(lg, "bridge event wants indexed recipient")
	}
	rec := base(events.StreamBridge, lg)
	wallet := topicAddress(lg.Topics[1])
	switch lg.Topics[0] {
	case TopicTokenDeposit:
		out, err := bridgeAbi.Unpack("TokenDeposit", lg.Data)
		if err != nil {
			return nil, malformed(lg, "token deposit data: %v", err)
		}
		rec.Payload = events.Bridge{
			Direction:     events.BridgeOut,
			Wallet:        wallet,
			Token:         out[1].(common.Address),
			Amount:        out[2].(*big.Int),
			USDValue:      "0",
			PricingSource: "UNVALUED",
		}
	case TopicTokenWithdraw:
		out, err := bridgeAbi.Unpack("TokenWithdraw", lg.Data)
		if err != nil {
			return nil, malformed(lg, "token withdraw data: %v", err)
		}
		rec.Payload = events.Bridge{
			Direction:     events.BridgeIn,
			Wallet:        wallet,
			Token:         out[0].(common.Address),
			Amount:        out[1].(*big.Int),
			USDValue:      "0",
			PricingSource: "UNVALUED",
		}
	default:
		return nil, malformed(lg, "unexpected bridge topic")
	}
	return rec, nil
}

// DecodeCombat decodes PvE encounter and PvP duel events.
func DecodeCombat(lg *types.Log) (*events.Record, error) {
	rec := base(events.StreamCombat, lg)
	switch lg.Topics[0] {
	case TopicEncounterStarted:
		if len(lg.Topics) != 3 {
			return nil, malformed(lg, "encounter start wants 3 topics")
		}
		out, err := combatAbi.Unpack("EncounterStarted", lg.Data)
		if err != nil {
			return nil, malformed(lg, "encounter start data: %v", err)
		}
		ids := out[0].([]*big.Int)
		heroIDs := make([]uint64, 0, len(ids))
		for _, id := range ids {
			if !id.IsUint64() {
				return nil, malformed(lg, "hero id out of range")
			}
			heroIDs = append(heroIDs, id.Uint64())
		}
		rec.Payload = events.Combat{
			Mode:    "pve",
			Event:   "encounter_started",
			Player:  topicAddress(lg.Topics[2]),
			HeroIDs: heroIDs,
		}
	case TopicEncounterResolved:
		if len(lg.Topics) != 3 {
			return nil, malformed(lg, "encounter result wants 3 topics")
		}
		out, err := combatAbi.Unpack("EncounterResolved", lg.Data)
		if err != nil {
			return nil, malformed(lg, "encounter result data: %v", err)
		}
		ev := "encounter_lost"
		if out[0].(bool) {
			ev = "encounter_won"
		}
		rec.Payload = events.Combat{
			Mode:       "pve",
			Event:      ev,
			Player:     topicAddress(lg.Topics[2]),
			LootToken:  out[1].(common.Address),
			LootAmount: out[2].(*big.Int),
		}
	case TopicDuelCompleted:
		if len(lg.Topics) != 4 {
			return nil, malformed(lg, "duel wants 4 topics")
		}
		out, err := combatAbi.Unpack("DuelCompleted", lg.Data)
		if err != nil {
			return nil, malformed(lg, "duel data: %v", err)
		}
		rec.Payload = events.Combat{
			Mode:       "pvp",
			Event:      "duel_won",
			Player:     topicAddress(lg.Topics[2]),
			LootAmount: out[0].(*big.Int),
		}
	default:
		return nil, malformed(lg, "unexpected combat topic")
	}
	return rec, nil
}

// DefaultRegistry wires every decoder key the topology file can reference.
func DefaultRegistry() map[string]func(r *Registry, contract common.Address) {
	return map[string]func(r *Registry, contract common.Address){
		DecoderERC20Transfer: func(r *Registry, c common.Address) {
			r.Register(c, TopicTransfer, DecodeERC20Transfer)
		},
		DecoderJeweler: func(r *Registry, c common.Address) {
			r.Register(c, TopicTransfer, DecodeLockedToken)
		},
		DecoderGardenerV1: func(r *Registry, c common.Address) {
			d := gardenerDecoder("V1")
			for _, t := range []common.Hash{TopicDeposit, TopicWithdraw, TopicEmergencyWithdraw, TopicGovTokenReward} {
				r.Register(c, t, d)
			}
		},
		DecoderGardenerV2: func(r *Registry, c common.Address) {
			d := gardenerDecoder("V2")
			for _, t := range []common.Hash{TopicDeposit, TopicWithdraw, TopicEmergencyWithdraw, TopicGovTokenReward} {
				r.Register(c, t, d)
			}
		},
		DecoderQuestReward: func(r *Registry, c common.Address) {
			r.Register(c, TopicQuestReward, DecodeQuestReward)
		},
		DecoderBridge: func(r *Registry, c common.Address) {
			r.Register(c, TopicTokenDeposit, DecodeBridge)
			r.Register(c, TopicTokenWithdraw, DecodeBridge)
		},
		DecoderCombat: func(r *Registry, c common.Address) {
			for _, t := range []common.Hash{TopicEncounterStarted, TopicEncounterResolved, TopicDuelCompleted} {
				r.Register(c, t, DecodeCombat)
			}
		},
	}
}

// TopicsFor returns the topic0 filter set a subscription with the given
// decoder key should scan for.
func TopicsFor(key string) []common.Hash {
	switch key {
	case DecoderERC20Transfer, DecoderJeweler:
		return []common.Hash{TopicTransfer}
	case DecoderGardenerV1, DecoderGardenerV2:
		return []common.Hash{TopicDeposit, TopicWithdraw, TopicEmergencyWithdraw, TopicGovTokenReward}
	case DecoderQuestReward:
		return []common.Hash{TopicQuestReward}
	case DecoderBridge:
		return []common.Hash{TopicTokenDeposit, TopicTokenWithdraw}
	case DecoderCombat:
		return []common.Hash{TopicEncounterStarted, TopicEncounterResolved, TopicDuelCompleted}
	}
	return nil
}

// BlockTimes caches header timestamps within one scan batch.
type BlockTimes map[uint64]time.Time
