package indexer

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Contract ABIs, trimmed to the events whose data the decoders unpack through
// the ABI machinery. Transfer and gardener events carry one or two fixed
// 32-byte words and are unpacked by hand.

const questCoreABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"questId","type":"uint256"},
		{"indexed":true,"name":"player","type":"address"},
		{"indexed":false,"name":"heroId","type":"uint256"},
		{"indexed":false,"name":"rewardItem","type":"address"},
		{"indexed":false,"name":"itemQuantity","type":"uint256"}],
	 "name":"QuestReward","type":"event"}
]`

const bridgeABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"chainId","type":"uint256"},
		{"indexed":false,"name":"token","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}],
	 "name":"TokenDeposit","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"token","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"fee","type":"uint256"},
		{"indexed":true,"name":"kappa","type":"bytes32"}],
	 "name":"TokenWithdraw","type":"event"}
]`

const combatABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"encounterId","type":"uint256"},
		{"indexed":true,"name":"player","type":"address"},
		{"indexed":false,"name":"heroIds","type":"uint256[]"}],
	 "name":"EncounterStarted","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"encounterId","type":"uint256"},
		{"indexed":true,"name":"player","type":"address"},
		{"indexed":false,"name":"won","type":"bool"},
		{"indexed":false,"name":"lootToken","type":"address"},
		{"indexed":false,"name":"lootAmount","type":"uint256"}],
	 "name":"EncounterResolved","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"duelId","type":"uint256"},
		{"indexed":true,"name":"winner","type":"address"},
		{"indexed":true,"name":"loser","type":"address"},
		{"indexed":false,"name":"wager","type":"uint256"}],
	 "name":"DuelCompleted","type":"event"}
]`

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

var (
	questAbi  = mustABI(questCoreABI)
	bridgeAbi = mustABI(bridgeABI)
	combatAbi = mustABI(combatABI)
)

// topic0 hashes for every event the registry handles.
var (
	TopicTransfer          = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	TopicDeposit           = crypto.Keccak256Hash([]byte("Deposit(address,uint256,uint256)"))
	TopicWithdraw          = crypto.Keccak256Hash([]byte("Withdraw(address,uint256,uint256)"))
	TopicEmergencyWithdraw = crypto.Keccak256Hash([]byte("EmergencyWithdraw(address,uint256,uint256)"))
	TopicGovTokenReward    = crypto.Keccak256Hash([]byte("SendGovernanceTokenReward(address,uint256,uint256,uint256)"))
	TopicQuestReward       = crypto.Keccak256Hash([]byte("QuestReward(uint256,address,uint256,address,uint256)"))
	TopicTokenDeposit      = crypto.Keccak256Hash([]byte("TokenDeposit(address,uint256,address,uint256)"))
	TopicTokenWithdraw     = crypto.Keccak256Hash([]byte("TokenWithdraw(address,address,uint256,uint256,bytes32)"))
	TopicEncounterStarted  = crypto.Keccak256Hash([]byte("EncounterStarted(uint256,address,uint256[])"))
	TopicEncounterResolved = crypto.Keccak256Hash([]byte("EncounterResolved(uint256,address,bool,address,uint256)"))
	TopicDuelCompleted     = crypto.Keccak256Hash([]byte("DuelCompleted(uint256,address,address,uint256)"))
)

func topicAddress(t common.Hash) common.Address {
	return common.BytesToAddress(t.Bytes()[12:])
}
