package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestPayloadEnvelopeCarriesKind(t *testing.T) {
	in := Transfer{
		Token:  common.HexToAddress("0x01"),
		From:   common.HexToAddress("0x02"),
		To:     common.HexToAddress("0x03"),
		Amount: big.NewInt(42),
	}
	raw, err := MarshalPayload(in)
	require.NoError(t, err)

	out, err := UnmarshalPayload(raw)
	require.NoError(t, err)
	got, ok := out.(Transfer)
	require.True(t, ok, "payload deserializes to its value type")
	require.Equal(t, in.From, got.From)
	require.Equal(t, int64(42), got.Amount.Int64())
}

func TestUnmarshalPayloadUnknownKind(t *testing.T) {
	_, err := UnmarshalPayload([]byte(`{"kind":"teleport","body":{}}`))
	require.Error(t, err)
}

func TestRecordKeyIsStablePerLog(t *testing.T) {
	a := &Record{ChainID: 1, TxHash: common.HexToHash("0xaa"), LogIndex: 3}
	b := &Record{ChainID: 1, TxHash: common.HexToHash("0xaa"), LogIndex: 3}
	c := &Record{ChainID: 1, TxHash: common.HexToHash("0xaa"), LogIndex: 4}
	require.Equal(t, a.Key(), b.Key())
	require.NotEqual(t, a.Key(), c.Key())
}
