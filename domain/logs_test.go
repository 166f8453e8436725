package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawLog_Decode_quTransfer(t *testing.T) {
	raw := RawLog{
		TickNumber:  15017100,
		Epoch:       142,
		LogID:       77,
		LogType:     uint32(LogTypeQuTransfer),
		TxHash:      "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Source:      "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		Destination: "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		Amount:      1000000,
	}

	log, err := raw.Decode()
	require.NoError(t, err)

	transfer, ok := log.(*QuTransferLog)
	require.True(t, ok)
	assert.Equal(t, LogTypeQuTransfer, transfer.Type())
	assert.Equal(t, uint64(15017100), transfer.TickNumber)
	assert.Equal(t, uint64(77), transfer.LogID)
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", transfer.Source)
	assert.Equal(t, "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", transfer.Destination)
	assert.Equal(t, int64(1000000), transfer.Amount)
}

func TestRawLog_Decode_assetVariants(t *testing.T) {
	testData := []struct {
		name     string
		logType  LogType
		expected LogType
	}{
		{name: "issuance", logType: LogTypeAssetIssuance, expected: LogTypeAssetIssuance},
		{name: "ownership change", logType: LogTypeAssetOwnershipChange, expected: LogTypeAssetOwnershipChange},
		{name: "possession change", logType: LogTypeAssetPossessionChange, expected: LogTypeAssetPossessionChange},
	}

	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			raw := RawLog{
				TickNumber:     100,
				LogID:          1,
				LogType:        uint32(test.logType),
				Issuer:         "CFBMEMZOIDEXQAUXYYSZIURADQLAPWPMNJXQSNVQZAHYVOPYUKKJBJUCTVJL",
				AssetName:      "QX",
				NumberOfShares: 676,
			}
			log, err := raw.Decode()
			require.NoError(t, err)
			assert.Equal(t, test.expected, log.Type())
			assert.Equal(t, uint64(100), log.Common().TickNumber)
		})
	}
}

func TestRawLog_Decode_burn(t *testing.T) {
	raw := RawLog{TickNumber: 5, LogID: 0, LogType: uint32(LogTypeBurn), Source: "SOURCE", Amount: 42}
	log, err := raw.Decode()
	require.NoError(t, err)

	burn, ok := log.(*BurnLog)
	require.True(t, ok)
	assert.Equal(t, int64(42), burn.Amount)
	assert.Equal(t, "SOURCE", burn.Source)
}

func TestRawLog_Decode_unknownType(t *testing.T) {
	raw := RawLog{LogType: 4711}
	_, err := raw.Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLogType)
}

func TestUnmarshalRawLogs_skipsUnknownTypes(t *testing.T) {
	data := []byte(`[
		{"tickNumber": 10, "logId": 0, "logType": 0, "sourceId": "A", "destId": "B", "amount": 5},
		{"tickNumber": 10, "logId": 1, "logType": 4711},
		{"tickNumber": 10, "logId": 2, "logType": 8, "sourceId": "A", "amount": 1}
	]`)

	logs, skipped, err := UnmarshalRawLogs(data)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, logs, 2)
	assert.Equal(t, LogTypeQuTransfer, logs[0].Type())
	assert.Equal(t, LogTypeBurn, logs[1].Type())
}
