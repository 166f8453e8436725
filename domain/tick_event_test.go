package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickEvent_NormalizeEpoch(t *testing.T) {
	event := TickEvent{
		TickNumber:   15017100,
		Epoch:        0,
		Transactions: []Transaction{{Hash: "abc", Epoch: 0}, {Hash: "def", Epoch: 142}},
	}

	corrected := event.NormalizeEpoch()
	assert.True(t, corrected)
	assert.Equal(t, uint32(142), event.Epoch)
}

func TestTickEvent_NormalizeEpoch_fromLogs(t *testing.T) {
	event := TickEvent{
		TickNumber: 15017100,
		Epoch:      0,
		Logs: []Log{
			&QuTransferLog{LogCommon: LogCommon{TickNumber: 15017100, Epoch: 142, LogID: 0}},
		},
	}

	corrected := event.NormalizeEpoch()
	assert.True(t, corrected)
	assert.Equal(t, uint32(142), event.Epoch)
}

func TestTickEvent_NormalizeEpoch_noSiblingEpoch(t *testing.T) {
	event := TickEvent{TickNumber: 1, Epoch: 0}
	assert.False(t, event.NormalizeEpoch())
	assert.Equal(t, uint32(0), event.Epoch)
}

func TestTickEvent_NormalizeEpoch_alreadySet(t *testing.T) {
	event := TickEvent{TickNumber: 1, Epoch: 99, Transactions: []Transaction{{Epoch: 100}}}
	assert.False(t, event.NormalizeEpoch())
	assert.Equal(t, uint32(99), event.Epoch)
}

func TestTransaction_ProducedLog(t *testing.T) {
	tx := Transaction{Hash: "abc", FirstLogID: 10, LogCount: 3}

	assert.False(t, tx.ProducedLog(9))
	assert.True(t, tx.ProducedLog(10))
	assert.True(t, tx.ProducedLog(12))
	assert.False(t, tx.ProducedLog(13))

	empty := Transaction{Hash: "def"}
	assert.False(t, empty.ProducedLog(0))
}

func TestStatus_IntervalForEpoch(t *testing.T) {
	status := Status{
		TickIntervals: []TickInterval{
			{Epoch: 141, From: 14000000, To: 14999999},
			{Epoch: 142, From: 15000000, To: 15400000},
			{Epoch: 142, From: 15400101, To: 15500000},
		},
	}

	from, to, ok := status.IntervalForEpoch(142)
	assert.True(t, ok)
	assert.Equal(t, uint64(15000000), from)
	assert.Equal(t, uint64(15500000), to)

	_, _, ok = status.IntervalForEpoch(77)
	assert.False(t, ok)
}
