package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type MockKafkaClient struct {
	mutex       sync.Mutex
	records     []*kgo.Record
	shouldError bool
}

func (mkc *MockKafkaClient) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	if mkc.shouldError {
		go promise(r, errors.New("dummy error"))
		return
	}
	mkc.mutex.Lock()
	mkc.records = append(mkc.records, r)
	mkc.mutex.Unlock()
	go promise(r, nil)
}

func (mkc *MockKafkaClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var results kgo.ProduceResults
	for _, r := range rs {
		if mkc.shouldError {
			results = append(results, kgo.ProduceResult{Record: r, Err: errors.New("dummy error")})
			continue
		}
		mkc.mutex.Lock()
		mkc.records = append(mkc.records, r)
		mkc.mutex.Unlock()
		results = append(results, kgo.ProduceResult{Record: r, Err: nil})
	}
	return results
}

func (mkc *MockKafkaClient) produced() []*kgo.Record {
	mkc.mutex.Lock()
	defer mkc.mutex.Unlock()
	return append([]*kgo.Record{}, mkc.records...)
}

func testHop(epoch uint32, logID uint64) *domain.FlowHop {
	return &domain.FlowHop{
		EmissionEpoch:      epoch,
		OriginAddress:      "COMPUTOR",
		HopLevel:           1,
		TickNumber:         1200,
		LogID:              logID,
		TxHash:             "tx-hash",
		SourceAddress:      "COMPUTOR",
		DestinationAddress: "DEST",
		Amount:             400,
		DestinationType:    domain.DestinationTypeIntermediary,
	}
}

func TestClient_PublishFlowHops(t *testing.T) {
	mkc := &MockKafkaClient{}
	client := NewClient(mkc, "qubic-flow-hops", "qubic-flow-summaries", zap.NewNop().Sugar())

	hops := []*domain.FlowHop{testHop(150, 1), testHop(150, 2)}
	err := client.PublishFlowHops(context.Background(), hops)
	require.NoError(t, err)

	records := mkc.produced()
	require.Len(t, records, 2)
	assert.Equal(t, "qubic-flow-hops", records[0].Topic)

	expectedKey := make([]byte, 4)
	binary.LittleEndian.PutUint32(expectedKey, 150)
	assert.Equal(t, expectedKey, records[0].Key)

	var decoded domain.FlowHop
	require.NoError(t, json.Unmarshal(records[0].Value, &decoded))
	assert.Equal(t, *hops[0], decoded)
}

func TestClient_PublishFlowHops_givenEmptyBatch_thenNoRecords(t *testing.T) {
	mkc := &MockKafkaClient{}
	client := NewClient(mkc, "qubic-flow-hops", "qubic-flow-summaries", zap.NewNop().Sugar())

	err := client.PublishFlowHops(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, mkc.produced())
}

func TestClient_PublishFlowHops_givenProduceError_thenError(t *testing.T) {
	mkc := &MockKafkaClient{shouldError: true}
	client := NewClient(mkc, "qubic-flow-hops", "qubic-flow-summaries", zap.NewNop().Sugar())

	err := client.PublishFlowHops(context.Background(), []*domain.FlowHop{testHop(150, 1), testHop(150, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[2] of [2] failed")
}

func TestClient_PublishEpochSummary(t *testing.T) {
	mkc := &MockKafkaClient{}
	client := NewClient(mkc, "qubic-flow-hops", "qubic-flow-summaries", zap.NewNop().Sugar())

	summary := &domain.EpochFlowSummary{
		Epoch:          150,
		TotalEmission:  1_000_000,
		TotalOutflow:   1_000_000,
		TerminalTotal:  400_000,
		TerminalByHop:  []int64{400_000, 0, 0, 0, 0, 0},
		NetPending:     600_000,
		ComputedAtTick: 1500,
	}
	err := client.PublishEpochSummary(context.Background(), summary)
	require.NoError(t, err)

	records := mkc.produced()
	require.Len(t, records, 1)
	assert.Equal(t, "qubic-flow-summaries", records[0].Topic)

	var decoded domain.EpochFlowSummary
	require.NoError(t, json.Unmarshal(records[0].Value, &decoded))
	assert.Equal(t, *summary, decoded)
}

func TestClient_PublishEpochSummary_givenProduceError_thenError(t *testing.T) {
	mkc := &MockKafkaClient{shouldError: true}
	client := NewClient(mkc, "qubic-flow-hops", "qubic-flow-summaries", zap.NewNop().Sugar())

	err := client.PublishEpochSummary(context.Background(), &domain.EpochFlowSummary{Epoch: 150})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "producing epoch summary record")
}
