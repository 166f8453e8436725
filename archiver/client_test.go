package archiver

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
	"github.com/qubic/go-archiver/protobuff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiverClient_convertStatus(t *testing.T) {
	archiverStatus := &protobuff.GetStatusResponse{
		LastProcessedTick: &protobuff.ProcessedTick{
			TickNumber: 123456,
			Epoch:      123,
		},
		ProcessedTickIntervalsPerEpoch: []*protobuff.ProcessedTickIntervalsPerEpoch{
			{
				Epoch: 100,
				Intervals: []*protobuff.ProcessedTickInterval{
					{
						InitialProcessedTick: 1,
						LastProcessedTick:    1000,
					},
				},
			},
			{
				Epoch: 123,
				Intervals: []*protobuff.ProcessedTickInterval{
					{
						InitialProcessedTick: 10000,
						LastProcessedTick:    123456,
					},
				},
			},
		},
	}

	converted := convertStatus(archiverStatus)
	require.NotNil(t, converted)

	assert.Equal(t, &domain.Status{
		LatestEpoch: 123,
		LatestTick:  123456,
		TickIntervals: []domain.TickInterval{
			{
				Epoch: 100,
				From:  1,
				To:    1000,
			},
			{
				Epoch: 123,
				From:  10000,
				To:    123456,
			},
		},
	}, converted)
}

func TestArchiverClient_convertComputorList(t *testing.T) {
	computorList := &protobuff.Computors{
		Epoch:        150,
		Identities:   []string{"IDENTITY-ONE", "IDENTITY-TWO"},
		SignatureHex: "7369676e61747572650a",
	}

	data, err := convertComputorList(computorList)
	require.NoError(t, err)
	require.NotNil(t, data)

	assert.Equal(t, &domain.EpochComputors{
		Epoch:      150,
		Identities: []string{"IDENTITY-ONE", "IDENTITY-TWO"},
		Signature:  "c2lnbmF0dXJlCg==",
	}, data)
}

func TestArchiverClient_convertComputorList_givenEmptyList_thenNoError(t *testing.T) {
	computorList := &protobuff.Computors{}

	data, err := convertComputorList(computorList)
	assert.NoError(t, err)
	assert.NotNil(t, data)
	assert.Equal(t, &domain.EpochComputors{}, data)
}

func TestArchiverClient_convertComputorList_givenInvalidSignature_thenError(t *testing.T) {
	computorList := &protobuff.Computors{
		Epoch:        150,
		SignatureHex: "not-hex",
	}

	_, err := convertComputorList(computorList)
	assert.Error(t, err)
}

type FakeComputorsProvider struct {
	calls       int
	computors   *domain.EpochComputors
	shouldError bool
}

func (f *FakeComputorsProvider) GetEpochComputors(_ context.Context, _ uint32) (*domain.EpochComputors, error) {
	f.calls++
	if f.shouldError {
		return nil, errors.New("provider error")
	}
	return f.computors, nil
}

func TestComputorCache_GetEpochComputors(t *testing.T) {
	provider := &FakeComputorsProvider{
		computors: &domain.EpochComputors{
			Epoch:      150,
			Identities: []string{"IDENTITY-ONE"},
			Signature:  "c2lnbmF0dXJlCg==",
		},
	}
	cache := NewComputorCache(provider, time.Minute)

	computors, err := cache.GetEpochComputors(context.Background(), 150)
	require.NoError(t, err)
	assert.Equal(t, provider.computors, computors)

	computors, err = cache.GetEpochComputors(context.Background(), 150)
	require.NoError(t, err)
	assert.Equal(t, provider.computors, computors)

	assert.Equal(t, 1, provider.calls) // second call served from cache
}

func TestComputorCache_GetEpochComputors_givenProviderError_thenError(t *testing.T) {
	provider := &FakeComputorsProvider{shouldError: true}
	cache := NewComputorCache(provider, time.Minute)

	_, err := cache.GetEpochComputors(context.Background(), 150)
	assert.Error(t, err)
}
