//go:build !ci
// +build !ci

package archiver

import (
	"context"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

const url = "localhost:8010"

func TestClient_GetStatus(t *testing.T) {

	client, err := NewClient(url)
	assert.NoError(t, err)

	status, err := client.GetStatus(context.Background())
	assert.NoError(t, err)

	log.Printf("Status: %+v", status)
	assert.NotNil(t, status)
	assert.NotEmpty(t, status.TickIntervals)
	assert.Greater(t, status.LatestTick, uint64(0))
}

func TestClient_GetEpochComputors(t *testing.T) {

	client, err := NewClient(url)
	assert.NoError(t, err)

	epochComputors, err := client.GetEpochComputors(context.Background(), 150)
	assert.NoError(t, err)
	assert.NotNil(t, epochComputors)

	assert.Equal(t, uint32(150), epochComputors.Epoch)
	assert.Equal(t, 676, len(epochComputors.Identities))
	assert.NotEmpty(t, epochComputors.Signature)
}
