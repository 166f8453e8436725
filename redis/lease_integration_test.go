package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupLeases starts a redis container and returns two leases with distinct
// holders, standing in for two replicas.
func setupLeases(t *testing.T, ttl time.Duration) (*EpochLease, *EpochLease) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
			wait.ForListeningPort("6379/tcp"),
		),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	addr := fmt.Sprintf("%s:%s", host, port.Port())
	first := NewEpochLease(addr, "", "", ttl)
	second := NewEpochLease(addr, "", "", ttl)
	second.holder = "other-replica"
	t.Cleanup(func() {
		_ = first.Close()
		_ = second.Close()
	})

	require.NoError(t, first.Ping(ctx))
	return first, second
}

func TestEpochLease_Acquire_givenHeldLease_thenOtherHolderRejected(t *testing.T) {
	first, second := setupLeases(t, time.Minute)
	ctx := context.Background()

	acquired, err := first.Acquire(ctx, 150)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = second.Acquire(ctx, 150)
	require.NoError(t, err)
	assert.False(t, acquired)

	// an unrelated epoch is free
	acquired, err = second.Acquire(ctx, 151)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestEpochLease_Acquire_givenOwnLease_thenReentered(t *testing.T) {
	first, _ := setupLeases(t, time.Minute)
	ctx := context.Background()

	acquired, err := first.Acquire(ctx, 150)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = first.Acquire(ctx, 150)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestEpochLease_Release_thenOtherHolderCanAcquire(t *testing.T) {
	first, second := setupLeases(t, time.Minute)
	ctx := context.Background()

	acquired, err := first.Acquire(ctx, 150)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, first.Release(ctx, 150))

	acquired, err = second.Acquire(ctx, 150)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestEpochLease_Release_givenExpiredAndTakenOver_thenNotStolen(t *testing.T) {
	first, second := setupLeases(t, 100*time.Millisecond)
	ctx := context.Background()

	acquired, err := first.Acquire(ctx, 150)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(200 * time.Millisecond) // let the lease expire

	acquired, err = second.Acquire(ctx, 150)
	require.NoError(t, err)
	require.True(t, acquired)

	// the stale release must not remove the new holder's lease
	require.NoError(t, first.Release(ctx, 150))
	acquired, err = first.Acquire(ctx, 150)
	require.NoError(t, err)
	assert.False(t, acquired)
}
