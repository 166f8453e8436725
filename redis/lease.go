// Package redis implements the cross replica epoch lease on a shared redis
// instance.
package redis

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "flow-tracer:epoch-lease:"

// unlockScript deletes the lease only while it is still held by the caller.
// An expired lease that another replica grabbed in the meantime must not be
// removed.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// EpochLease guards an epoch with a ttl keyed entry so only one replica
// traces it at a time. The lease is an optimization, not a correctness
// requirement: a lost lease leads to a double traced window and the identity
// keyed tables deduplicate that.
type EpochLease struct {
	client *redis.Client
	holder string
	ttl    time.Duration
}

func NewEpochLease(addr, username, password string, ttl time.Duration) *EpochLease {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
	})
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "flow-tracer"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &EpochLease{
		client: client,
		holder: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		ttl:    ttl,
	}
}

// Acquire takes the lease for the epoch. A lease this process already holds
// is re-entered with a refreshed ttl, so a crash before the release does not
// block the epoch until expiry.
func (l *EpochLease) Acquire(ctx context.Context, epoch uint32) (bool, error) {
	key := leaseKey(epoch)
	acquired, err := l.client.SetNX(ctx, key, l.holder, l.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquiring lease for epoch [%d]", epoch)
	}
	if acquired {
		return true, nil
	}

	current, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil // expired in between, a later cycle gets it
	}
	if err != nil {
		return false, errors.Wrapf(err, "reading lease for epoch [%d]", epoch)
	}
	if current != l.holder {
		return false, nil
	}
	if err := l.client.Expire(ctx, key, l.ttl).Err(); err != nil {
		return false, errors.Wrapf(err, "refreshing lease for epoch [%d]", epoch)
	}
	return true, nil
}

func (l *EpochLease) Release(ctx context.Context, epoch uint32) error {
	err := unlockScript.Run(ctx, l.client, []string{leaseKey(epoch)}, l.holder).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "releasing lease for epoch [%d]", epoch)
	}
	return nil
}

func (l *EpochLease) Ping(ctx context.Context) error {
	return errors.Wrap(l.client.Ping(ctx).Err(), "pinging redis")
}

func (l *EpochLease) Close() error {
	return l.client.Close()
}

func leaseKey(epoch uint32) string {
	return fmt.Sprintf("%s%d", leaseKeyPrefix, epoch)
}
