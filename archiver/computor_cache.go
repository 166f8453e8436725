package archiver

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
)

type ComputorsProvider interface {
	GetEpochComputors(ctx context.Context, epoch uint32) (*domain.EpochComputors, error)
}

// ComputorCache caches the computor identity list per epoch. The list does not
// change within an epoch so a generous ttl is fine; the ttl mainly bounds how
// long a stale list for the current epoch survives an epoch change seen late.
type ComputorCache struct {
	provider ComputorsProvider
	cache    *ttlcache.Cache[uint32, *domain.EpochComputors]
	mutex    sync.Mutex
}

func NewComputorCache(provider ComputorsProvider, ttl time.Duration) *ComputorCache {
	cache := ttlcache.New[uint32, *domain.EpochComputors](
		ttlcache.WithTTL[uint32, *domain.EpochComputors](ttl),
		ttlcache.WithDisableTouchOnHit[uint32, *domain.EpochComputors](),
	)
	go cache.Start()
	return &ComputorCache{
		provider: provider,
		cache:    cache,
	}
}

func (c *ComputorCache) GetEpochComputors(ctx context.Context, epoch uint32) (*domain.EpochComputors, error) {
	item := c.cache.Get(epoch)
	if item == nil {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		item = c.cache.Get(epoch) // check again, someone else might have populated it
		if item == nil {
			computors, err := c.provider.GetEpochComputors(ctx, epoch)
			if err != nil {
				return nil, errors.Wrapf(err, "fetching computor list for epoch [%d]", epoch)
			}
			item = c.cache.Set(epoch, computors, ttlcache.DefaultTTL)
		}
	}
	return item.Value(), nil
}
