// Package retry provides the backoff policy shared by stream resubscription
// and storage flushing.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Policy retries an operation with exponentially growing delays. MaxAttempts
// zero or negative means retry forever, which is what long-lived
// subscriptions want. Bounded policies return the last error wrapped once all
// attempts are used up.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Do runs op until it succeeds, the policy is exhausted or the context is
// cancelled. The first attempt runs immediately.
func (p Policy) Do(ctx context.Context, name string, op func() error) error {
	delay := p.BaseDelay
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return errors.Wrapf(err, "%s failed after [%d] attempts", name, attempt)
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%s aborted after [%d] attempts: %v", name, attempt, err)
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
