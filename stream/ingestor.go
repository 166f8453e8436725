package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/qubic/flow-tracer/domain"
	"github.com/qubic/flow-tracer/metrics"
	"go.uber.org/zap"
)

// Gaps larger than this are whole epoch ranges from a fresh start, not
// empty-tick suppression; they are logged but not recorded tick by tick.
const maxRecordedGap = 10_000

type TickStreamClient interface {
	Subscribe(ctx context.Context, startTick uint64) error
	Events() <-chan TickNotification
	Reconnected() <-chan struct{}
}

type SkippedTickStore interface {
	AddSkippedTicks(ticks []uint64) error
}

type IngestorConfig struct {
	// StartTick is the lowest tick to ingest on a fresh start. The caller
	// seeds it with checkpoint+1 when a checkpoint exists.
	StartTick uint64
	// RetryDelay is the fixed wait between failed subscribe attempts. The
	// service retries forever, only cancellation stops it.
	RetryDelay time.Duration
	// QueueSize bounds the outgoing event queue. A full queue blocks the
	// stream reads rather than dropping events.
	QueueSize int
}

// Ingestor drives the subscription: it picks the resume tick, subscribes,
// forwards events onto the bounded queue and resubscribes after transport
// reconnects. Resume point is always max(StartTick, lastForwarded+1), so an
// interruption never replays history but may redeliver the in-flight tick.
type Ingestor struct {
	client  TickStreamClient
	store   SkippedTickStore
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	config  IngestorConfig

	out           chan domain.TickEvent
	lastSource    atomic.Uint64
	lastForwarded atomic.Uint64
}

func NewIngestor(client TickStreamClient, store SkippedTickStore, m *metrics.Metrics,
	logger *zap.SugaredLogger, config IngestorConfig) *Ingestor {
	if config.QueueSize <= 0 {
		config.QueueSize = 128
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	return &Ingestor{
		client:  client,
		store:   store,
		metrics: m,
		logger:  logger,
		config:  config,
		out:     make(chan domain.TickEvent, config.QueueSize),
	}
}

// Events is the bounded tick queue consumed by the batch writer.
func (i *Ingestor) Events() <-chan domain.TickEvent {
	return i.out
}

// LastSourceTick returns the highest tick received from the stream, zero
// before the first event.
func (i *Ingestor) LastSourceTick() uint64 {
	return i.lastSource.Load()
}

// LastForwardedTick returns the highest tick forwarded downstream, zero
// before the first event.
func (i *Ingestor) LastForwardedTick() uint64 {
	return i.lastForwarded.Load()
}

// QueueLength returns the number of events waiting in the outgoing queue.
func (i *Ingestor) QueueLength() int {
	return len(i.out)
}

// Run subscribes and forwards until the context is cancelled. Transient
// subscribe errors are retried after a fixed delay, indefinitely.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		if err := i.client.Subscribe(ctx, i.resumeTick()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.logger.Warnw("subscribing to tick stream failed",
				"error", err, "retryDelay", i.config.RetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(i.config.RetryDelay):
			}
			continue
		}

		if err := i.forward(ctx); err != nil {
			return err
		}
		// connection was replaced, loop around and resubscribe
	}
}

func (i *Ingestor) resumeTick() uint64 {
	resume := i.lastForwarded.Load() + 1
	if i.config.StartTick > resume {
		resume = i.config.StartTick
	}
	return resume
}

func (i *Ingestor) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.client.Reconnected():
			i.logger.Infow("stream connection replaced, resubscribing", "resumeTick", i.resumeTick())
			return nil
		case notification := <-i.client.Events():
			event := notification.Event
			i.lastSource.Store(event.TickNumber)
			i.metrics.SetSourceTick(event.Epoch, event.TickNumber)
			if notification.SkippedLogs > 0 {
				i.logger.Warnw("dropped logs with unknown type",
					"tick", event.TickNumber, "count", notification.SkippedLogs)
			}

			i.recordGap(event.TickNumber)

			select {
			case i.out <- event:
				i.lastForwarded.Store(event.TickNumber)
				i.metrics.SetForwardedTick(event.TickNumber)
				i.metrics.SetQueueLength(len(i.out))
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// recordGap books ticks the upstream left out between the expected and the
// delivered tick. With empty tick suppression on these are the empty ticks.
func (i *Ingestor) recordGap(tick uint64) {
	expected := i.resumeTick()
	if tick <= expected {
		// in order, or a redelivered in-flight tick absorbed by dedup
		return
	}

	gap := tick - expected
	i.metrics.AddSkippedTicks(int(gap))
	if gap > maxRecordedGap {
		i.logger.Warnw("large tick gap not recorded tick by tick",
			"fromTick", expected, "toTick", tick-1, "count", gap)
		return
	}

	skipped := make([]uint64, 0, gap)
	for t := expected; t < tick; t++ {
		skipped = append(skipped, t)
	}
	if err := i.store.AddSkippedTicks(skipped); err != nil {
		i.logger.Errorw("recording skipped ticks failed", "error", err, "count", len(skipped))
	}
}
