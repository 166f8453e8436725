// Package sync drives the ingestion pipeline: it drains the tick stream
// queue into micro-batches and flushes them to the deduplicating store.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
	"github.com/qubic/flow-tracer/metrics"
	"github.com/qubic/flow-tracer/retry"
	"go.uber.org/zap"
)

const flushTimeout = 30 * time.Second

// IngestStore is the deduplicating store the writer flushes into. Rows that
// share an identity key collapse to the most recently written version during
// background merges, so re-writing a batch after a crash is harmless.
type IngestStore interface {
	InsertTickEvents(ctx context.Context, ticks []domain.TickEvent) error
	InsertTransactions(ctx context.Context, txs []domain.Transaction) error
	InsertTransferLogs(ctx context.Context, logs []domain.Log) error
	SetLastFlushedTick(ctx context.Context, tick uint64) error
}

type BatchWriterConfig struct {
	// MaxRows triggers a flush once the total number of buffered rows across
	// all three buffers reaches it.
	MaxRows int
	// FlushInterval triggers a flush once this much time passed since the
	// last one, regardless of buffer size.
	FlushInterval time.Duration
	// MaxFlushAttempts bounds the flush retries. Exhausting them is fatal.
	MaxFlushAttempts int
	FlushBaseDelay   time.Duration
}

// BatchWriter buffers tick events and writes them to the store in bulk. One
// lock serializes all buffer mutation; flushing swaps the buffers out first,
// so ingestion keeps accumulating while the storage write is in flight.
type BatchWriter struct {
	store       IngestStore
	metrics     *metrics.Metrics
	logger      *zap.SugaredLogger
	config      BatchWriterConfig
	retryPolicy retry.Policy

	mutex        sync.Mutex
	ticks        []domain.TickEvent
	transactions []domain.Transaction
	logs         []domain.Log
	lastFlush    time.Time
	// highestTick is the highest buffered tick number so far. It is never
	// reset, the stored checkpoint only moves forward.
	highestTick uint64
}

func NewBatchWriter(store IngestStore, m *metrics.Metrics, logger *zap.SugaredLogger, config BatchWriterConfig) *BatchWriter {
	if config.MaxRows <= 0 {
		config.MaxRows = 10_000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.MaxFlushAttempts <= 0 {
		config.MaxFlushAttempts = 4
	}
	if config.FlushBaseDelay <= 0 {
		config.FlushBaseDelay = 2 * time.Second
	}
	return &BatchWriter{
		store:   store,
		metrics: m,
		logger:  logger,
		config:  config,
		retryPolicy: retry.Policy{
			MaxAttempts: config.MaxFlushAttempts,
			BaseDelay:   config.FlushBaseDelay,
			Multiplier:  2,
		},
		lastFlush: time.Now(),
	}
}

// Write buffers one tick event. A zero epoch is corrected from the sibling
// records before buffering, and every log row gets the input type of the
// transaction that produced it, logs do not carry it on their own.
func (w *BatchWriter) Write(event domain.TickEvent) {
	if event.NormalizeEpoch() {
		w.logger.Warnw("corrected zero epoch from sibling records", "tick", event.TickNumber, "epoch", event.Epoch)
	}
	deriveInputTypes(&event)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.ticks = append(w.ticks, event)
	w.transactions = append(w.transactions, event.Transactions...)
	w.logs = append(w.logs, event.Logs...)
	if event.TickNumber > w.highestTick {
		w.highestTick = event.TickNumber
	}
}

func deriveInputTypes(event *domain.TickEvent) {
	for i := range event.Transactions {
		tx := &event.Transactions[i]
		if tx.LogCount == 0 {
			continue
		}
		for _, l := range event.Logs {
			if tx.ProducedLog(l.Common().LogID) {
				l.SetInputType(tx.InputType)
			}
		}
	}
}

// Flush writes all buffered rows in bulk and advances the checkpoint to the
// highest buffered tick. The checkpoint moves only after every bulk write
// succeeded; a crash in between re-ingests the same batch and the store
// deduplicates the rewrite. An error means the retry policy is exhausted and
// the caller must stop the process, dropping an accumulated batch would
// leave a silent gap in the indexed history.
func (w *BatchWriter) Flush() error {
	w.mutex.Lock()
	ticks := w.ticks
	transactions := w.transactions
	logs := w.logs
	highestTick := w.highestTick
	w.ticks = nil
	w.transactions = nil
	w.logs = nil
	w.lastFlush = time.Now()
	w.mutex.Unlock()

	if len(ticks) == 0 && len(transactions) == 0 && len(logs) == 0 {
		return nil
	}

	// flushes run to completion or retry exhaustion, a cancelled run loop
	// must never leave a half-committed batch behind
	attempt := 0
	err := w.retryPolicy.Do(context.Background(), "flushing batch", func() error {
		attempt++
		if attempt > 1 {
			w.metrics.IncFlushRetries()
		}
		return w.writeBatch(ticks, transactions, logs, highestTick)
	})
	if err != nil {
		return errors.Wrapf(err, "flushing [%d] ticks up to tick [%d]", len(ticks), highestTick)
	}

	w.metrics.SetFlushedTick(highestTick)
	w.metrics.AddFlushedRows(len(ticks), len(transactions), len(logs))
	w.logger.Infow("flushed batch", "ticks", len(ticks), "transactions", len(transactions),
		"logs", len(logs), "lastTick", highestTick)
	return nil
}

func (w *BatchWriter) writeBatch(ticks []domain.TickEvent, transactions []domain.Transaction,
	logs []domain.Log, highestTick uint64) error {

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := w.store.InsertTickEvents(ctx, ticks); err != nil {
		return errors.Wrap(err, "inserting tick events")
	}
	if err := w.store.InsertTransactions(ctx, transactions); err != nil {
		return errors.Wrap(err, "inserting transactions")
	}
	if err := w.store.InsertTransferLogs(ctx, logs); err != nil {
		return errors.Wrap(err, "inserting transfer logs")
	}
	if err := w.store.SetLastFlushedTick(ctx, highestTick); err != nil {
		return errors.Wrap(err, "storing last flushed tick")
	}
	return nil
}

// Run drains the ingestion queue and applies the size and interval flush
// triggers until the context is cancelled. Remaining buffers are flushed
// before returning, so a clean shutdown loses nothing. The returned error is
// fatal, the process must stop rather than keep buffering into a store it
// cannot reach.
func (w *BatchWriter) Run(ctx context.Context, events <-chan domain.TickEvent) error {
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain(events)
			if err := w.Flush(); err != nil {
				return errors.Wrap(err, "flushing on shutdown")
			}
			return ctx.Err()
		case event := <-events:
			w.Write(event)
			if w.pendingRows() >= w.config.MaxRows {
				if err := w.Flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if w.flushDue() {
				if err := w.Flush(); err != nil {
					return err
				}
			}
		}
	}
}

// drain moves events already sitting in the queue into the buffers so the
// shutdown flush writes them. Events still in flight upstream are re-ingested
// from the checkpoint on the next start.
func (w *BatchWriter) drain(events <-chan domain.TickEvent) {
	for {
		select {
		case event := <-events:
			w.Write(event)
		default:
			return
		}
	}
}

func (w *BatchWriter) pendingRows() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.ticks) + len(w.transactions) + len(w.logs)
}

func (w *BatchWriter) flushDue() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.ticks)+len(w.transactions)+len(w.logs) == 0 {
		return false
	}
	return time.Since(w.lastFlush) >= w.config.FlushInterval
}
