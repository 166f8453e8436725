package trace

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/clickhouse"
	"github.com/qubic/flow-tracer/db"
	"github.com/qubic/flow-tracer/domain"
	"github.com/qubic/flow-tracer/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type FlowStore interface {
	InsertFlowHops(ctx context.Context, hops []*domain.FlowHop) error
	InsertTrackingStates(ctx context.Context, states []*domain.FlowTrackingState) error
	InsertComputorEmissions(ctx context.Context, emissions []*domain.ComputorEmission) error
	InsertEpochFlowSummary(ctx context.Context, summary *domain.EpochFlowSummary) error
	GetTrackingStates(ctx context.Context, epoch uint32) ([]*domain.FlowTrackingState, error)
	GetMaxProcessedTick(ctx context.Context, epoch uint32) (uint64, error)
	GetComputorEmissions(ctx context.Context, epoch uint32) ([]*domain.ComputorEmission, error)
	GetFlowHops(ctx context.Context, epoch uint32) ([]*domain.FlowHop, error)
	GetTransferLogsInRange(ctx context.Context, from, to uint64) ([]*domain.QuTransferLog, error)
	DeleteEpochFlowData(ctx context.Context, epoch uint32) error
	DeleteEpochsBelow(ctx context.Context, cutoff uint32) error
	ForceCompact(ctx context.Context) error
}

type CursorStore interface {
	SetTraceCursor(epoch uint32, tick uint64) error
	GetTraceCursor(epoch uint32) (uint64, error)
	DeleteTraceCursor(epoch uint32) error
	GetTraceCursorsForAllEpochs() (map[uint32]uint64, error)
	SetTraceDone(epoch uint32, done bool) error
	IsTraceDone(epoch uint32) (bool, error)
}

type ArchiveClient interface {
	GetStatus(ctx context.Context) (*domain.Status, error)
	GetEpochComputors(ctx context.Context, epoch uint32) (*domain.EpochComputors, error)
}

// CheckpointReader exposes the ingestion checkpoint. The tracer never scans
// past it, a tick is only traced once it is fully flushed.
type CheckpointReader interface {
	GetLastFlushedTick(ctx context.Context) (uint64, error)
}

type TerminalSetLoader interface {
	Load(ctx context.Context) (domain.TerminalSet, error)
}

type Publisher interface {
	PublishFlowHops(ctx context.Context, hops []*domain.FlowHop) error
	PublishEpochSummary(ctx context.Context, summary *domain.EpochFlowSummary) error
}

// EpochLease serializes epoch processing across replicas. A nil lease
// disables cross replica locking.
type EpochLease interface {
	Acquire(ctx context.Context, epoch uint32) (bool, error)
	Release(ctx context.Context, epoch uint32) error
}

type ProcessorConfig struct {
	// Interval is the pause between scheduling cycles.
	Interval time.Duration
	// Workers caps the number of epochs traced in parallel.
	Workers int
	// WindowSize caps the number of ticks one trace run scans.
	WindowSize uint64
	// RetentionEpochs is the number of recent epochs to keep raw and derived
	// rows for, zero disables retention. Epoch summaries are never deleted.
	RetentionEpochs uint32
	// Engine carries the per run engine settings.
	Engine EngineConfig
}

// Processor schedules trace runs. Every cycle it reads the archive status,
// walks all known epochs and advances each one by at most one window. The
// per epoch cursor, kept locally, only moves after the window's rows are
// persisted, so a crash replays the window and the identity keyed tables
// absorb the rewrite.
type Processor struct {
	flowStore   FlowStore
	cursors     CursorStore
	archive     ArchiveClient
	checkpoints CheckpointReader
	terminals   TerminalSetLoader
	publisher   Publisher
	lease       EpochLease
	config      ProcessorConfig
	metrics     *metrics.Metrics
	logger      *zap.SugaredLogger
}

func NewProcessor(flowStore FlowStore, cursors CursorStore, archive ArchiveClient,
	checkpoints CheckpointReader, terminals TerminalSetLoader, publisher Publisher,
	lease EpochLease, config ProcessorConfig, m *metrics.Metrics, logger *zap.SugaredLogger) *Processor {

	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.WindowSize == 0 {
		config.WindowSize = 1000
	}
	return &Processor{
		flowStore:   flowStore,
		cursors:     cursors,
		archive:     archive,
		checkpoints: checkpoints,
		terminals:   terminals,
		publisher:   publisher,
		lease:       lease,
		config:      config,
		metrics:     m,
		logger:      logger,
	}
}

func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := p.runCycle(ctx)
			if err != nil {
				p.logger.Errorw("trace cycle failed", "error", err)
			}
		}
	}
}

func (p *Processor) runCycle(ctx context.Context) error {
	status, err := p.archive.GetStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "getting archive status")
	}

	checkpoint, err := p.checkpoints.GetLastFlushedTick(ctx)
	if errors.Is(err, clickhouse.ErrNotFound) {
		return nil // nothing ingested yet
	}
	if err != nil {
		return errors.Wrap(err, "getting ingestion checkpoint")
	}

	terminals, err := p.terminals.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading terminal set")
	}

	var errorGroup errgroup.Group
	errorGroup.SetLimit(p.config.Workers)
	for _, epoch := range epochsOf(status) {
		errorGroup.Go(func() error {
			err := p.processEpoch(ctx, epoch, status, checkpoint, terminals)
			if err != nil {
				return errors.Wrapf(err, "processing epoch [%d]", epoch)
			}
			return nil
		})
	}
	if err := errorGroup.Wait(); err != nil {
		return err
	}

	return p.applyRetention(ctx, status.LatestEpoch)
}

func (p *Processor) processEpoch(ctx context.Context, epoch uint32, status *domain.Status,
	checkpoint uint64, terminals domain.TerminalSet) error {

	done, err := p.cursors.IsTraceDone(epoch)
	if err != nil {
		return errors.Wrap(err, "reading trace done flag")
	}
	if done {
		return nil
	}

	if p.lease != nil {
		acquired, err := p.lease.Acquire(ctx, epoch)
		if err != nil {
			return errors.Wrap(err, "acquiring epoch lease")
		}
		if !acquired {
			p.logger.Debugw("epoch is traced elsewhere", "epoch", epoch)
			return nil
		}
		defer func() {
			releaseErr := p.lease.Release(context.Background(), epoch)
			if releaseErr != nil {
				p.logger.Errorw("releasing epoch lease", "epoch", epoch, "error", releaseErr)
			}
		}()
	}

	epochStart, epochEnd, ok := status.IntervalForEpoch(epoch)
	if !ok || epochStart == 0 {
		return errors.Errorf("no usable tick interval for epoch [%d]", epoch)
	}

	cursor, err := p.cursors.GetTraceCursor(epoch)
	if errors.Is(err, db.ErrNotFound) {
		cursor = epochStart - 1
	} else if err != nil {
		return errors.Wrap(err, "reading trace cursor")
	}

	// A crash between persisting a window and writing the cursor leaves the
	// flow tables ahead of the cursor. Trust the tables and catch up, a
	// rescan of already applied ticks would double count them.
	maxProcessed, err := p.flowStore.GetMaxProcessedTick(ctx, epoch)
	if err != nil {
		return errors.Wrap(err, "getting max processed tick")
	}
	if maxProcessed > cursor {
		p.logger.Infow("advancing cursor to persisted rows", "epoch", epoch, "cursor", cursor, "tick", maxProcessed)
		if err := p.cursors.SetTraceCursor(epoch, maxProcessed); err != nil {
			return errors.Wrap(err, "advancing trace cursor")
		}
		cursor = maxProcessed
	}

	windowStart := cursor + 1
	windowEnd := min(checkpoint, cursor+p.config.WindowSize)
	if windowEnd < windowStart {
		return nil // ingestion has not reached this window yet
	}

	return p.traceWindow(ctx, epoch, windowStart, windowEnd, epochEnd, terminals)
}

func (p *Processor) traceWindow(ctx context.Context, epoch uint32, windowStart, windowEnd, epochEnd uint64,
	terminals domain.TerminalSet) error {

	started := time.Now()

	computors, err := p.archive.GetEpochComputors(ctx, epoch)
	if err != nil {
		return errors.Wrap(err, "getting computor list")
	}
	states, err := p.flowStore.GetTrackingStates(ctx, epoch)
	if err != nil {
		return errors.Wrap(err, "loading tracking states")
	}
	logs, err := p.flowStore.GetTransferLogsInRange(ctx, windowStart, windowEnd)
	if err != nil {
		return errors.Wrap(err, "loading transfer logs")
	}

	engine := NewEngine(epoch, p.config.Engine, terminals, computors.Identities, states)
	result := engine.ProcessWindow(logs, windowEnd)
	p.warnUnsettledRows(epoch, engine)

	if !result.Empty() {
		err := p.persistAndPublish(ctx, epoch, windowEnd, result)
		if err != nil {
			return err
		}
		p.logger.Infow("traced window", "epoch", epoch, "from", windowStart, "to", windowEnd,
			"emissions", len(result.Emissions), "hops", len(result.Hops), "states", len(result.States))
	} else {
		p.logger.Debugw("window without flow activity", "epoch", epoch, "from", windowStart, "to", windowEnd)
	}

	if err := p.cursors.SetTraceCursor(epoch, windowEnd); err != nil {
		return errors.Wrap(err, "storing trace cursor")
	}

	p.metrics.SetTracedTick(epoch, windowEnd)
	p.metrics.AddHops(len(result.Hops))
	p.metrics.IncTraceRuns()
	p.metrics.SetTraceDuration(time.Since(started).Seconds())

	return p.finishIfDone(epoch, windowEnd, epochEnd, engine)
}

// persistAndPublish writes the window's rows and forwards them downstream.
// Hops are published before the state rows are written: if the publish fails
// the cursor stays put, the window re-runs and the deterministic engine
// regenerates the exact same rows, which the identity keyed tables and the
// downstream consumers deduplicate.
func (p *Processor) persistAndPublish(ctx context.Context, epoch uint32, windowEnd uint64, result WindowResult) error {
	if err := p.flowStore.InsertComputorEmissions(ctx, result.Emissions); err != nil {
		return errors.Wrap(err, "inserting emissions")
	}
	if err := p.flowStore.InsertFlowHops(ctx, result.Hops); err != nil {
		return errors.Wrap(err, "inserting flow hops")
	}
	if err := p.publisher.PublishFlowHops(ctx, result.Hops); err != nil {
		p.metrics.IncPublishErrors()
		return errors.Wrap(err, "publishing flow hops")
	}
	if err := p.flowStore.InsertTrackingStates(ctx, result.States); err != nil {
		return errors.Wrap(err, "inserting tracking states")
	}

	summary, err := p.computeSummary(ctx, epoch, windowEnd)
	if err != nil {
		return err
	}
	if err := p.flowStore.InsertEpochFlowSummary(ctx, summary); err != nil {
		return errors.Wrap(err, "inserting epoch summary")
	}
	if err := p.publisher.PublishEpochSummary(ctx, summary); err != nil {
		p.metrics.IncPublishErrors()
		return errors.Wrap(err, "publishing epoch summary")
	}
	return nil
}

// computeSummary aggregates over the stored rows, not over the engine's
// working set. The stored rows span all windows of the epoch and a recompute
// from them heals any earlier partial write.
func (p *Processor) computeSummary(ctx context.Context, epoch uint32, windowEnd uint64) (*domain.EpochFlowSummary, error) {
	emissions, err := p.flowStore.GetComputorEmissions(ctx, epoch)
	if err != nil {
		return nil, errors.Wrap(err, "loading emissions for summary")
	}
	states, err := p.flowStore.GetTrackingStates(ctx, epoch)
	if err != nil {
		return nil, errors.Wrap(err, "loading states for summary")
	}
	hops, err := p.flowStore.GetFlowHops(ctx, epoch)
	if err != nil {
		return nil, errors.Wrap(err, "loading hops for summary")
	}
	return ComputeSummary(epoch, p.config.Engine.MaxHopDepth, windowEnd, emissions, states, hops), nil
}

func (p *Processor) finishIfDone(epoch uint32, windowEnd, epochEnd uint64, engine *Engine) error {
	if windowEnd < epochEnd || !engine.AllComplete() {
		return nil
	}
	if err := p.cursors.SetTraceDone(epoch, true); err != nil {
		return errors.Wrap(err, "setting trace done flag")
	}
	p.logger.Infow("epoch fully traced", "epoch", epoch, "tick", windowEnd)
	return nil
}

func (p *Processor) warnUnsettledRows(epoch uint32, engine *Engine) {
	for _, state := range engine.AllStates() {
		if state.Settled() {
			continue
		}
		// kept as is on purpose, a corrected row would hide the underlying
		// data problem
		p.metrics.IncNegativePending()
		p.logger.Warnw("tracking row out of balance", "epoch", epoch,
			"address", state.Address, "origin", state.OriginAddress,
			"received", state.ReceivedAmount, "sent", state.SentAmount, "pending", state.PendingAmount)
	}
}

// applyRetention deletes raw and derived rows of epochs older than the
// retention horizon, once every one of them is fully traced. The trace done
// flags survive the deletion so the scheduler keeps skipping the removed
// epochs.
func (p *Processor) applyRetention(ctx context.Context, latestEpoch uint32) error {
	if p.config.RetentionEpochs == 0 || latestEpoch <= p.config.RetentionEpochs {
		return nil
	}
	cutoff := latestEpoch - p.config.RetentionEpochs

	cursors, err := p.cursors.GetTraceCursorsForAllEpochs()
	if err != nil {
		return errors.Wrap(err, "listing trace cursors")
	}
	var expired []uint32
	for epoch := range cursors {
		if epoch < cutoff {
			expired = append(expired, epoch)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	for _, epoch := range expired {
		done, err := p.cursors.IsTraceDone(epoch)
		if err != nil {
			return errors.Wrap(err, "reading trace done flag")
		}
		if !done {
			return nil // an unfinished epoch holds back the whole deletion
		}
	}

	if err := p.flowStore.DeleteEpochsBelow(ctx, cutoff); err != nil {
		return errors.Wrap(err, "deleting expired epochs")
	}
	// dropping the cursors keeps the next cycles from re-running the delete
	for _, epoch := range expired {
		if err := p.cursors.DeleteTraceCursor(epoch); err != nil {
			return errors.Wrapf(err, "deleting trace cursor for epoch [%d]", epoch)
		}
	}
	p.logger.Infow("removed epochs below retention cutoff", "cutoff", cutoff, "epochs", len(expired))
	return nil
}

// ResetEpochs drops all derived flow rows of the given epochs so the next
// cycles replay them from the raw transfer logs. One shot operation, meant
// to run before the scheduler starts.
func (p *Processor) ResetEpochs(ctx context.Context, epochs []uint32) error {
	for _, epoch := range epochs {
		if err := p.flowStore.DeleteEpochFlowData(ctx, epoch); err != nil {
			return errors.Wrapf(err, "deleting flow data for epoch [%d]", epoch)
		}
		if err := p.cursors.DeleteTraceCursor(epoch); err != nil {
			return errors.Wrapf(err, "deleting trace cursor for epoch [%d]", epoch)
		}
		if err := p.cursors.SetTraceDone(epoch, false); err != nil {
			return errors.Wrapf(err, "clearing trace done flag for epoch [%d]", epoch)
		}
		p.logger.Infow("reset epoch for replay", "epoch", epoch)
	}
	if err := p.flowStore.ForceCompact(ctx); err != nil {
		return errors.Wrap(err, "compacting tables after reset")
	}
	return nil
}

func epochsOf(status *domain.Status) []uint32 {
	seen := make(map[uint32]struct{})
	var epochs []uint32
	for _, interval := range status.TickIntervals {
		if _, ok := seen[interval.Epoch]; ok {
			continue
		}
		seen[interval.Epoch] = struct{}{}
		epochs = append(epochs, interval.Epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs
}
