package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	sourceTickGauge         prometheus.Gauge
	sourceEpochGauge        prometheus.Gauge
	forwardedTickGauge      prometheus.Gauge
	queueLengthGauge        prometheus.Gauge
	skippedTicksCount       prometheus.Counter
	flushedTickGauge        prometheus.Gauge
	flushedTicksCount       prometheus.Counter
	flushedTransactionCount prometheus.Counter
	flushedLogCount         prometheus.Counter
	flushRetryCount         prometheus.Counter
	tracedTickGauge         prometheus.Gauge
	tracedEpochGauge        prometheus.Gauge
	traceRunCount           prometheus.Counter
	traceDurationGauge      prometheus.Gauge
	hopCount                prometheus.Counter
	negativePendingCount    prometheus.Counter
	publishErrorCount       prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		// metrics for the ingestion path
		sourceTickGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_source_tick", namespace),
			Help: "The latest tick received from the event stream",
		}),
		sourceEpochGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_source_epoch", namespace),
			Help: "The latest epoch received from the event stream",
		}),
		forwardedTickGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_forwarded_tick", namespace),
			Help: "The latest tick forwarded to the batch writer",
		}),
		queueLengthGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_queue_length", namespace),
			Help: "The number of tick events waiting in the ingestion queue",
		}),
		skippedTicksCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_skipped_ticks_count", namespace),
			Help: "The total number of ticks skipped by the upstream stream",
		}),
		// metrics for the batch writer
		flushedTickGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_flushed_tick", namespace),
			Help: "The latest fully flushed tick (the checkpoint)",
		}),
		flushedTicksCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_flushed_ticks_count", namespace),
			Help: "The total number of flushed tick rows",
		}),
		flushedTransactionCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_flushed_transactions_count", namespace),
			Help: "The total number of flushed transaction rows",
		}),
		flushedLogCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_flushed_logs_count", namespace),
			Help: "The total number of flushed log rows",
		}),
		flushRetryCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_flush_retry_count", namespace),
			Help: "The total number of retried flush attempts",
		}),
		// metrics for the tracing engine
		tracedTickGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_traced_tick", namespace),
			Help: "The latest traced tick over all epochs",
		}),
		tracedEpochGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_traced_epoch", namespace),
			Help: "The latest epoch a trace run finished for",
		}),
		traceRunCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_trace_run_count", namespace),
			Help: "The total number of finished trace runs",
		}),
		traceDurationGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_trace_duration_seconds", namespace),
			Help: "The duration of the last trace run in seconds",
		}),
		hopCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_hop_count", namespace),
			Help: "The total number of emitted flow hops",
		}),
		negativePendingCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_negative_pending_count", namespace),
			Help: "The total number of tracking rows observed with negative pending amount",
		}),
		publishErrorCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_publish_error_count", namespace),
			Help: "The total number of failed kafka publish attempts",
		}),
	}
	return &m
}

func (m *Metrics) SetSourceTick(epoch uint32, tick uint64) {
	m.sourceEpochGauge.Set(float64(epoch))
	m.sourceTickGauge.Set(float64(tick))
}

func (m *Metrics) SetForwardedTick(tick uint64) {
	m.forwardedTickGauge.Set(float64(tick))
}

func (m *Metrics) SetQueueLength(length int) {
	m.queueLengthGauge.Set(float64(length))
}

func (m *Metrics) AddSkippedTicks(count int) {
	m.skippedTicksCount.Add(float64(count))
}

func (m *Metrics) SetFlushedTick(tick uint64) {
	m.flushedTickGauge.Set(float64(tick))
}

func (m *Metrics) AddFlushedRows(ticks, transactions, logs int) {
	m.flushedTicksCount.Add(float64(ticks))
	m.flushedTransactionCount.Add(float64(transactions))
	m.flushedLogCount.Add(float64(logs))
}

func (m *Metrics) IncFlushRetries() {
	m.flushRetryCount.Inc()
}

func (m *Metrics) SetTracedTick(epoch uint32, tick uint64) {
	m.tracedEpochGauge.Set(float64(epoch))
	m.tracedTickGauge.Set(float64(tick))
}

func (m *Metrics) IncTraceRuns() {
	m.traceRunCount.Inc()
}

func (m *Metrics) SetTraceDuration(seconds float64) {
	m.traceDurationGauge.Set(seconds)
}

func (m *Metrics) AddHops(count int) {
	m.hopCount.Add(float64(count))
}

func (m *Metrics) IncNegativePending() {
	m.negativePendingCount.Inc()
}

func (m *Metrics) IncPublishErrors() {
	m.publishErrorCount.Inc()
}
