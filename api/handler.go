// Package api serves the operational status endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/clickhouse"
	"go.uber.org/zap"
)

type CheckpointProvider interface {
	GetLastFlushedTick(ctx context.Context) (uint64, error)
}

type TraceStateProvider interface {
	GetTraceCursorsForAllEpochs() (map[uint32]uint64, error)
	GetSkippedTicks() ([]uint64, error)
}

// IngestionProvider reports the live position of the ingestion path.
type IngestionProvider interface {
	LastSourceTick() uint64
	LastForwardedTick() uint64
	QueueLength() int
}

type Handler struct {
	ingestion   IngestionProvider
	checkpoints CheckpointProvider
	traceState  TraceStateProvider
	logger      *zap.SugaredLogger
}

type HealthResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	LastSourceTick    uint64            `json:"lastSourceTick"`
	LastForwardedTick uint64            `json:"lastForwardedTick"`
	LastFlushedTick   uint64            `json:"lastFlushedTick"`
	QueueLength       int               `json:"queueLength"`
	TraceCursors      map[uint32]uint64 `json:"traceCursors"`
	SkippedTicks      []uint64          `json:"skippedTicks"`
}

func NewHandler(ingestion IngestionProvider, checkpoints CheckpointProvider, traceState TraceStateProvider, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		ingestion:   ingestion,
		checkpoints: checkpoints,
		traceState:  traceState,
		logger:      logger,
	}
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(HealthResponse{
		Status: "UP",
	})
	if err != nil {
		h.logger.Errorw("encoding health response", "error", err)
		http.Error(w, "Error encoding response", http.StatusInternalServerError)
		return
	}
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	lastFlushedTick, err := h.checkpoints.GetLastFlushedTick(r.Context())
	if err != nil && !errors.Is(err, clickhouse.ErrNotFound) {
		h.logger.Errorw("getting last flushed tick", "error", err)
		http.Error(w, "Error getting last flushed tick", http.StatusInternalServerError)
		return
	}

	cursors, err := h.traceState.GetTraceCursorsForAllEpochs()
	if err != nil {
		h.logger.Errorw("getting trace cursors", "error", err)
		http.Error(w, "Error getting trace cursors", http.StatusInternalServerError)
		return
	}

	skippedTicks, err := h.traceState.GetSkippedTicks()
	if err != nil {
		h.logger.Errorw("getting skipped ticks", "error", err)
		http.Error(w, "Error getting skipped ticks", http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(StatusResponse{
		LastSourceTick:    h.ingestion.LastSourceTick(),
		LastForwardedTick: h.ingestion.LastForwardedTick(),
		LastFlushedTick:   lastFlushedTick,
		QueueLength:       h.ingestion.QueueLength(),
		TraceCursors:      cursors,
		SkippedTicks:      skippedTicks,
	})
	if err != nil {
		h.logger.Errorw("encoding status response", "error", err)
		http.Error(w, "Error encoding response", http.StatusInternalServerError)
		return
	}
}
