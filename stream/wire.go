package stream

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
)

// Frames exchanged with the node event service. The client sends one
// subscribe request per (re)connection and the node answers with the
// subscription id, followed by one notification frame per tick. Subscription
// ids start at 1, an id of 0 marks an unanswered request.

const methodSubscribe = "subscribe"
const methodTickNotification = "tick"

type wsRequest struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type subscribeParams struct {
	StartTick        uint64 `json:"startTick"`
	SkipEmptyTicks   bool   `json:"skipEmptyTicks"`
	IncludeInputData bool   `json:"includeInputData"`
}

type wsResponse struct {
	ID     uint64   `json:"id"`
	Result int64    `json:"result"`
	Error  *wsError `json:"error"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wsNotification struct {
	Method string               `json:"method"`
	Params *wsNotificationParam `json:"params"`
}

type wsNotificationParam struct {
	Subscription int64           `json:"subscription"`
	Tick         json.RawMessage `json:"tick"`
}

type tickPayload struct {
	TickNumber       uint64               `json:"tickNumber"`
	Epoch            uint32               `json:"epoch"`
	Timestamp        uint64               `json:"timestamp"`
	IsCatchUp        bool                 `json:"isCatchUp"`
	TxCount          uint32               `json:"txCount"`
	FilteredTxCount  uint32               `json:"filteredTxCount"`
	LogCount         uint32               `json:"logCount"`
	FilteredLogCount uint32               `json:"filteredLogCount"`
	Transactions     []transactionPayload `json:"transactions"`
	Logs             []domain.RawLog      `json:"logs"`
}

type transactionPayload struct {
	Hash        string `json:"hash"`
	TickNumber  uint64 `json:"tickNumber"`
	Epoch       uint32 `json:"epoch"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	InputType   uint32 `json:"inputType"`
	InputSize   uint32 `json:"inputSize"`
	Input       string `json:"inputData"`
	Executed    bool   `json:"executed"`
	FirstLogID  uint64 `json:"firstLogId"`
	LogCount    uint32 `json:"logCount"`
	Timestamp   uint64 `json:"timestamp"`
}

// convertTickPayload decodes the wire tick into the domain event. Logs with
// unknown log types are dropped, their count is returned alongside.
func convertTickPayload(data []byte) (domain.TickEvent, int, error) {
	var payload tickPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.TickEvent{}, 0, errors.Wrap(err, "unmarshalling tick payload")
	}

	event := domain.TickEvent{
		TickNumber:       payload.TickNumber,
		Epoch:            payload.Epoch,
		Timestamp:        payload.Timestamp,
		IsCatchUp:        payload.IsCatchUp,
		TxCount:          payload.TxCount,
		FilteredTxCount:  payload.FilteredTxCount,
		LogCount:         payload.LogCount,
		FilteredLogCount: payload.FilteredLogCount,
	}

	if len(payload.Transactions) > 0 {
		event.Transactions = make([]domain.Transaction, 0, len(payload.Transactions))
		for _, tx := range payload.Transactions {
			event.Transactions = append(event.Transactions, domain.Transaction{
				Hash:        tx.Hash,
				TickNumber:  tx.TickNumber,
				Epoch:       tx.Epoch,
				Source:      tx.Source,
				Destination: tx.Destination,
				Amount:      tx.Amount,
				InputType:   tx.InputType,
				InputSize:   tx.InputSize,
				Input:       tx.Input,
				Executed:    tx.Executed,
				FirstLogID:  tx.FirstLogID,
				LogCount:    tx.LogCount,
				Timestamp:   tx.Timestamp,
			})
		}
	}

	var skipped int
	if len(payload.Logs) > 0 {
		event.Logs = make([]domain.Log, 0, len(payload.Logs))
		for _, raw := range payload.Logs {
			log, err := raw.Decode()
			if errors.Is(err, domain.ErrUnknownLogType) {
				skipped++
				continue
			}
			if err != nil {
				return domain.TickEvent{}, 0, errors.Wrap(err, "decoding log")
			}
			event.Logs = append(event.Logs, log)
		}
	}

	return event, skipped, nil
}
