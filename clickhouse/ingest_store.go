package clickhouse

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store resource not found")

const lastFlushedTickKey = "last_flushed_tick"

// IngestStore persists the raw stream data: tick headers, transactions and
// event logs, plus the ingest checkpoint that marks the last fully flushed
// tick.
type IngestStore struct {
	conn *Conn
}

func NewIngestStore(conn *Conn) *IngestStore {
	return &IngestStore{conn: conn}
}

func (s *IngestStore) InsertTickEvents(ctx context.Context, ticks []domain.TickEvent) error {
	if len(ticks) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO ticks (
			tick_number, epoch, timestamp, is_catch_up,
			tx_count, filtered_tx_count, log_count, filtered_log_count
		)
	`)
	if err != nil {
		return errors.Wrap(err, "preparing ticks batch")
	}

	for _, tick := range ticks {
		err = batch.Append(
			tick.TickNumber, tick.Epoch, tick.Timestamp, tick.IsCatchUp,
			tick.TxCount, tick.FilteredTxCount, tick.LogCount, tick.FilteredLogCount,
		)
		if err != nil {
			return errors.Wrap(err, "appending tick to batch")
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "sending ticks batch")
	}
	return nil
}

func (s *IngestStore) InsertTransactions(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO transactions (
			hash, tick_number, epoch, source, destination, amount,
			input_type, input_size, input, executed,
			first_log_id, log_count, timestamp
		)
	`)
	if err != nil {
		return errors.Wrap(err, "preparing transactions batch")
	}

	for _, tx := range txs {
		err = batch.Append(
			tx.Hash, tx.TickNumber, tx.Epoch, tx.Source, tx.Destination, tx.Amount,
			tx.InputType, tx.InputSize, tx.Input, tx.Executed,
			tx.FirstLogID, tx.LogCount, tx.Timestamp,
		)
		if err != nil {
			return errors.Wrap(err, "appending transaction to batch")
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "sending transactions batch")
	}
	return nil
}

func (s *IngestStore) InsertTransferLogs(ctx context.Context, logs []domain.Log) error {
	if len(logs) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO transfer_logs (
			tick_number, epoch, log_id, log_type, tx_hash, input_type,
			source, destination, amount,
			issuer, asset_name, number_of_shares, number_of_units
		)
	`)
	if err != nil {
		return errors.Wrap(err, "preparing transfer logs batch")
	}

	for _, log := range logs {
		row, err := convertTransferLog(log)
		if err != nil {
			return errors.Wrap(err, "converting transfer log")
		}
		err = batch.Append(
			row.tickNumber, row.epoch, row.logID, row.logType, row.txHash, row.inputType,
			row.source, row.destination, row.amount,
			row.issuer, row.assetName, row.numberOfShares, row.numberOfUnits,
		)
		if err != nil {
			return errors.Wrap(err, "appending transfer log to batch")
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "sending transfer logs batch")
	}
	return nil
}

// SetLastFlushedTick advances the ingest checkpoint. The checkpoint version
// is its value, so a concurrent older write can never win.
func (s *IngestStore) SetLastFlushedTick(ctx context.Context, tick uint64) error {
	err := s.conn.Exec(ctx, "INSERT INTO flow_checkpoints (key, value) VALUES (?, ?)", lastFlushedTickKey, tick)
	if err != nil {
		return errors.Wrap(err, "inserting checkpoint")
	}
	return nil
}

func (s *IngestStore) GetLastFlushedTick(ctx context.Context) (uint64, error) {
	var tick uint64
	err := s.conn.QueryRow(ctx,
		"SELECT value FROM flow_checkpoints FINAL WHERE key = ?", lastFlushedTickKey).Scan(&tick)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "querying checkpoint")
	}
	return tick, nil
}

type transferLogRow struct {
	tickNumber     uint64
	epoch          uint32
	logID          uint64
	logType        uint32
	txHash         string
	inputType      uint32
	source         string
	destination    string
	amount         int64
	issuer         string
	assetName      string
	numberOfShares int64
	numberOfUnits  int8
}

// convertTransferLog flattens a log variant into the storage row. Columns
// that do not apply to the variant keep their zero values.
func convertTransferLog(log domain.Log) (transferLogRow, error) {
	common := log.Common()
	row := transferLogRow{
		tickNumber: common.TickNumber,
		epoch:      common.Epoch,
		logID:      common.LogID,
		logType:    uint32(log.Type()),
		txHash:     common.TxHash,
		inputType:  common.InputType,
	}

	switch l := log.(type) {
	case *domain.QuTransferLog:
		row.source = l.Source
		row.destination = l.Destination
		row.amount = l.Amount
	case *domain.AssetIssuanceLog:
		row.issuer = l.Issuer
		row.assetName = l.AssetName
		row.numberOfShares = l.NumberOfShares
		row.numberOfUnits = l.NumberOfUnits
	case *domain.AssetOwnershipChangeLog:
		row.source = l.Source
		row.destination = l.Destination
		row.issuer = l.Issuer
		row.assetName = l.AssetName
		row.numberOfShares = l.NumberOfShares
	case *domain.AssetPossessionChangeLog:
		row.source = l.Source
		row.destination = l.Destination
		row.issuer = l.Issuer
		row.assetName = l.AssetName
		row.numberOfShares = l.NumberOfShares
	case *domain.BurnLog:
		row.source = l.Source
		row.amount = l.Amount
	default:
		return transferLogRow{}, errors.Errorf("unsupported log type [%d]", log.Type())
	}

	return row, nil
}
