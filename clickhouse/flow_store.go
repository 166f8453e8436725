package clickhouse

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
)

// FlowStore persists the derived flow data: hops, tracking state, captured
// emissions and epoch summaries. The raw transfer logs it scans are written
// by the ingest store.
type FlowStore struct {
	conn *Conn
}

func NewFlowStore(conn *Conn) *FlowStore {
	return &FlowStore{conn: conn}
}

func (s *FlowStore) InsertFlowHops(ctx context.Context, hops []*domain.FlowHop) error {
	if len(hops) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO flow_hops (
			emission_epoch, origin_address, hop_level, tick_number, log_id,
			tx_hash, source_address, destination_address, amount, destination_type
		)
	`)
	if err != nil {
		return errors.Wrap(err, "preparing flow hops batch")
	}

	for _, hop := range hops {
		err = batch.Append(
			hop.EmissionEpoch, hop.OriginAddress, hop.HopLevel, hop.TickNumber, hop.LogID,
			hop.TxHash, hop.SourceAddress, hop.DestinationAddress, hop.Amount, hop.DestinationType,
		)
		if err != nil {
			return errors.Wrap(err, "appending flow hop to batch")
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "sending flow hops batch")
	}
	return nil
}

func (s *FlowStore) InsertTrackingStates(ctx context.Context, states []*domain.FlowTrackingState) error {
	if len(states) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO flow_tracking_state (
			emission_epoch, address, origin_address,
			received_amount, sent_amount, pending_amount,
			hop_level, last_processed_tick, is_terminal, is_complete
		)
	`)
	if err != nil {
		return errors.Wrap(err, "preparing tracking states batch")
	}

	for _, state := range states {
		err = batch.Append(
			state.EmissionEpoch, state.Address, state.OriginAddress,
			state.ReceivedAmount, state.SentAmount, state.PendingAmount,
			state.HopLevel, state.LastProcessedTick, state.IsTerminal, state.IsComplete,
		)
		if err != nil {
			return errors.Wrap(err, "appending tracking state to batch")
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "sending tracking states batch")
	}
	return nil
}

func (s *FlowStore) InsertComputorEmissions(ctx context.Context, emissions []*domain.ComputorEmission) error {
	if len(emissions) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO computor_emissions (epoch, address, amount, tick_number)
	`)
	if err != nil {
		return errors.Wrap(err, "preparing emissions batch")
	}

	for _, emission := range emissions {
		err = batch.Append(emission.Epoch, emission.Address, emission.Amount, emission.TickNumber)
		if err != nil {
			return errors.Wrap(err, "appending emission to batch")
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "sending emissions batch")
	}
	return nil
}

func (s *FlowStore) InsertEpochFlowSummary(ctx context.Context, summary *domain.EpochFlowSummary) error {
	err := s.conn.Exec(ctx, `
		INSERT INTO epoch_flow_summaries (
			epoch, total_emission, total_outflow, terminal_total,
			terminal_by_hop, untraced_total, net_pending, computed_at_tick
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		summary.Epoch, summary.TotalEmission, summary.TotalOutflow, summary.TerminalTotal,
		summary.TerminalByHop, summary.UntracedTotal, summary.NetPending, summary.ComputedAtTick,
	)
	if err != nil {
		return errors.Wrap(err, "inserting epoch flow summary")
	}
	return nil
}

// GetTrackingStates returns the current version of every tracking row of the
// epoch.
func (s *FlowStore) GetTrackingStates(ctx context.Context, epoch uint32) ([]*domain.FlowTrackingState, error) {
	query := `
		SELECT emission_epoch, address, origin_address,
		       received_amount, sent_amount, pending_amount,
		       hop_level, last_processed_tick, is_terminal, is_complete
		FROM flow_tracking_state FINAL
		WHERE emission_epoch = ?
		ORDER BY address, origin_address
	`

	rows, err := s.conn.Query(ctx, query, epoch)
	if err != nil {
		return nil, errors.Wrap(err, "querying tracking states")
	}
	defer rows.Close()

	var states []*domain.FlowTrackingState
	for rows.Next() {
		var state domain.FlowTrackingState
		err := rows.Scan(
			&state.EmissionEpoch, &state.Address, &state.OriginAddress,
			&state.ReceivedAmount, &state.SentAmount, &state.PendingAmount,
			&state.HopLevel, &state.LastProcessedTick, &state.IsTerminal, &state.IsComplete,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scanning tracking state row")
		}
		states = append(states, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating tracking state rows")
	}
	return states, nil
}

// GetMaxProcessedTick returns the highest last processed tick over all
// tracking rows of the epoch, zero if the epoch has no rows yet. Used to
// detect windows that were already applied before a crash.
func (s *FlowStore) GetMaxProcessedTick(ctx context.Context, epoch uint32) (uint64, error) {
	var tick uint64
	err := s.conn.QueryRow(ctx,
		"SELECT max(last_processed_tick) FROM flow_tracking_state WHERE emission_epoch = ?", epoch).Scan(&tick)
	if err != nil {
		return 0, errors.Wrap(err, "querying max processed tick")
	}
	return tick, nil
}

func (s *FlowStore) GetComputorEmissions(ctx context.Context, epoch uint32) ([]*domain.ComputorEmission, error) {
	query := `
		SELECT epoch, address, amount, tick_number
		FROM computor_emissions FINAL
		WHERE epoch = ?
		ORDER BY address, tick_number
	`

	rows, err := s.conn.Query(ctx, query, epoch)
	if err != nil {
		return nil, errors.Wrap(err, "querying computor emissions")
	}
	defer rows.Close()

	var emissions []*domain.ComputorEmission
	for rows.Next() {
		var emission domain.ComputorEmission
		err := rows.Scan(&emission.Epoch, &emission.Address, &emission.Amount, &emission.TickNumber)
		if err != nil {
			return nil, errors.Wrap(err, "scanning emission row")
		}
		emissions = append(emissions, &emission)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating emission rows")
	}
	return emissions, nil
}

// GetEpochsWithEmissions returns the epochs that have captured emissions,
// ascending.
func (s *FlowStore) GetEpochsWithEmissions(ctx context.Context) ([]uint32, error) {
	rows, err := s.conn.Query(ctx, "SELECT DISTINCT epoch FROM computor_emissions ORDER BY epoch")
	if err != nil {
		return nil, errors.Wrap(err, "querying epochs with emissions")
	}
	defer rows.Close()

	var epochs []uint32
	for rows.Next() {
		var epoch uint32
		if err := rows.Scan(&epoch); err != nil {
			return nil, errors.Wrap(err, "scanning epoch row")
		}
		epochs = append(epochs, epoch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating epoch rows")
	}
	return epochs, nil
}

// GetTransferLogsInRange returns all qu transfer logs with from <= tick <= to
// in (tick, log id) order. This is the scan order the tracing engine replays,
// so it must be total and stable.
func (s *FlowStore) GetTransferLogsInRange(ctx context.Context, from, to uint64) ([]*domain.QuTransferLog, error) {
	query := `
		SELECT tick_number, epoch, log_id, tx_hash, input_type, source, destination, amount
		FROM transfer_logs FINAL
		WHERE log_type = ? AND tick_number >= ? AND tick_number <= ?
		ORDER BY tick_number, log_id
	`

	rows, err := s.conn.Query(ctx, query, uint32(domain.LogTypeQuTransfer), from, to)
	if err != nil {
		return nil, errors.Wrap(err, "querying transfer logs")
	}
	defer rows.Close()

	var logs []*domain.QuTransferLog
	for rows.Next() {
		var log domain.QuTransferLog
		err := rows.Scan(
			&log.TickNumber, &log.Epoch, &log.LogID, &log.TxHash, &log.InputType,
			&log.Source, &log.Destination, &log.Amount,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scanning transfer log row")
		}
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating transfer log rows")
	}
	return logs, nil
}

// GetFlowHops returns all hops of the epoch in identity order.
func (s *FlowStore) GetFlowHops(ctx context.Context, epoch uint32) ([]*domain.FlowHop, error) {
	query := `
		SELECT emission_epoch, origin_address, hop_level, tick_number, log_id,
		       tx_hash, source_address, destination_address, amount, destination_type
		FROM flow_hops FINAL
		WHERE emission_epoch = ?
		ORDER BY emission_epoch, origin_address, hop_level, tick_number, log_id, source_address, destination_address
	`

	rows, err := s.conn.Query(ctx, query, epoch)
	if err != nil {
		return nil, errors.Wrap(err, "querying flow hops")
	}
	defer rows.Close()

	var hops []*domain.FlowHop
	for rows.Next() {
		var hop domain.FlowHop
		err := rows.Scan(
			&hop.EmissionEpoch, &hop.OriginAddress, &hop.HopLevel, &hop.TickNumber, &hop.LogID,
			&hop.TxHash, &hop.SourceAddress, &hop.DestinationAddress, &hop.Amount, &hop.DestinationType,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scanning flow hop row")
		}
		hops = append(hops, &hop)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating flow hop rows")
	}
	return hops, nil
}

func (s *FlowStore) GetEpochFlowSummary(ctx context.Context, epoch uint32) (*domain.EpochFlowSummary, error) {
	query := `
		SELECT epoch, total_emission, total_outflow, terminal_total,
		       terminal_by_hop, untraced_total, net_pending, computed_at_tick
		FROM epoch_flow_summaries FINAL
		WHERE epoch = ?
	`

	var summary domain.EpochFlowSummary
	err := s.conn.QueryRow(ctx, query, epoch).Scan(
		&summary.Epoch, &summary.TotalEmission, &summary.TotalOutflow, &summary.TerminalTotal,
		&summary.TerminalByHop, &summary.UntracedTotal, &summary.NetPending, &summary.ComputedAtTick,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying epoch flow summary")
	}
	return &summary, nil
}

// DeleteEpochFlowData removes all derived flow rows of the epoch. The raw
// transfer logs stay, so the epoch can be replayed from scratch. Mutations
// run synchronously so a replay started right after sees the empty state.
func (s *FlowStore) DeleteEpochFlowData(ctx context.Context, epoch uint32) error {
	statements := []struct {
		table  string
		column string
	}{
		{"flow_hops", "emission_epoch"},
		{"flow_tracking_state", "emission_epoch"},
		{"computor_emissions", "epoch"},
		{"epoch_flow_summaries", "epoch"},
	}
	for _, stmt := range statements {
		query := fmt.Sprintf(
			"ALTER TABLE %s DELETE WHERE %s = ? SETTINGS mutations_sync = 1", stmt.table, stmt.column)
		if err := s.conn.Exec(ctx, query, epoch); err != nil {
			return errors.Wrapf(err, "deleting epoch [%d] rows from [%s]", epoch, stmt.table)
		}
	}
	return nil
}

// DeleteEpochsBelow removes raw and derived rows of all epochs older than the
// cutoff. Epoch summaries are small and stay forever.
func (s *FlowStore) DeleteEpochsBelow(ctx context.Context, cutoff uint32) error {
	statements := []struct {
		table  string
		column string
	}{
		{"ticks", "epoch"},
		{"transactions", "epoch"},
		{"transfer_logs", "epoch"},
		{"flow_hops", "emission_epoch"},
		{"flow_tracking_state", "emission_epoch"},
		{"computor_emissions", "epoch"},
	}
	for _, stmt := range statements {
		query := fmt.Sprintf(
			"ALTER TABLE %s DELETE WHERE %s < ? SETTINGS mutations_sync = 1", stmt.table, stmt.column)
		if err := s.conn.Exec(ctx, query, cutoff); err != nil {
			return errors.Wrapf(err, "deleting epochs below [%d] from [%s]", cutoff, stmt.table)
		}
	}
	return nil
}

// ForceCompact merges every table down to its current row versions. Intended
// for operators, after large replays; normal reads use FINAL instead.
func (s *FlowStore) ForceCompact(ctx context.Context) error {
	tables := []string{
		"ticks", "transactions", "transfer_logs",
		"flow_hops", "flow_tracking_state", "computor_emissions",
		"epoch_flow_summaries", "flow_checkpoints",
	}
	for _, table := range tables {
		if err := s.conn.Exec(ctx, fmt.Sprintf("OPTIMIZE TABLE %s FINAL", table)); err != nil {
			return errors.Wrapf(err, "compacting table [%s]", table)
		}
	}
	return nil
}
