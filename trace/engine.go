// Package trace follows computor emissions through the transfer graph. The
// engine processes discrete tick windows over committed transfer logs and
// maintains one tracking row per (emission epoch, address, origin). Given the
// same logs, the same terminal set and the same window cuts it reproduces
// byte-identical hop and state rows, which is what makes reset-and-replay a
// safe repair tool.
package trace

import (
	"math/big"
	"sort"

	"github.com/qubic/flow-tracer/domain"
)

type EngineConfig struct {
	// MaxHopDepth bounds the trace. Funds arriving beyond this depth are
	// recorded in aggregate as untraced and not followed further.
	MaxHopDepth uint32
	// DustThreshold ignores outgoing transfers strictly below it. Zero
	// disables the filter.
	DustThreshold int64
	// EmissionSource is the address paying out computor rewards.
	EmissionSource string
}

type stateKey struct {
	address string
	origin  string
}

// Engine is the working set of one epoch's trace for one window run. It is
// not safe for concurrent use; the scheduler serializes runs per epoch.
type Engine struct {
	epoch     uint32
	config    EngineConfig
	terminals domain.TerminalSet
	computors map[string]struct{}

	states    map[stateKey]*domain.FlowTrackingState
	byAddress map[string][]*domain.FlowTrackingState
	changed   map[stateKey]struct{}

	emissions []*domain.ComputorEmission
	hops      []*domain.FlowHop
}

// WindowResult carries everything one window produced. States contains only
// the rows the window changed, stamped with the window end as their version.
type WindowResult struct {
	Emissions []*domain.ComputorEmission
	Hops      []*domain.FlowHop
	States    []*domain.FlowTrackingState
}

func (r WindowResult) Empty() bool {
	return len(r.Emissions) == 0 && len(r.Hops) == 0 && len(r.States) == 0
}

// NewEngine builds the working set from the epoch's persisted tracking rows.
func NewEngine(epoch uint32, config EngineConfig, terminals domain.TerminalSet,
	computorIdentities []string, states []*domain.FlowTrackingState) *Engine {

	computors := make(map[string]struct{}, len(computorIdentities))
	for _, identity := range computorIdentities {
		computors[identity] = struct{}{}
	}

	engine := &Engine{
		epoch:     epoch,
		config:    config,
		terminals: terminals,
		computors: computors,
		states:    make(map[stateKey]*domain.FlowTrackingState, len(states)),
		byAddress: make(map[string][]*domain.FlowTrackingState),
		changed:   make(map[stateKey]struct{}),
	}
	for _, state := range states {
		key := stateKey{address: state.Address, origin: state.OriginAddress}
		engine.states[key] = state
		engine.byAddress[state.Address] = append(engine.byAddress[state.Address], state)
	}
	return engine
}

// ProcessWindow scans the window's transfer logs in (tick, log id) order and
// applies them to the working set. Rows created mid-window are live for the
// remainder of the window, funds received and re-sent inside one window are
// traced.
func (e *Engine) ProcessWindow(logs []*domain.QuTransferLog, windowEnd uint64) WindowResult {
	for _, transfer := range logs {
		e.processTransfer(transfer)
	}
	return e.results(windowEnd)
}

func (e *Engine) processTransfer(transfer *domain.QuTransferLog) {
	if e.isEmission(transfer) {
		e.recordEmission(transfer)
		return
	}
	if e.config.DustThreshold > 0 && transfer.Amount < e.config.DustThreshold {
		return
	}
	if transfer.Source == transfer.Destination {
		// a self transfer moves nothing between addresses
		return
	}

	origins := e.activeOrigins(transfer.Source)
	if len(origins) == 0 {
		return
	}

	pendings := make([]int64, len(origins))
	for i, origin := range origins {
		pendings[i] = origin.PendingAmount
	}
	shares := allocate(transfer.Amount, pendings)

	for i, source := range origins {
		if shares[i] == 0 {
			continue
		}
		e.applyHop(source, transfer, shares[i])
	}
}

func (e *Engine) isEmission(transfer *domain.QuTransferLog) bool {
	if transfer.Source != e.config.EmissionSource || transfer.Epoch != e.epoch {
		return false
	}
	_, ok := e.computors[transfer.Destination]
	return ok
}

// recordEmission credits a computor reward. The credit itself is not a hop,
// the computor's outflows are the hop level 1 rows.
func (e *Engine) recordEmission(transfer *domain.QuTransferLog) {
	e.emissions = append(e.emissions, &domain.ComputorEmission{
		Epoch:      e.epoch,
		Address:    transfer.Destination,
		Amount:     transfer.Amount,
		TickNumber: transfer.TickNumber,
	})

	row, _ := e.getOrCreate(transfer.Destination, transfer.Destination)
	row.HopLevel = 1
	row.ReceivedAmount += transfer.Amount
	row.PendingAmount += transfer.Amount
	row.IsComplete = row.PendingAmount == 0
	e.markChanged(row)
}

// applyHop moves an allocated share from the source row to the destination.
func (e *Engine) applyHop(source *domain.FlowTrackingState, transfer *domain.QuTransferLog, amount int64) {
	destinationLevel := source.HopLevel + 1
	destinationType := domain.DestinationTypeIntermediary
	if e.terminals.Contains(transfer.Destination) {
		destinationType = domain.DestinationTypeTerminal
	} else if destinationLevel > e.config.MaxHopDepth {
		destinationType = domain.DestinationTypeUntraced
	}

	e.hops = append(e.hops, &domain.FlowHop{
		EmissionEpoch:      e.epoch,
		OriginAddress:      source.OriginAddress,
		HopLevel:           source.HopLevel,
		TickNumber:         transfer.TickNumber,
		LogID:              transfer.LogID,
		TxHash:             transfer.TxHash,
		SourceAddress:      transfer.Source,
		DestinationAddress: transfer.Destination,
		Amount:             amount,
		DestinationType:    destinationType,
	})

	source.SentAmount += amount
	source.PendingAmount -= amount
	if source.PendingAmount == 0 {
		source.IsComplete = true
	}
	e.markChanged(source)

	destination, _ := e.getOrCreate(transfer.Destination, source.OriginAddress)
	destination.ReceivedAmount += amount
	destination.PendingAmount += amount
	destination.HopLevel = destinationLevel
	if destinationType == domain.DestinationTypeTerminal {
		destination.IsTerminal = true
		destination.IsComplete = true
	} else {
		destination.IsComplete = destination.PendingAmount == 0 || destination.HopLevel > e.config.MaxHopDepth
	}
	e.markChanged(destination)
}

// activeOrigins returns the source's rows with pending funds, ordered by
// origin address. The order fixes both the allocation remainder and the hop
// emission sequence.
func (e *Engine) activeOrigins(address string) []*domain.FlowTrackingState {
	var active []*domain.FlowTrackingState
	for _, state := range e.byAddress[address] {
		if !state.IsComplete && state.PendingAmount > 0 {
			active = append(active, state)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].OriginAddress < active[j].OriginAddress
	})
	return active
}

func (e *Engine) getOrCreate(address, origin string) (*domain.FlowTrackingState, bool) {
	key := stateKey{address: address, origin: origin}
	if state, ok := e.states[key]; ok {
		return state, false
	}
	state := &domain.FlowTrackingState{
		EmissionEpoch: e.epoch,
		Address:       address,
		OriginAddress: origin,
	}
	e.states[key] = state
	e.byAddress[address] = append(e.byAddress[address], state)
	return state, true
}

func (e *Engine) markChanged(state *domain.FlowTrackingState) {
	e.changed[stateKey{address: state.Address, origin: state.OriginAddress}] = struct{}{}
}

func (e *Engine) results(windowEnd uint64) WindowResult {
	states := make([]*domain.FlowTrackingState, 0, len(e.changed))
	for key := range e.changed {
		state := e.states[key]
		state.LastProcessedTick = windowEnd
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Address != states[j].Address {
			return states[i].Address < states[j].Address
		}
		return states[i].OriginAddress < states[j].OriginAddress
	})
	return WindowResult{
		Emissions: e.emissions,
		Hops:      e.hops,
		States:    states,
	}
}

// AllStates returns every row of the working set ordered by address and
// origin, including unchanged ones.
func (e *Engine) AllStates() []*domain.FlowTrackingState {
	states := make([]*domain.FlowTrackingState, 0, len(e.states))
	for _, state := range e.states {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Address != states[j].Address {
			return states[i].Address < states[j].Address
		}
		return states[i].OriginAddress < states[j].OriginAddress
	})
	return states
}

// AllComplete reports whether no row has funds left to follow.
func (e *Engine) AllComplete() bool {
	for _, state := range e.states {
		if !state.IsComplete {
			return false
		}
	}
	return true
}

// allocate splits an outgoing amount across the origins' pending amounts,
// proportionally and deterministically: integer shares rounded down, the
// division remainder handed out one unit at a time in input order, every
// share capped at its origin's pending. Anything above the total pending is
// not tracked money and allocates nothing.
func allocate(amount int64, pendings []int64) []int64 {
	shares := make([]int64, len(pendings))
	var total int64
	for _, pending := range pendings {
		total += pending
	}
	if total <= 0 || amount <= 0 {
		return shares
	}

	effective := amount
	if effective > total {
		effective = total
	}
	if len(pendings) == 1 {
		shares[0] = effective
		return shares
	}

	// products can exceed 64 bits, the division must not lose precision
	bigEffective := new(big.Int).SetInt64(effective)
	bigTotal := new(big.Int).SetInt64(total)
	var allocated int64
	for i, pending := range pendings {
		share := new(big.Int).SetInt64(pending)
		share.Mul(share, bigEffective)
		share.Div(share, bigTotal)
		shares[i] = share.Int64()
		allocated += shares[i]
	}

	remainder := effective - allocated
	for i := 0; remainder > 0 && i < len(shares); i++ {
		if shares[i] < pendings[i] {
			shares[i]++
			remainder--
		}
	}
	return shares
}
