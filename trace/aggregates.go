package trace

import (
	"github.com/qubic/flow-tracer/domain"
)

// ComputeSummary recomputes the epoch aggregates from the current emission,
// state and hop rows. TerminalByHop[i] is the amount that reached a terminal
// destination at hop level i+1; untraced is what sits in rows pushed beyond
// the depth bound; net pending is what tracked intermediaries still hold.
func ComputeSummary(epoch uint32, maxHopDepth uint32, computedAtTick uint64,
	emissions []*domain.ComputorEmission, states []*domain.FlowTrackingState,
	hops []*domain.FlowHop) *domain.EpochFlowSummary {

	summary := &domain.EpochFlowSummary{
		Epoch:          epoch,
		TerminalByHop:  make([]int64, maxHopDepth),
		ComputedAtTick: computedAtTick,
	}

	for _, emission := range emissions {
		summary.TotalEmission += emission.Amount
	}

	for _, state := range states {
		if state.HopLevel == 1 {
			summary.TotalOutflow += state.SentAmount
		}
		if state.IsTerminal {
			continue
		}
		if state.HopLevel > maxHopDepth {
			summary.UntracedTotal += state.PendingAmount
		} else if !state.IsComplete {
			summary.NetPending += state.PendingAmount
		}
	}

	for _, hop := range hops {
		if hop.DestinationType != domain.DestinationTypeTerminal {
			continue
		}
		summary.TerminalTotal += hop.Amount
		if hop.HopLevel >= 1 && int(hop.HopLevel) <= len(summary.TerminalByHop) {
			summary.TerminalByHop[hop.HopLevel-1] += hop.Amount
		}
	}

	return summary
}
