package domain

// Destination classification of a flow hop. Terminal destinations end the
// trace, untraced destinations lie beyond the configured maximum hop depth.
const (
	DestinationTypeIntermediary = "intermediary"
	DestinationTypeTerminal     = "terminal"
	DestinationTypeUntraced     = "untraced"
)

// TerminalSet holds the addresses that end a trace, typically exchange
// deposit addresses. Funds arriving at a terminal address are recorded and
// not followed further.
type TerminalSet map[string]struct{}

func NewTerminalSet(addresses ...string) TerminalSet {
	set := make(TerminalSet, len(addresses))
	for _, address := range addresses {
		set[address] = struct{}{}
	}
	return set
}

func (s TerminalSet) Contains(address string) bool {
	_, ok := s[address]
	return ok
}

func (s TerminalSet) Add(address string) {
	s[address] = struct{}{}
}

// FlowHop is one transfer attributed to an emission origin. The identity of a
// hop is (EmissionEpoch, OriginAddress, HopLevel, TickNumber, LogID,
// DestinationAddress). The destination address is part of the identity
// because one transaction can fan out to several destinations and each of
// them is a distinct hop; the log id keeps hops apart when one transaction
// emits several transfer events for the same pair of addresses.
type FlowHop struct {
	EmissionEpoch      uint32 `json:"emissionEpoch"`
	OriginAddress      string `json:"originAddress"`
	HopLevel           uint32 `json:"hopLevel"`
	TickNumber         uint64 `json:"tickNumber"`
	LogID              uint64 `json:"logId"`
	TxHash             string `json:"txHash"`
	SourceAddress      string `json:"sourceAddress"`
	DestinationAddress string `json:"destinationAddress"`
	Amount             int64  `json:"amount"`
	DestinationType    string `json:"destinationType"`
}

// FlowTrackingState is one row per (EmissionEpoch, Address, OriginAddress).
// An address holding funds from several origins has one row per origin, so
// attribution survives commingling. HopLevel is the level of the next
// outgoing hop from this address.
type FlowTrackingState struct {
	EmissionEpoch     uint32 `json:"emissionEpoch"`
	Address           string `json:"address"`
	OriginAddress     string `json:"originAddress"`
	ReceivedAmount    int64  `json:"receivedAmount"`
	SentAmount        int64  `json:"sentAmount"`
	PendingAmount     int64  `json:"pendingAmount"`
	HopLevel          uint32 `json:"hopLevel"`
	LastProcessedTick uint64 `json:"lastProcessedTick"`
	IsTerminal        bool   `json:"isTerminal"`
	IsComplete        bool   `json:"isComplete"`
}

// ComputorEmission is the reward credited to a computor at an epoch boundary.
// Every trace is rooted in one of these rows.
type ComputorEmission struct {
	Epoch      uint32 `json:"epoch"`
	Address    string `json:"address"`
	Amount     int64  `json:"amount"`
	TickNumber uint64 `json:"tickNumber"`
}

// EpochFlowSummary aggregates the flow state of one emission epoch.
// TerminalByHop[i] is the amount that reached a terminal destination at hop
// level i+1. NetPending is the amount still held by tracked intermediary
// addresses within the depth bound.
type EpochFlowSummary struct {
	Epoch          uint32  `json:"epoch"`
	TotalEmission  int64   `json:"totalEmission"`
	TotalOutflow   int64   `json:"totalOutflow"`
	TerminalTotal  int64   `json:"terminalTotal"`
	TerminalByHop  []int64 `json:"terminalByHop"`
	UntracedTotal  int64   `json:"untracedTotal"`
	NetPending     int64   `json:"netPending"`
	ComputedAtTick uint64  `json:"computedAtTick"`
}

// Settled reports whether the row respects the pending amount invariant.
// Violations indicate missing or inconsistent source data and must be
// surfaced, not repaired.
func (s *FlowTrackingState) Settled() bool {
	return s.ReceivedAmount-s.SentAmount == s.PendingAmount && s.PendingAmount >= 0
}
