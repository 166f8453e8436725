package domain

// Status describes the progress of the upstream archive.
type Status struct {
	LatestEpoch   uint32
	LatestTick    uint64
	TickIntervals []TickInterval
}

// TickInterval is a contiguous tick range processed for one epoch.
type TickInterval struct {
	Epoch uint32
	From  uint64
	To    uint64
}

// EpochComputors is the computor identity list of one epoch.
type EpochComputors struct {
	Epoch      uint32
	Identities []string
	Signature  string
}

// IntervalForEpoch returns the first and last tick covered by the given
// epoch, and false if the epoch is unknown.
func (s *Status) IntervalForEpoch(epoch uint32) (from uint64, to uint64, ok bool) {
	for _, interval := range s.TickIntervals {
		if interval.Epoch != epoch {
			continue
		}
		if !ok || interval.From < from {
			from = interval.From
		}
		if interval.To > to {
			to = interval.To
		}
		ok = true
	}
	return from, to, ok
}
