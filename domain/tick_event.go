package domain

// TickEvent is one tick as delivered by the node event stream, together with
// the transaction and log payloads that belong to it. Events are immutable
// once emitted by the stream.
type TickEvent struct {
	TickNumber       uint64
	Epoch            uint32
	Timestamp        uint64
	IsCatchUp        bool
	TxCount          uint32
	FilteredTxCount  uint32
	LogCount         uint32
	FilteredLogCount uint32
	Transactions     []Transaction
	Logs             []Log
}

type Transaction struct {
	Hash        string
	TickNumber  uint64
	Epoch       uint32
	Source      string
	Destination string
	Amount      int64
	InputType   uint32
	InputSize   uint32
	Input       string
	Executed    bool
	// FirstLogID and LogCount describe the log id range produced by this
	// transaction. LogCount is zero for transactions without logs.
	FirstLogID uint64
	LogCount   uint32
	Timestamp  uint64
}

// ProducedLog reports whether the log id belongs to this transaction.
func (tx *Transaction) ProducedLog(logID uint64) bool {
	return tx.LogCount > 0 && logID >= tx.FirstLogID && logID < tx.FirstLogID+uint64(tx.LogCount)
}

// NormalizeEpoch replaces a zero epoch with the first non-zero epoch found in
// the sibling transactions and logs. Some nodes report epoch 0 for the tick
// while the contained records carry the correct value. Returns true if the
// epoch was corrected.
func (e *TickEvent) NormalizeEpoch() bool {
	if e.Epoch != 0 {
		return false
	}
	for i := range e.Transactions {
		if e.Transactions[i].Epoch != 0 {
			e.Epoch = e.Transactions[i].Epoch
			return true
		}
	}
	for _, l := range e.Logs {
		if l.Common().Epoch != 0 {
			e.Epoch = l.Common().Epoch
			return true
		}
	}
	return false
}
