package domain

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type LogType uint32

const (
	LogTypeQuTransfer            LogType = 0
	LogTypeAssetIssuance         LogType = 1
	LogTypeAssetOwnershipChange  LogType = 2
	LogTypeAssetPossessionChange LogType = 3
	LogTypeBurn                  LogType = 8
)

// Log is one ledger log entry. The concrete type is determined by the log
// type reported by the node; only the types defined in this package implement
// the interface.
type Log interface {
	Common() LogCommon
	Type() LogType
	// SetInputType stamps the input type derived from the parent transaction.
	SetInputType(inputType uint32)
	isLog()
}

// LogCommon carries the fields shared by all log variants. The identity of a
// log is (TickNumber, LogID). InputType is not reported by the node for logs,
// it is derived from the parent transaction before the log is stored.
type LogCommon struct {
	TickNumber uint64
	Epoch      uint32
	LogID      uint64
	TxHash     string
	InputType  uint32
}

func (c LogCommon) Common() LogCommon { return c }
func (c LogCommon) isLog()            {}

func (c *LogCommon) SetInputType(inputType uint32) { c.InputType = inputType }

type QuTransferLog struct {
	LogCommon
	Source      string
	Destination string
	Amount      int64
}

func (l *QuTransferLog) Type() LogType { return LogTypeQuTransfer }

type AssetIssuanceLog struct {
	LogCommon
	Issuer         string
	AssetName      string
	NumberOfShares int64
	NumberOfUnits  int8
}

func (l *AssetIssuanceLog) Type() LogType { return LogTypeAssetIssuance }

type AssetOwnershipChangeLog struct {
	LogCommon
	Source         string
	Destination    string
	Issuer         string
	AssetName      string
	NumberOfShares int64
}

func (l *AssetOwnershipChangeLog) Type() LogType { return LogTypeAssetOwnershipChange }

type AssetPossessionChangeLog struct {
	LogCommon
	Source         string
	Destination    string
	Issuer         string
	AssetName      string
	NumberOfShares int64
}

func (l *AssetPossessionChangeLog) Type() LogType { return LogTypeAssetPossessionChange }

type BurnLog struct {
	LogCommon
	Source string
	Amount int64
}

func (l *BurnLog) Type() LogType { return LogTypeBurn }

// RawLog is the wire shape of a log entry before it is decoded into its
// variant. The node sends all fields in one flat object, unused fields are
// empty for a given log type.
type RawLog struct {
	TickNumber     uint64 `json:"tickNumber"`
	Epoch          uint32 `json:"epoch"`
	LogID          uint64 `json:"logId"`
	LogType        uint32 `json:"logType"`
	TxHash         string `json:"txHash"`
	Source         string `json:"sourceId"`
	Destination    string `json:"destId"`
	Amount         int64  `json:"amount"`
	Issuer         string `json:"issuerId"`
	AssetName      string `json:"assetName"`
	NumberOfShares int64  `json:"numberOfShares"`
	NumberOfUnits  int8   `json:"numberOfUnits"`
}

var ErrUnknownLogType = errors.New("unknown log type")

// Decode converts the raw wire log into its typed variant. Log types this
// service does not process are reported as ErrUnknownLogType and should be
// counted and skipped, not treated as fatal.
func (r RawLog) Decode() (Log, error) {
	common := LogCommon{
		TickNumber: r.TickNumber,
		Epoch:      r.Epoch,
		LogID:      r.LogID,
		TxHash:     r.TxHash,
	}
	switch LogType(r.LogType) {
	case LogTypeQuTransfer:
		return &QuTransferLog{
			LogCommon:   common,
			Source:      r.Source,
			Destination: r.Destination,
			Amount:      r.Amount,
		}, nil
	case LogTypeAssetIssuance:
		return &AssetIssuanceLog{
			LogCommon:      common,
			Issuer:         r.Issuer,
			AssetName:      r.AssetName,
			NumberOfShares: r.NumberOfShares,
			NumberOfUnits:  r.NumberOfUnits,
		}, nil
	case LogTypeAssetOwnershipChange:
		return &AssetOwnershipChangeLog{
			LogCommon:      common,
			Source:         r.Source,
			Destination:    r.Destination,
			Issuer:         r.Issuer,
			AssetName:      r.AssetName,
			NumberOfShares: r.NumberOfShares,
		}, nil
	case LogTypeAssetPossessionChange:
		return &AssetPossessionChangeLog{
			LogCommon:      common,
			Source:         r.Source,
			Destination:    r.Destination,
			Issuer:         r.Issuer,
			AssetName:      r.AssetName,
			NumberOfShares: r.NumberOfShares,
		}, nil
	case LogTypeBurn:
		return &BurnLog{
			LogCommon: common,
			Source:    r.Source,
			Amount:    r.Amount,
		}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownLogType, "log type [%d]", r.LogType)
	}
}

// UnmarshalRawLogs decodes a json array of raw logs, dropping entries with
// unknown log types.
func UnmarshalRawLogs(data []byte) ([]Log, int, error) {
	var raw []RawLog
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, errors.Wrap(err, "unmarshalling raw logs")
	}
	logs := make([]Log, 0, len(raw))
	var skipped int
	for _, r := range raw {
		l, err := r.Decode()
		if errors.Is(err, ErrUnknownLogType) {
			skipped++
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	return logs, skipped, nil
}
