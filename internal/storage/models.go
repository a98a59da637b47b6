package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord captures one delivered buy alert for auditing.
type AlertRecord struct {
	ID           int64
	Symbol       string
	TxHash       string
	LogIndex     uint
	BlockNumber  uint64
	Buyer        string
	RefIn        decimal.Decimal
	TokenOut     decimal.Decimal
	USDValue     decimal.Decimal
	Source       string
	Destinations []string
	Failed       []string
	CreatedAt    time.Time
}
