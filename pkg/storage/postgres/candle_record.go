package postgres

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandleTable is the one-minute OHLCV table.
const CandleTable = "ohlcv_1m"

// CandleRecord represents a finalized one-minute candle stored in the database.
// (time, symbol) is the primary key and the upsert conflict target.
type CandleRecord struct {
	Time   time.Time `gorm:"primaryKey;type:timestamptz;not null;index:idx_ohlcv_1m_symbol_time,priority:2"`
	Symbol string    `gorm:"primaryKey;type:varchar(32);not null;index:idx_ohlcv_1m_symbol_time,priority:1"`

	Open  decimal.Decimal `gorm:"type:numeric(36,12);not null"`
	High  decimal.Decimal `gorm:"type:numeric(36,12);not null"`
	Low   decimal.Decimal `gorm:"type:numeric(36,12);not null"`
	Close decimal.Decimal `gorm:"type:numeric(36,12);not null"`

	Volume      decimal.Decimal `gorm:"type:numeric(38,12);not null;default:0"`
	QuoteVolume decimal.Decimal `gorm:"type:numeric(38,12);not null;default:0"`
	SourceCount int             `gorm:"not null;default:0"`

	// ClosedAt is the observation time of Close; the later write owns Close.
	ClosedAt time.Time `gorm:"type:timestamptz;not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides the default table name for GORM.
func (CandleRecord) TableName() string {
	return CandleTable
}
