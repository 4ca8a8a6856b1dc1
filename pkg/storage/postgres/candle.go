package postgres

import (
	"context"
	"fmt"
	"time"

	"candlecollector/internal/market"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// monotonicMerge is the ON CONFLICT (time, symbol) action. High and low only
// move outward, open keeps the first writer's value, close and the volumes
// follow the write with the later closed_at.
var monotonicMerge = clause.OnConflict{
	Columns: []clause.Column{{Name: "time"}, {Name: "symbol"}},
	DoUpdates: clause.Set{
		{Column: clause.Column{Name: "high"}, Value: gorm.Expr("GREATEST(" + CandleTable + ".high, EXCLUDED.high)")},
		{Column: clause.Column{Name: "low"}, Value: gorm.Expr("LEAST(" + CandleTable + ".low, EXCLUDED.low)")},
		{Column: clause.Column{Name: "close"}, Value: laterWins("close")},
		{Column: clause.Column{Name: "volume"}, Value: laterWins("volume")},
		{Column: clause.Column{Name: "quote_volume"}, Value: laterWins("quote_volume")},
		{Column: clause.Column{Name: "closed_at"}, Value: gorm.Expr("GREATEST(" + CandleTable + ".closed_at, EXCLUDED.closed_at)")},
		{Column: clause.Column{Name: "source_count"}, Value: gorm.Expr("GREATEST(" + CandleTable + ".source_count, EXCLUDED.source_count)")},
		{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("EXCLUDED.updated_at")},
	},
}

func laterWins(col string) clause.Expr {
	return gorm.Expr(fmt.Sprintf(
		"CASE WHEN EXCLUDED.closed_at >= %[1]s.closed_at THEN EXCLUDED.%[2]s ELSE %[1]s.%[2]s END",
		CandleTable, col,
	))
}

// UpsertCandles writes candles in one statement using the monotonic merge.
// Callers must not pass two candles with the same (time, symbol).
func (p *PostgresClient) UpsertCandles(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	records := make([]CandleRecord, len(candles))
	for i, c := range candles {
		records[i] = ToCandleRecord(c)
	}

	tx := p.DB.WithContext(ctx).Clauses(monotonicMerge).Create(&records)
	if tx.Error != nil {
		return fmt.Errorf("upsert %d candles: %w", len(candles), tx.Error)
	}
	return nil
}

// QueryCandles returns stored candles for a market with from <= time <= to, oldest first.
func (p *PostgresClient) QueryCandles(ctx context.Context, m market.Market, from, to time.Time) ([]market.Candle, error) {
	var records []CandleRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND time >= ? AND time <= ?", m.Symbol(), from.UTC(), to.UTC()).
		Order("time ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query %s candles: %w", m, err)
	}

	out := make([]market.Candle, 0, len(records))
	for _, r := range records {
		c, err := ToCandle(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetCandle returns the stored candle for one bucket.
func (p *PostgresClient) GetCandle(ctx context.Context, m market.Market, bucket time.Time) (*market.Candle, error) {
	var record CandleRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND time = ?", m.Symbol(), bucket.UTC()).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	c, err := ToCandle(record)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCandlesBefore removes candles older than before and reports how many went.
func (p *PostgresClient) DeleteCandlesBefore(ctx context.Context, before time.Time) (int64, error) {
	tx := p.DB.WithContext(ctx).
		Where("time < ?", before.UTC()).
		Delete(&CandleRecord{})
	return tx.RowsAffected, tx.Error
}

// ToCandleRecord converts a candle into a CandleRecord for DB insertion.
func ToCandleRecord(c market.Candle) CandleRecord {
	return CandleRecord{
		Time:        c.Time.UTC(),
		Symbol:      c.Market.Symbol(),
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		QuoteVolume: c.QuoteVolume,
		SourceCount: c.SourceCount,
		ClosedAt:    c.ClosedAt.UTC(),
	}
}

// ToCandle converts a stored record back to a candle.
func ToCandle(r CandleRecord) (market.Candle, error) {
	m, err := market.ParseSymbol(r.Symbol)
	if err != nil {
		return market.Candle{}, err
	}
	return market.Candle{
		Market:      m,
		Time:        r.Time.UTC(),
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		QuoteVolume: r.QuoteVolume,
		SourceCount: r.SourceCount,
		ClosedAt:    r.ClosedAt.UTC(),
	}, nil
}
