// Package cotahist imports the exchange's yearly historical quote archives:
// download, fixed-width parsing and bar persistence.
package cotahist

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one trading day of one instrument.
type Bar struct {
	Asset       string              `json:"asset"`
	TradeDate   time.Time           `json:"trade_date"`
	Open        decimal.NullDecimal `json:"open"`
	High        decimal.NullDecimal `json:"high"`
	Low         decimal.NullDecimal `json:"low"`
	Close       decimal.NullDecimal `json:"close"`
	AvgPrice    decimal.NullDecimal `json:"avg_price"`
	BestBid     decimal.NullDecimal `json:"best_bid"`
	BestAsk     decimal.NullDecimal `json:"best_ask"`
	Volume      *int64              `json:"volume"`
	TradesCount *int64              `json:"trades_count"`
	BDICode     string              `json:"bdi_code"`
	CompanyName string              `json:"company_name"`
	StockType   string              `json:"stock_type"`
	MarketType  string              `json:"market_type"`
}

// Consistent reports whether the OHLC prices and volume are coherent. Bars
// with a missing price are only checked on what is present.
func (b Bar) Consistent() bool {
	if b.Volume != nil && *b.Volume < 0 {
		return false
	}
	if b.TradesCount != nil && *b.TradesCount < 0 {
		return false
	}
	if !b.Low.Valid || !b.High.Valid {
		return true
	}
	if b.Low.Decimal.GreaterThan(b.High.Decimal) {
		return false
	}
	for _, p := range []decimal.NullDecimal{b.Open, b.Close} {
		if !p.Valid {
			continue
		}
		if p.Decimal.LessThan(b.Low.Decimal) || p.Decimal.GreaterThan(b.High.Decimal) {
			return false
		}
	}
	return true
}

// BarWriter persists bars keyed by (asset, trade_date). Re-importing a year
// overwrites the existing rows.
type BarWriter interface {
	UpsertBars(ctx context.Context, bars []Bar) (int64, error)
}
