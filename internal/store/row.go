// Package store holds the row mapping shared by the durable tick stores.
package store

import (
	"time"

	"tickstream/internal/model"
)

// TickColumns is the insert column order for the ticks table.
var TickColumns = []string{
	"instrument_token", "tradingsymbol", "exchange_timestamp",
	"last_price", "last_traded_quantity", "average_traded_price",
	"volume_traded", "total_buy_quantity", "total_sell_quantity",
	"open", "high", "low", "close", "change_pct",
	"oi", "oi_day_high", "oi_day_low",
	"tick_mode", "received_at", "trade_date",
}

// DepthRow is one populated order-book level.
type DepthRow struct {
	Side     string
	Level    int
	Price    float64
	Quantity int64
	Orders   int64
}

// TickArgs returns the insert arguments for t in TickColumns order. Missing
// optional values are NULL; symbol, received_at and trade_date always have a value.
func TickArgs(t *model.Tick, now time.Time) []any {
	var open, high, low, closePx any
	if t.OHLC != nil {
		open, high, low, closePx = t.OHLC.Open, t.OHLC.High, t.OHLC.Low, t.OHLC.Close
	}
	receivedAt := t.ReceivedAt
	if receivedAt == "" {
		receivedAt = now.In(model.IST).Format(model.TimestampLayout)
	}
	var exTS any
	if t.ExchangeTimestamp != "" {
		exTS = t.ExchangeTimestamp
	}
	return []any{
		t.InstrumentToken, t.Symbol(), exTS,
		t.LastPrice, t.LastTradedQuantity, t.AverageTradedPrice,
		t.VolumeTraded, t.TotalBuyQuantity, t.TotalSellQuantity,
		open, high, low, closePx, t.ChangePct,
		optInt(t.OI), optInt(t.OIDayHigh), optInt(t.OIDayLow),
		string(t.Mode), receivedAt, t.TradeDate(now),
	}
}

// DepthRows flattens the tick's depth into rows, buy side first. Level is
// the 0-based position within the side.
func DepthRows(t *model.Tick) []DepthRow {
	if t.Depth == nil {
		return nil
	}
	rows := make([]DepthRow, 0, len(t.Depth.Buy)+len(t.Depth.Sell))
	for i, l := range t.Depth.Buy {
		rows = append(rows, DepthRow{Side: "buy", Level: i, Price: l.Price, Quantity: l.Quantity, Orders: l.Orders})
	}
	for i, l := range t.Depth.Sell {
		rows = append(rows, DepthRow{Side: "sell", Level: i, Price: l.Price, Quantity: l.Quantity, Orders: l.Orders})
	}
	return rows
}

func optInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
