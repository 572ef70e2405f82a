package model

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// Mode is the subscription depth requested from the feed.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// ParseMode maps a configured mode name to a Mode. Unknown names fall back to ModeFull.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeLTP, ModeQuote, ModeFull:
		return Mode(s)
	}
	return ModeFull
}

// OHLC is the day's open/high/low/close as reported by the feed.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// Depth holds up to 5 levels per side.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Tick is one normalized market data update. Prices are in rupees.
//
// OI and Depth are only populated in full mode; ltp and quote ticks leave them nil.
type Tick struct {
	InstrumentToken    int64   `json:"instrument_token"`
	TradingSymbol      string  `json:"tradingsymbol"`
	Name               string  `json:"name,omitempty"`
	ExchangeTimestamp  string  `json:"exchange_timestamp,omitempty"`
	LastPrice          float64 `json:"last_price"`
	LastTradedQuantity int64   `json:"last_traded_quantity,omitempty"`
	AverageTradedPrice float64 `json:"average_traded_price,omitempty"`
	VolumeTraded       int64   `json:"volume_traded,omitempty"`
	TotalBuyQuantity   int64   `json:"total_buy_quantity,omitempty"`
	TotalSellQuantity  int64   `json:"total_sell_quantity,omitempty"`
	OHLC               *OHLC   `json:"ohlc,omitempty"`
	ChangePct          float64 `json:"change,omitempty"`
	OI                 *int64  `json:"oi,omitempty"`
	OIDayHigh          *int64  `json:"oi_day_high,omitempty"`
	OIDayLow           *int64  `json:"oi_day_low,omitempty"`
	Mode               Mode    `json:"mode"`
	Depth              *Depth  `json:"depth,omitempty"`
	ReceivedAt         string  `json:"received_at,omitempty"`
}

// TimestampLayout is the wire format of ExchangeTimestamp and ReceivedAt.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an exchange timestamp. Timestamps without a zone
// offset are read as IST.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range tsLayouts {
		if t, err := time.ParseInLocation(layout, s, IST); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FallbackSymbol is the symbol used for tokens missing from the TokenMap.
func FallbackSymbol(token int64) string {
	return "TOKEN_" + strconv.FormatInt(token, 10)
}

// Symbol returns the trading symbol, or TOKEN_<n> when none was resolved.
func (t *Tick) Symbol() string {
	if t.TradingSymbol != "" {
		return t.TradingSymbol
	}
	return FallbackSymbol(t.InstrumentToken)
}

// TradeDate returns the YYYY-MM-DD of the exchange timestamp in IST,
// or today's date when the timestamp is missing or malformed.
func (t *Tick) TradeDate(now time.Time) string {
	if ts, ok := ParseTimestamp(t.ExchangeTimestamp); ok {
		return ts.In(IST).Format("2006-01-02")
	}
	return now.In(IST).Format("2006-01-02")
}

// Score is the sorted-set score for the tick: unix seconds of the exchange
// timestamp, falling back to now.
func (t *Tick) Score(now time.Time) float64 {
	ts, ok := ParseTimestamp(t.ExchangeTimestamp)
	if !ok {
		ts = now
	}
	return float64(ts.UnixNano()) / 1e9
}

// BestBid returns the top buy price, or 0 without depth.
func (t *Tick) BestBid() float64 {
	if t.Depth == nil || len(t.Depth.Buy) == 0 {
		return 0
	}
	return t.Depth.Buy[0].Price
}

// BestAsk returns the top sell price, or 0 without depth.
func (t *Tick) BestAsk() float64 {
	if t.Depth == nil || len(t.Depth.Sell) == 0 {
		return 0
	}
	return t.Depth.Sell[0].Price
}

// EncodeTick returns the compact JSON form carried in stream entries.
func EncodeTick(t *Tick) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTick parses a stream entry payload.
func DecodeTick(data []byte) (Tick, error) {
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return Tick{}, fmt.Errorf("decode tick: %w", err)
	}
	return t, nil
}
