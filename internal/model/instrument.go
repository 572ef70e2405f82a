package model

import "time"

// InstrumentKind classifies a tradable instrument.
type InstrumentKind string

const (
	KindCE    InstrumentKind = "CE"
	KindPE    InstrumentKind = "PE"
	KindFUT   InstrumentKind = "FUT"
	KindIndex InstrumentKind = "INDEX"
)

// Instrument is one resolved entry of the instrument universe.
type Instrument struct {
	Token         int64          `json:"token"`
	TradingSymbol string         `json:"trading_symbol"`
	Name          string         `json:"name"`
	Kind          InstrumentKind `json:"kind"`
	Exchange      string         `json:"exchange"`
	ExchangeType  int            `json:"exchange_type"`
	Expiry        *time.Time     `json:"expiry,omitempty"`
	Strike        *float64       `json:"strike,omitempty"`
	LotSize       int            `json:"lot_size"`
}

// TokenMeta is what a feed connection attaches to each tick.
type TokenMeta struct {
	TradingSymbol string
	Name          string
	ExchangeType  int
}

// TokenMap is shared read-only across connections once built.
type TokenMap map[int64]TokenMeta

// TokenPartition is the set of tokens owned by one feed connection.
type TokenPartition []int64

// NewTokenMap indexes instruments by token.
func NewTokenMap(instruments []Instrument) TokenMap {
	m := make(TokenMap, len(instruments))
	for _, in := range instruments {
		m[in.Token] = TokenMeta{TradingSymbol: in.TradingSymbol, Name: in.Name, ExchangeType: in.ExchangeType}
	}
	return m
}

// Tokens returns the instrument tokens in input order.
func Tokens(instruments []Instrument) []int64 {
	out := make([]int64, 0, len(instruments))
	for _, in := range instruments {
		out = append(out, in.Token)
	}
	return out
}
