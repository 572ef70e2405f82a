package smartconnect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Subscription modes.
const (
	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
	ModeDepth     = 4
)

// Exchange types.
const (
	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

// Binary packet sizes per mode.
const (
	LTPPacketSize       = 51
	QuotePacketSize     = 123
	SnapQuotePacketSize = 379
)

var ErrShortPacket = errors.New("smartconnect: binary payload too short")

// BestLevel is one entry of the best-five book carried in SNAP_QUOTE packets.
// Flag 0 marks the buy side.
type BestLevel struct {
	Flag     int
	Quantity int64
	Price    int64 // paise
	Orders   int
}

// Packet is a decoded market data frame. Prices are in paise (or 1e-7 units for CDE_FO).
type Packet struct {
	Mode              int
	ExchangeType      int
	Token             string
	SequenceNumber    int64
	ExchangeTimestamp int64 // epoch millis
	LastTradedPrice   int64

	// QUOTE and SNAP_QUOTE
	LastTradedQuantity int64
	AverageTradedPrice int64
	Volume             int64
	TotalBuyQuantity   float64
	TotalSellQuantity  float64
	Open               int64
	High               int64
	Low                int64
	Close              int64

	// SNAP_QUOTE
	LastTradedTimestamp int64
	OpenInterest        int64
	OIChangePct         int64
	BestBuy             []BestLevel
	BestSell            []BestLevel
	UpperCircuit        int64
	LowerCircuit        int64
	High52Week          int64
	Low52Week           int64
}

// ToRupees converts a raw feed price for the given exchange type.
func ToRupees(exchangeType int, raw int64) float64 {
	exp := int32(-2)
	if exchangeType == CDE_FO {
		exp = -7
	}
	return decimal.New(raw, exp).InexactFloat64()
}

// ToRaw is the inverse of ToRupees, rounding to the nearest raw unit.
func ToRaw(exchangeType int, rupees float64) int64 {
	exp := int32(2)
	if exchangeType == CDE_FO {
		exp = 7
	}
	return decimal.NewFromFloat(rupees).Shift(exp).Round(0).IntPart()
}

func u64(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) }
func f64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// ParsePacket decodes a binary LTP, QUOTE or SNAP_QUOTE frame. Mode-specific
// sections are decoded only when the payload is long enough to carry them.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < LTPPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	p := Packet{
		Mode:              int(b[0]),
		ExchangeType:      int(b[1]),
		Token:             cString(b[2:27]),
		SequenceNumber:    u64(b[27:35]),
		ExchangeTimestamp: u64(b[35:43]),
		LastTradedPrice:   u64(b[43:51]),
	}

	if (p.Mode == ModeQuote || p.Mode == ModeSnapQuote) && len(b) >= QuotePacketSize {
		p.LastTradedQuantity = u64(b[51:59])
		p.AverageTradedPrice = u64(b[59:67])
		p.Volume = u64(b[67:75])
		p.TotalBuyQuantity = f64(b[75:83])
		p.TotalSellQuantity = f64(b[83:91])
		p.Open = u64(b[91:99])
		p.High = u64(b[99:107])
		p.Low = u64(b[107:115])
		p.Close = u64(b[115:123])
	}

	if p.Mode == ModeSnapQuote && len(b) >= SnapQuotePacketSize {
		p.LastTradedTimestamp = u64(b[123:131])
		p.OpenInterest = u64(b[131:139])
		p.OIChangePct = u64(b[139:147])
		p.BestBuy, p.BestSell = parseBestFive(b[147:347])
		p.UpperCircuit = u64(b[347:355])
		p.LowerCircuit = u64(b[355:363])
		p.High52Week = u64(b[363:371])
		p.Low52Week = u64(b[371:379])
	}
	return p, nil
}

func parseBestFive(b []byte) (buy, sell []BestLevel) {
	for i := 0; i+20 <= len(b); i += 20 {
		pk := b[i : i+20]
		lvl := BestLevel{
			Flag:     int(binary.LittleEndian.Uint16(pk[0:2])),
			Quantity: u64(pk[2:10]),
			Price:    u64(pk[10:18]),
			Orders:   int(binary.LittleEndian.Uint16(pk[18:20])),
		}
		if lvl.Flag == 0 {
			buy = append(buy, lvl)
		} else {
			sell = append(sell, lvl)
		}
	}
	return buy, sell
}

func cString(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// EncodePacket serializes p in the feed's binary layout for its mode. It is
// used by the feed simulator and tests. At most five levels per side are written.
func EncodePacket(p Packet) []byte {
	size := LTPPacketSize
	switch p.Mode {
	case ModeQuote:
		size = QuotePacketSize
	case ModeSnapQuote:
		size = SnapQuotePacketSize
	}
	b := make([]byte, size)
	le := binary.LittleEndian

	b[0] = byte(p.Mode)
	b[1] = byte(p.ExchangeType)
	copy(b[2:27], p.Token)
	le.PutUint64(b[27:35], uint64(p.SequenceNumber))
	le.PutUint64(b[35:43], uint64(p.ExchangeTimestamp))
	le.PutUint64(b[43:51], uint64(p.LastTradedPrice))
	if size == LTPPacketSize {
		return b
	}

	le.PutUint64(b[51:59], uint64(p.LastTradedQuantity))
	le.PutUint64(b[59:67], uint64(p.AverageTradedPrice))
	le.PutUint64(b[67:75], uint64(p.Volume))
	le.PutUint64(b[75:83], math.Float64bits(p.TotalBuyQuantity))
	le.PutUint64(b[83:91], math.Float64bits(p.TotalSellQuantity))
	le.PutUint64(b[91:99], uint64(p.Open))
	le.PutUint64(b[99:107], uint64(p.High))
	le.PutUint64(b[107:115], uint64(p.Low))
	le.PutUint64(b[115:123], uint64(p.Close))
	if size == QuotePacketSize {
		return b
	}

	le.PutUint64(b[123:131], uint64(p.LastTradedTimestamp))
	le.PutUint64(b[131:139], uint64(p.OpenInterest))
	le.PutUint64(b[139:147], uint64(p.OIChangePct))
	off := 147
	put := func(l BestLevel, flag int) {
		le.PutUint16(b[off:off+2], uint16(flag))
		le.PutUint64(b[off+2:off+10], uint64(l.Quantity))
		le.PutUint64(b[off+10:off+18], uint64(l.Price))
		le.PutUint16(b[off+18:off+20], uint16(l.Orders))
		off += 20
	}
	for i := 0; i < 5; i++ {
		if i < len(p.BestBuy) {
			put(p.BestBuy[i], 0)
		} else {
			put(BestLevel{}, 0)
		}
	}
	for i := 0; i < 5; i++ {
		if i < len(p.BestSell) {
			put(p.BestSell[i], 1)
		} else {
			put(BestLevel{}, 1)
		}
	}
	le.PutUint64(b[347:355], uint64(p.UpperCircuit))
	le.PutUint64(b[355:363], uint64(p.LowerCircuit))
	le.PutUint64(b[363:371], uint64(p.High52Week))
	le.PutUint64(b[371:379], uint64(p.Low52Week))
	return b
}
