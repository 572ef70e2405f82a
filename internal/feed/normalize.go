package feed

import (
	"math"
	"strconv"
	"time"

	"tickstream/internal/model"
	"tickstream/pkg/smartconnect"
)

var packetModes = map[int]model.Mode{
	smartconnect.ModeLTP:       model.ModeLTP,
	smartconnect.ModeQuote:     model.ModeQuote,
	smartconnect.ModeSnapQuote: model.ModeFull,
}

var feedModes = map[model.Mode]int{
	model.ModeLTP:   smartconnect.ModeLTP,
	model.ModeQuote: smartconnect.ModeQuote,
	model.ModeFull:  smartconnect.ModeSnapQuote,
}

// FeedMode maps a tick mode to the SmartAPI subscription mode.
func FeedMode(m model.Mode) int {
	if fm, ok := feedModes[m]; ok {
		return fm
	}
	return smartconnect.ModeSnapQuote
}

// Normalize converts a decoded SmartAPI packet into a Tick. Symbol and name
// are left for the owning connection to fill in.
func Normalize(p smartconnect.Packet) model.Tick {
	token, _ := strconv.ParseInt(p.Token, 10, 64)
	price := func(raw int64) float64 { return smartconnect.ToRupees(p.ExchangeType, raw) }

	t := model.Tick{
		InstrumentToken: token,
		LastPrice:       price(p.LastTradedPrice),
		Mode:            packetModes[p.Mode],
	}
	if t.Mode == "" {
		t.Mode = model.ModeLTP
	}
	if p.ExchangeTimestamp > 0 {
		t.ExchangeTimestamp = time.UnixMilli(p.ExchangeTimestamp).In(model.IST).Format(model.TimestampLayout)
	}
	if t.Mode == model.ModeLTP {
		return t
	}

	t.LastTradedQuantity = p.LastTradedQuantity
	t.AverageTradedPrice = price(p.AverageTradedPrice)
	t.VolumeTraded = p.Volume
	t.TotalBuyQuantity = int64(p.TotalBuyQuantity)
	t.TotalSellQuantity = int64(p.TotalSellQuantity)
	if p.Open != 0 || p.High != 0 || p.Low != 0 || p.Close != 0 {
		t.OHLC = &model.OHLC{
			Open:  price(p.Open),
			High:  price(p.High),
			Low:   price(p.Low),
			Close: price(p.Close),
		}
		if p.Close != 0 {
			t.ChangePct = math.Round((t.LastPrice-t.OHLC.Close)/t.OHLC.Close*1e4) / 100
		}
	}
	if t.Mode != model.ModeFull {
		return t
	}

	oi := p.OpenInterest
	t.OI = &oi
	buy := depthLevels(p.ExchangeType, p.BestBuy)
	sell := depthLevels(p.ExchangeType, p.BestSell)
	if len(buy) > 0 || len(sell) > 0 {
		t.Depth = &model.Depth{Buy: buy, Sell: sell}
	}
	return t
}

func depthLevels(exchangeType int, levels []smartconnect.BestLevel) []model.DepthLevel {
	var out []model.DepthLevel
	for _, l := range levels {
		if l.Price == 0 && l.Quantity == 0 {
			break
		}
		out = append(out, model.DepthLevel{
			Price:    smartconnect.ToRupees(exchangeType, l.Price),
			Quantity: l.Quantity,
			Orders:   int64(l.Orders),
		})
		if len(out) == 5 {
			break
		}
	}
	return out
}
