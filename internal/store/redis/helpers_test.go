package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"

	"tickstream/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func i64(v int64) *int64 { return &v }

func fullTick(token int64, symbol string, ts string) model.Tick {
	return model.Tick{
		InstrumentToken:   token,
		TradingSymbol:     symbol,
		Name:              "NIFTY",
		ExchangeTimestamp: ts,
		LastPrice:         101.25,
		VolumeTraded:      1500,
		TotalBuyQuantity:  900,
		TotalSellQuantity: 600,
		OHLC:              &model.OHLC{Open: 100, High: 102, Low: 99.5, Close: 100.5},
		OI:                i64(42000),
		Mode:              model.ModeFull,
		Depth: &model.Depth{
			Buy:  []model.DepthLevel{{Price: 101.2, Quantity: 75, Orders: 2}, {Price: 101.1, Quantity: 150, Orders: 3}},
			Sell: []model.DepthLevel{{Price: 101.3, Quantity: 50, Orders: 1}},
		},
	}
}
