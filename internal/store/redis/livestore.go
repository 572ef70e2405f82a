package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"tickstream/internal/model"
)

// Fast-lookup key layout:
//
//	ticks:{symbol}:{date}   sorted set, score = exchange unix time, member = tick JSON
//	latest:{symbol}         hash snapshot of the newest tick
//	symbols:{date}          set of symbols seen that day
//	depth:{symbol}:{date}   sorted set of {timestamp,buy,sell} depth snapshots
//
// Every key is refreshed with the configured TTL on each write.

func TicksKey(symbol, date string) string { return "ticks:" + symbol + ":" + date }
func LatestKey(symbol string) string      { return "latest:" + symbol }
func SymbolsKey(date string) string       { return "symbols:" + date }
func DepthKey(symbol, date string) string { return "depth:" + symbol + ":" + date }

type depthSnapshot struct {
	Timestamp string             `json:"timestamp"`
	Buy       []model.DepthLevel `json:"buy"`
	Sell      []model.DepthLevel `json:"sell"`
}

// LiveStore maintains the fast-lookup view written by the receiver.
type LiveStore struct {
	client *goredis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewLiveStore wraps an existing client. ttl <= 0 means 24h.
func NewLiveStore(client *goredis.Client, ttl time.Duration) *LiveStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LiveStore{client: client, ttl: ttl, now: time.Now}
}

// Store writes all fast-lookup records for one tick in a single pipeline.
func (s *LiveStore) Store(ctx context.Context, t *model.Tick, tradeDate string) error {
	symbol := t.Symbol()
	score := t.Score(s.now())

	member, err := model.EncodeTick(t)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()

	tk := TicksKey(symbol, tradeDate)
	pipe.ZAdd(ctx, tk, &goredis.Z{Score: score, Member: string(member)})
	pipe.Expire(ctx, tk, s.ttl)

	lk := LatestKey(symbol)
	pipe.HSet(ctx, lk, latestFields(t))
	pipe.Expire(ctx, lk, s.ttl)

	sk := SymbolsKey(tradeDate)
	pipe.SAdd(ctx, sk, symbol)
	pipe.Expire(ctx, sk, s.ttl)

	if t.Depth != nil && (len(t.Depth.Buy) > 0 || len(t.Depth.Sell) > 0) {
		snap, err := json.Marshal(depthSnapshot{Timestamp: t.ExchangeTimestamp, Buy: t.Depth.Buy, Sell: t.Depth.Sell})
		if err != nil {
			return err
		}
		dk := DepthKey(symbol, tradeDate)
		pipe.ZAdd(ctx, dk, &goredis.Z{Score: score, Member: string(snap)})
		pipe.Expire(ctx, dk, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("live store %s: %w", symbol, err)
	}
	return nil
}

func latestFields(t *model.Tick) map[string]interface{} {
	oi := ""
	if t.OI != nil {
		oi = strconv.FormatInt(*t.OI, 10)
	}
	return map[string]interface{}{
		"last_price":         ftoa(t.LastPrice),
		"volume":             strconv.FormatInt(t.VolumeTraded, 10),
		"oi":                 oi,
		"bid":                ftoa(t.BestBid()),
		"ask":                ftoa(t.BestAsk()),
		"exchange_timestamp": t.ExchangeTimestamp,
		"total_buy_qty":      strconv.FormatInt(t.TotalBuyQuantity, 10),
		"total_sell_qty":     strconv.FormatInt(t.TotalSellQuantity, 10),
	}
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// Latest returns the latest:{symbol} snapshot.
func (s *LiveStore) Latest(ctx context.Context, symbol string) (map[string]string, error) {
	return s.client.HGetAll(ctx, LatestKey(symbol)).Result()
}

// Symbols returns the symbols seen on a trade date.
func (s *LiveStore) Symbols(ctx context.Context, date string) ([]string, error) {
	return s.client.SMembers(ctx, SymbolsKey(date)).Result()
}

// History returns the day's ticks for a symbol in exchange-time order.
func (s *LiveStore) History(ctx context.Context, symbol, date string) ([]model.Tick, error) {
	raw, err := s.client.ZRange(ctx, TicksKey(symbol, date), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Tick, 0, len(raw))
	for _, r := range raw {
		t, err := model.DecodeTick([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
