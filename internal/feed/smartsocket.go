package feed

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tickstream/internal/model"
	"tickstream/pkg/smartconnect"
)

// SmartSocketConfig carries the session credentials and retry policy for
// SmartAPI sockets.
type SmartSocketConfig struct {
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	URL           string
	MaxRetries    int
	MaxRetryDelay time.Duration
	Logger        *zap.Logger
}

// NewSmartDialer returns a Dialer that opens SmartAPI v2 websockets. Tokens
// missing from meta are subscribed on the NSE F&O segment.
func NewSmartDialer(cfg SmartSocketConfig, meta model.TokenMap) Dialer {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return func(id int, h Handlers) (Socket, error) {
		ws, err := smartconnect.NewSmartWebSocketV2(smartconnect.WSConfig{
			AuthToken:       cfg.AuthToken,
			APIKey:          cfg.APIKey,
			ClientCode:      cfg.ClientCode,
			FeedToken:       cfg.FeedToken,
			URL:             cfg.URL,
			MaxRetryAttempt: cfg.MaxRetries,
			MaxRetryDelay:   cfg.MaxRetryDelay,
			Logger:          log.With(zap.Int("socket", id)),
		})
		if err != nil {
			return nil, err
		}
		ws.OnOpen = h.OnConnect
		ws.OnData = func(p smartconnect.Packet) {
			if h.OnTicks != nil {
				h.OnTicks([]model.Tick{Normalize(p)})
			}
		}
		ws.OnClose = h.OnClose
		ws.OnReconnect = func(attempt int, _ time.Duration) {
			if h.OnReconnect != nil {
				h.OnReconnect(attempt)
			}
		}
		ws.OnNoReconnect = h.OnGiveUp
		return &smartSocket{id: id, ws: ws, meta: meta}, nil
	}
}

type smartSocket struct {
	id   int
	ws   *smartconnect.SmartWebSocketV2
	meta model.TokenMap
}

func (s *smartSocket) Run()   { s.ws.Run() }
func (s *smartSocket) Close() { s.ws.Close() }

func (s *smartSocket) Subscribe(tokens []int64, mode model.Mode) error {
	return s.ws.Subscribe(fmt.Sprintf("tick%d", s.id), FeedMode(mode), TokenList(tokens, s.meta))
}

func (s *smartSocket) Unsubscribe(tokens []int64, mode model.Mode) error {
	return s.ws.Unsubscribe(fmt.Sprintf("tick%d", s.id), FeedMode(mode), TokenList(tokens, s.meta))
}

// TokenList groups tokens by exchange type in ascending exchange-type order.
func TokenList(tokens []int64, meta model.TokenMap) []smartconnect.TokenListEntry {
	groups := make(map[int][]string)
	for _, tok := range tokens {
		ex := smartconnect.NSE_FO
		if m, ok := meta[tok]; ok && m.ExchangeType != 0 {
			ex = m.ExchangeType
		}
		groups[ex] = append(groups[ex], strconv.FormatInt(tok, 10))
	}
	out := make([]smartconnect.TokenListEntry, 0, len(groups))
	for ex, toks := range groups {
		out = append(out, smartconnect.TokenListEntry{ExchangeType: ex, Tokens: toks})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeType < out[j].ExchangeType })
	return out
}
