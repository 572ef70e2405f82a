package smartconnect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	RootURI           = "wss://smartapisocket.angelone.in/smart-stream"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second
	QuotaDepthLimit   = 50
)

const (
	SubscribeAction   = 1
	UnsubscribeAction = 0
)

var SubscriptionModeMap = map[int]string{
	ModeLTP:       "LTP",
	ModeQuote:     "QUOTE",
	ModeSnapQuote: "SNAP_QUOTE",
	ModeDepth:     "DEPTH",
}

var (
	ErrEmptyCredentials = errors.New("smartconnect: provide valid value for all the tokens")
	ErrNotConnected     = errors.New("smartconnect: no connection")
	ErrDepthQuota       = fmt.Errorf("smartconnect: depth mode allows at most %d tokens", QuotaDepthLimit)
)

// TokenListEntry represents exchangeType + tokens for subscribe/unsubscribe
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// SubscribeParams and SubscribeRequest are the JSON text frames a client
// sends to change its subscriptions.
type SubscribeParams struct {
	Mode      int              `json:"mode"`
	TokenList []TokenListEntry `json:"tokenList"`
}

type SubscribeRequest struct {
	CorrelationID string          `json:"correlationID,omitempty"`
	Action        int             `json:"action"`
	Params        SubscribeParams `json:"params"`
}

type WSConfig struct {
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	URL               string        // default: RootURI
	MaxRetryAttempt   int           // consecutive failed attempts before giving up; default 50
	RetryDelay        time.Duration // first backoff step; default 1s
	RetryMultiplier   float64       // default 2
	MaxRetryDelay     time.Duration // backoff cap; default 60s
	HeartbeatInterval time.Duration // default HeartBeatInterval
	HandshakeTimeout  time.Duration // default 10s
	Logger            *zap.Logger
}

// SmartWebSocketV2 is a reconnecting client for the SmartAPI binary stream.
// Callbacks run on the read goroutine and must not block.
type SmartWebSocketV2 struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	log    *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	lastPong atomic.Int64

	// OnOpen runs after every successful connect, including reconnects.
	OnOpen func()
	// OnData receives every decoded market data packet.
	OnData func(Packet)
	// OnClose runs when an established connection drops.
	OnClose func(err error)
	// OnReconnect runs before each reconnect attempt with the attempt number
	// and the delay about to be waited.
	OnReconnect func(attempt int, delay time.Duration)
	// OnNoReconnect runs once MaxRetryAttempt consecutive attempts have failed.
	OnNoReconnect func()

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSmartWebSocketV2(cfg WSConfig) (*SmartWebSocketV2, error) {
	if cfg.AuthToken == "" || cfg.APIKey == "" || cfg.ClientCode == "" || cfg.FeedToken == "" {
		return nil, ErrEmptyCredentials
	}
	if cfg.URL == "" {
		cfg.URL = RootURI
	}
	if cfg.MaxRetryAttempt <= 0 {
		cfg.MaxRetryAttempt = 50
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = 2
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = HeartBeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SmartWebSocketV2{
		cfg:    cfg,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Backoff returns the wait before the given (1-based) reconnect attempt.
func (s *SmartWebSocketV2) Backoff(attempt int) time.Duration {
	d := float64(s.cfg.RetryDelay)
	for i := 1; i < attempt; i++ {
		d *= s.cfg.RetryMultiplier
		if d >= float64(s.cfg.MaxRetryDelay) {
			return s.cfg.MaxRetryDelay
		}
	}
	return time.Duration(d)
}

// Run connects and serves the stream until Close is called or the retry
// budget is exhausted. The attempt counter resets after every successful connect.
func (s *SmartWebSocketV2) Run() {
	attempt := 0
	for {
		connected, err := s.serve()
		if s.ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
			if s.OnClose != nil {
				s.OnClose(err)
			}
		} else {
			s.log.Warn("websocket dial failed", zap.Error(err))
		}

		attempt++
		if attempt > s.cfg.MaxRetryAttempt {
			s.log.Error("max retry attempt reached", zap.Int("attempts", s.cfg.MaxRetryAttempt))
			if s.OnNoReconnect != nil {
				s.OnNoReconnect()
			}
			return
		}
		delay := s.Backoff(attempt)
		if s.OnReconnect != nil {
			s.OnReconnect(attempt, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *SmartWebSocketV2) serve() (bool, error) {
	header := http.Header{}
	header.Add("Authorization", s.cfg.AuthToken)
	header.Add("x-api-key", s.cfg.APIKey)
	header.Add("x-client-code", s.cfg.ClientCode)
	header.Add("x-feed-token", s.cfg.FeedToken)

	conn, resp, err := s.dialer.DialContext(s.ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	s.lastPong.Store(time.Now().UnixNano())

	stop := make(chan struct{})
	defer func() {
		close(stop)
		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
		_ = conn.Close()
	}()

	// Close unblocks ReadMessage when the client is shut down.
	go func() {
		select {
		case <-s.ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	go s.heartbeatLoop(conn, stop)

	s.log.Info("websocket connected", zap.String("url", s.cfg.URL))
	if s.OnOpen != nil {
		s.OnOpen()
	}

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		switch mt {
		case websocket.BinaryMessage:
			p, perr := ParsePacket(message)
			if perr != nil {
				s.log.Debug("dropping frame", zap.Error(perr))
				continue
			}
			if s.OnData != nil {
				s.OnData(p)
			}
		case websocket.TextMessage:
			if string(message) == "pong" {
				s.lastPong.Store(time.Now().UnixNano())
				continue
			}
			s.log.Debug("control message", zap.ByteString("payload", message))
		}
	}
}

// heartbeatLoop sends the text ping the server expects. A failed write closes
// the connection so the read loop observes the error and reconnects.
func (s *SmartWebSocketV2) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteMessage(websocket.TextMessage, []byte(HeartBeatMessage))
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warn("heartbeat write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

// LastPong reports when the server last answered a heartbeat.
func (s *SmartWebSocketV2) LastPong() time.Time {
	return time.Unix(0, s.lastPong.Load())
}

// Subscribe sends a subscription request on the current connection.
func (s *SmartWebSocketV2) Subscribe(correlationID string, mode int, tokenList []TokenListEntry) error {
	if mode == ModeDepth {
		total := 0
		for _, t := range tokenList {
			total += len(t.Tokens)
		}
		if total > QuotaDepthLimit {
			return ErrDepthQuota
		}
	}
	return s.send(SubscribeRequest{
		CorrelationID: correlationID,
		Action:        SubscribeAction,
		Params:        SubscribeParams{Mode: mode, TokenList: tokenList},
	})
}

// Unsubscribe stops streaming the given tokens on the current connection.
func (s *SmartWebSocketV2) Unsubscribe(correlationID string, mode int, tokenList []TokenListEntry) error {
	return s.send(SubscribeRequest{
		CorrelationID: correlationID,
		Action:        UnsubscribeAction,
		Params:        SubscribeParams{Mode: mode, TokenList: tokenList},
	})
}

func (s *SmartWebSocketV2) send(req SubscribeRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// Close stops Run and closes the current connection. It is safe to call more than once.
func (s *SmartWebSocketV2) Close() {
	s.cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
}
