package smartconnect

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedServer accepts connections, records subscribe requests and streams one
// packet per subscription. When dropFirst is set the first connection is
// closed right after the packet is sent.
type feedServer struct {
	t         *testing.T
	dropFirst bool
	conns     atomic.Int32
	requests  chan SubscribeRequest
}

func (f *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "jwt", r.Header.Get("Authorization"))
	assert.Equal(f.t, "feed", r.Header.Get("x-feed-token"))

	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := f.conns.Add(1)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.TextMessage && string(msg) == HeartBeatMessage {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			continue
		}
		var req SubscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		f.requests <- req
		tok := req.Params.TokenList[0].Tokens[0]
		_ = conn.WriteMessage(websocket.BinaryMessage,
			EncodePacket(Packet{Mode: req.Params.Mode, ExchangeType: NSE_FO, Token: tok, LastTradedPrice: 100 * int64(n)}))
		if f.dropFirst && n == 1 {
			return
		}
	}
}

func newTestSocket(t *testing.T, srv *httptest.Server) *SmartWebSocketV2 {
	t.Helper()
	ws, err := NewSmartWebSocketV2(WSConfig{
		AuthToken: "jwt", APIKey: "key", ClientCode: "C1", FeedToken: "feed",
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		RetryDelay:        10 * time.Millisecond,
		MaxRetryAttempt:   3,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return ws
}

func TestSmartWebSocket_SubscribeAndReceive(t *testing.T) {
	fs := &feedServer{t: t, requests: make(chan SubscribeRequest, 4)}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	ws := newTestSocket(t, srv)
	packets := make(chan Packet, 4)
	ws.OnOpen = func() {
		assert.NoError(t, ws.Subscribe("c1", ModeSnapQuote, []TokenListEntry{{ExchangeType: NSE_FO, Tokens: []string{"43650"}}}))
	}
	ws.OnData = func(p Packet) { packets <- p }

	done := make(chan struct{})
	go func() { ws.Run(); close(done) }()

	req := <-fs.requests
	assert.Equal(t, SubscribeAction, req.Action)
	assert.Equal(t, ModeSnapQuote, req.Params.Mode)

	select {
	case p := <-packets:
		assert.Equal(t, "43650", p.Token)
	case <-time.After(2 * time.Second):
		t.Fatal("no packet received")
	}

	since := time.Now()
	require.Eventually(t, func() bool {
		return ws.LastPong().After(since)
	}, 2*time.Second, 5*time.Millisecond)

	ws.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestSmartWebSocket_Unsubscribe(t *testing.T) {
	fs := &feedServer{t: t, requests: make(chan SubscribeRequest, 4)}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	ws := newTestSocket(t, srv)
	tokens := []TokenListEntry{{ExchangeType: NSE_FO, Tokens: []string{"43650"}}}
	opened := make(chan struct{})
	ws.OnOpen = func() { close(opened) }
	go ws.Run()
	defer ws.Close()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("socket never opened")
	}
	require.NoError(t, ws.Unsubscribe("c1", ModeQuote, tokens))

	select {
	case req := <-fs.requests:
		assert.Equal(t, UnsubscribeAction, req.Action)
		assert.Equal(t, "c1", req.CorrelationID)
		assert.Equal(t, ModeQuote, req.Params.Mode)
		assert.Equal(t, tokens, req.Params.TokenList)
	case <-time.After(2 * time.Second):
		t.Fatal("no unsubscribe request received")
	}
}

func TestSmartWebSocket_ReconnectsAndResubscribes(t *testing.T) {
	fs := &feedServer{t: t, dropFirst: true, requests: make(chan SubscribeRequest, 4)}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	ws := newTestSocket(t, srv)
	var opens, closes, reconnects atomic.Int32
	ws.OnOpen = func() {
		opens.Add(1)
		_ = ws.Subscribe("", ModeLTP, []TokenListEntry{{ExchangeType: NSE_FO, Tokens: []string{"1"}}})
	}
	ws.OnClose = func(error) { closes.Add(1) }
	ws.OnReconnect = func(attempt int, _ time.Duration) {
		assert.Equal(t, 1, attempt)
		reconnects.Add(1)
	}
	go ws.Run()
	defer ws.Close()

	require.Eventually(t, func() bool {
		return opens.Load() == 2 && len(fs.requests) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), closes.Load())
	assert.Equal(t, int32(1), reconnects.Load())
	assert.Equal(t, int32(2), fs.conns.Load())
}

func TestSmartWebSocket_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	ws := newTestSocket(t, srv)
	gaveUp := make(chan struct{})
	ws.OnNoReconnect = func() { close(gaveUp) }
	go ws.Run()

	select {
	case <-gaveUp:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnNoReconnect")
	}
}

func TestSmartWebSocket_Backoff(t *testing.T) {
	ws, err := NewSmartWebSocketV2(WSConfig{
		AuthToken: "a", APIKey: "b", ClientCode: "c", FeedToken: "d",
		RetryDelay: time.Second, RetryMultiplier: 2, MaxRetryDelay: 60 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, time.Second, ws.Backoff(1))
	assert.Equal(t, 2*time.Second, ws.Backoff(2))
	assert.Equal(t, 32*time.Second, ws.Backoff(6))
	assert.Equal(t, 60*time.Second, ws.Backoff(7))
	assert.Equal(t, 60*time.Second, ws.Backoff(40))
}

func TestSmartWebSocket_Validation(t *testing.T) {
	_, err := NewSmartWebSocketV2(WSConfig{APIKey: "b"})
	assert.ErrorIs(t, err, ErrEmptyCredentials)

	ws, err := NewSmartWebSocketV2(WSConfig{AuthToken: "a", APIKey: "b", ClientCode: "c", FeedToken: "d"})
	require.NoError(t, err)
	assert.ErrorIs(t, ws.Subscribe("", ModeLTP, nil), ErrNotConnected)

	tokens := make([]string, QuotaDepthLimit+1)
	assert.ErrorIs(t, ws.Subscribe("", ModeDepth, []TokenListEntry{{ExchangeType: NSE_CM, Tokens: tokens}}), ErrDepthQuota)
}
