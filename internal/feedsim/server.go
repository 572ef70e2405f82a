// Package feedsim serves a SmartAPI-compatible market data websocket with
// random-walk prices. It lets the connector run in staging without broker
// credentials: point CONNECTOR_FEED_URL at it.
//
// Clients subscribe with the usual JSON requests and receive binary frames in
// the subscribed mode. A text "ping" is answered with "pong".
package feedsim

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tickstream/pkg/smartconnect"
)

type Config struct {
	Interval     time.Duration // broadcast period, default 200ms
	StartPrice   int64         // paise, default 100000 (Rs 1000)
	RequireAuth  bool          // reject upgrades without the feed headers
	ClientBuffer int           // frames queued per client before dropping, default 1024
	Seed         int64         // 0 seeds from the clock
	Logger       *zap.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 200 * time.Millisecond
	}
	if c.StartPrice <= 0 {
		c.StartPrice = 1000_00
	}
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = 1024
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type subKey struct {
	exchangeType int
	token        string
}

type frame struct {
	kind int
	data []byte
}

type client struct {
	conn *websocket.Conn
	send chan frame

	mu   sync.Mutex
	subs map[subKey]int // mode per subscribed token
}

func (c *client) subscriptions() map[subKey]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[subKey]int, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}

type instrument struct {
	price  int64
	open   int64
	high   int64
	low    int64
	volume int64
	oi     int64
	seq    int64
}

// Server is an http.Handler for the websocket endpoint plus a generator loop.
type Server struct {
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	stateMu sync.Mutex
	rng     *rand.Rand
	state   map[subKey]*instrument

	sent    int64
	dropped int64
}

func New(cfg Config) *Server {
	cfg.defaults()
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.Named("feedsim"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		state:    make(map[subKey]*instrument),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RequireAuth && (r.Header.Get("Authorization") == "" || r.Header.Get("x-feed-token") == "") {
		http.Error(w, "missing feed credentials", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan frame, s.cfg.ClientBuffer), subs: make(map[subKey]int)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("client connected", zap.String("remote", r.RemoteAddr), zap.String("client_code", r.Header.Get("x-client-code")))

	done := make(chan struct{})
	go s.writePump(c, done)
	s.readPump(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	close(done)
	_ = conn.Close()
	s.log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
}

func (s *Server) readPump(c *client) {
	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if string(msg) == smartconnect.HeartBeatMessage {
			s.enqueue(c, frame{kind: websocket.TextMessage, data: []byte("pong")})
			continue
		}
		var req smartconnect.SubscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			s.log.Debug("ignoring text frame", zap.ByteString("payload", msg))
			continue
		}
		s.apply(c, req)
	}
}

func (s *Server) apply(c *client, req smartconnect.SubscribeRequest) {
	n := 0
	c.mu.Lock()
	for _, tl := range req.Params.TokenList {
		for _, tok := range tl.Tokens {
			k := subKey{exchangeType: tl.ExchangeType, token: tok}
			if req.Action == smartconnect.SubscribeAction {
				c.subs[k] = req.Params.Mode
			} else {
				delete(c.subs, k)
			}
			n++
		}
	}
	c.mu.Unlock()
	s.log.Info("subscription change",
		zap.String("correlation_id", req.CorrelationID),
		zap.Int("action", req.Action),
		zap.Int("mode", req.Params.Mode),
		zap.Int("tokens", n))
}

func (s *Server) writePump(c *client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// enqueue drops the frame when the client is not keeping up.
func (s *Server) enqueue(c *client, f frame) {
	select {
	case c.send <- f:
		s.stateMu.Lock()
		s.sent++
		s.stateMu.Unlock()
	default:
		s.stateMu.Lock()
		s.dropped++
		s.stateMu.Unlock()
	}
}

// Run broadcasts one frame per subscribed token every Interval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Broadcast(time.Now())
		}
	}
}

// Broadcast advances every subscribed instrument one step and sends the frames.
func (s *Server) Broadcast(now time.Time) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		for k, mode := range c.subscriptions() {
			p := s.next(k, mode, now)
			s.enqueue(c, frame{kind: websocket.BinaryMessage, data: smartconnect.EncodePacket(p)})
		}
	}
}

// Stats returns frames sent and dropped so far.
func (s *Server) Stats() (sent, dropped int64) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sent, s.dropped
}

func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) next(k subKey, mode int, now time.Time) smartconnect.Packet {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	in, ok := s.state[k]
	if !ok {
		in = &instrument{price: s.cfg.StartPrice, oi: 10_000 + s.rng.Int63n(90_000)}
		in.open, in.high, in.low = in.price, in.price, in.price
		s.state[k] = in
	}
	in.price = walkPrice(s.rng, in.price)
	if in.price > in.high {
		in.high = in.price
	}
	if in.price < in.low {
		in.low = in.price
	}
	qty := s.rng.Int63n(100) + 1
	in.volume += qty
	in.oi += s.rng.Int63n(21) - 10
	in.seq++

	p := smartconnect.Packet{
		Mode:              mode,
		ExchangeType:      k.exchangeType,
		Token:             k.token,
		SequenceNumber:    in.seq,
		ExchangeTimestamp: now.UnixMilli(),
		LastTradedPrice:   in.price,
	}
	if mode == smartconnect.ModeLTP {
		return p
	}

	p.LastTradedQuantity = qty
	p.AverageTradedPrice = (in.open + in.price) / 2
	p.Volume = in.volume
	p.TotalBuyQuantity = float64(s.rng.Int63n(50_000))
	p.TotalSellQuantity = float64(s.rng.Int63n(50_000))
	p.Open, p.High, p.Low, p.Close = in.open, in.high, in.low, in.open
	if mode == smartconnect.ModeQuote {
		return p
	}

	p.LastTradedTimestamp = now.Unix()
	p.OpenInterest = in.oi
	p.UpperCircuit = in.open * 12 / 10
	p.LowerCircuit = in.open * 8 / 10
	p.High52Week = in.high * 13 / 10
	p.Low52Week = in.low * 7 / 10
	tick := max(in.price/2000, 5)
	for i := int64(1); i <= 5; i++ {
		p.BestBuy = append(p.BestBuy, smartconnect.BestLevel{
			Flag: 0, Price: in.price - i*tick, Quantity: s.rng.Int63n(1000) + 1, Orders: s.rng.Intn(20) + 1,
		})
		p.BestSell = append(p.BestSell, smartconnect.BestLevel{
			Flag: 1, Price: in.price + i*tick, Quantity: s.rng.Int63n(1000) + 1, Orders: s.rng.Intn(20) + 1,
		})
	}
	return p
}

// walkPrice moves price by up to ±0.1%, floored at one rupee.
func walkPrice(rng *rand.Rand, price int64) int64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := price + int64(float64(price)*pct)
	if next < 100 {
		next = 100
	}
	return next
}
