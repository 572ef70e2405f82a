package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tickstream/internal/model"
)

var ErrAlreadyStarted = errors.New("feed: connection already started")

// Hooks receive per-connection events, typically for metrics. Any may be nil.
type Hooks struct {
	OnTicks      func(conn, n int)
	OnDrop       func(conn int)
	OnConnect    func(conn int)
	OnDisconnect func(conn int)
	OnReconnect  func(conn int)
	OnGiveUp     func(conn int)
}

// ConnectionConfig tunes one feed connection.
type ConnectionConfig struct {
	ID         int
	Mode       model.Mode
	QueueSize  int           // default 10000
	BatchSize  int           // default 200
	FlushDelay time.Duration // default 50ms
	Hooks      Hooks
	Now        model.Clock
}

func (c *ConnectionConfig) defaults() {
	if c.Mode == "" {
		c.Mode = model.ModeFull
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = 50 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Connection subscribes one token partition and forwards enriched ticks to
// the publisher through a bounded queue. The socket callback never waits on
// the publisher: a full queue drops the tick.
type Connection struct {
	cfg    ConnectionConfig
	tokens model.TokenPartition
	meta   model.TokenMap
	pub    model.TickPublisher
	dial   Dialer
	log    *zap.Logger

	queue     chan model.Tick
	dropLimit *rate.Limiter

	tickCount  atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
	gaveUp     atomic.Bool
	lastTick   atomic.Int64 // unix nanos

	startOnce sync.Once
	stopOnce  sync.Once
	sock      Socket
	cancel    context.CancelFunc
	published chan struct{}
	runDone   chan struct{}
}

func NewConnection(cfg ConnectionConfig, tokens model.TokenPartition, meta model.TokenMap, pub model.TickPublisher, dial Dialer, log *zap.Logger) *Connection {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	c := &Connection{
		cfg:       cfg,
		tokens:    tokens,
		meta:      meta,
		pub:       pub,
		dial:      dial,
		log:       log.With(zap.Int("conn", cfg.ID)),
		queue:     make(chan model.Tick, cfg.QueueSize),
		dropLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
		published: make(chan struct{}),
		runDone:   make(chan struct{}),
	}
	c.lastTick.Store(cfg.Now().UnixNano())
	return c
}

// Start opens the socket and launches the publish loop. The socket
// reconnects on its own until Stop is called.
func (c *Connection) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	c.startOnce.Do(func() {
		err = c.start(ctx)
	})
	return err
}

func (c *Connection) start(ctx context.Context) error {
	sock, err := c.dial(c.cfg.ID, Handlers{
		OnConnect:   c.onConnect,
		OnTicks:     c.onTicks,
		OnClose:     c.onClose,
		OnReconnect: c.onReconnect,
		OnGiveUp:    c.onGiveUp,
	})
	if err != nil {
		close(c.published)
		close(c.runDone)
		return fmt.Errorf("connection %d: dial: %w", c.cfg.ID, err)
	}
	c.sock = sock

	pctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.publishLoop(pctx)
	go func() {
		defer close(c.runDone)
		sock.Run()
		c.connected.Store(false)
	}()

	c.log.Info("connection started", zap.Int("tokens", len(c.tokens)), zap.String("mode", string(c.cfg.Mode)))
	return nil
}

// Stop closes the socket and waits for queued ticks to be published.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		c.startOnce.Do(func() {
			close(c.published)
			close(c.runDone)
		})
		if c.sock != nil {
			if c.connected.Load() {
				if err := c.sock.Unsubscribe(c.tokens, c.cfg.Mode); err != nil {
					c.log.Debug("unsubscribe on stop failed", zap.Error(err))
				}
			}
			c.sock.Close()
		}
		if c.cancel != nil {
			c.cancel()
		}
		<-c.runDone
		<-c.published
		c.connected.Store(false)
		c.log.Info("connection stopped",
			zap.Int64("ticks", c.tickCount.Load()),
			zap.Int64("dropped", c.dropped.Load()))
	})
}

func (c *Connection) onConnect() {
	c.connected.Store(true)
	c.gaveUp.Store(false)
	if err := c.sock.Subscribe(c.tokens, c.cfg.Mode); err != nil {
		c.log.Error("subscribe failed", zap.Error(err))
	} else {
		c.log.Info("subscribed", zap.Int("tokens", len(c.tokens)))
	}
	if h := c.cfg.Hooks.OnConnect; h != nil {
		h(c.cfg.ID)
	}
}

func (c *Connection) onClose(err error) {
	c.connected.Store(false)
	c.log.Warn("connection closed", zap.Error(err))
	if h := c.cfg.Hooks.OnDisconnect; h != nil {
		h(c.cfg.ID)
	}
}

func (c *Connection) onReconnect(attempt int) {
	c.reconnects.Add(1)
	c.log.Info("reconnecting", zap.Int("attempt", attempt))
	if h := c.cfg.Hooks.OnReconnect; h != nil {
		h(c.cfg.ID)
	}
}

func (c *Connection) onGiveUp() {
	c.connected.Store(false)
	c.gaveUp.Store(true)
	c.log.Error("critical: reconnect attempts exhausted, connection is down until reset")
	if h := c.cfg.Hooks.OnGiveUp; h != nil {
		h(c.cfg.ID)
	}
}

// onTicks enriches and enqueues a batch from the socket.
func (c *Connection) onTicks(ticks []model.Tick) {
	if len(ticks) == 0 {
		return
	}
	c.tickCount.Add(int64(len(ticks)))
	c.lastTick.Store(c.cfg.Now().UnixNano())
	if h := c.cfg.Hooks.OnTicks; h != nil {
		h(c.cfg.ID, len(ticks))
	}

	for i := range ticks {
		c.enrich(&ticks[i])
		select {
		case c.queue <- ticks[i]:
		default:
			n := c.dropped.Add(1)
			if h := c.cfg.Hooks.OnDrop; h != nil {
				h(c.cfg.ID)
			}
			if c.dropLimit.Allow() {
				c.log.Warn("publish queue full, dropping ticks", zap.Int64("dropped_total", n))
			}
		}
	}
}

func (c *Connection) enrich(t *model.Tick) {
	if m, ok := c.meta[t.InstrumentToken]; ok {
		t.TradingSymbol = m.TradingSymbol
		t.Name = m.Name
	}
	if t.TradingSymbol == "" {
		t.TradingSymbol = model.FallbackSymbol(t.InstrumentToken)
	}
}

// publishLoop coalesces queued ticks into batches of up to BatchSize, or
// whatever arrived within FlushDelay of the first tick. On cancellation it
// drains the queue before returning.
func (c *Connection) publishLoop(ctx context.Context) {
	defer close(c.published)

	batch := make([]model.Tick, 0, c.cfg.BatchSize)
	timer := time.NewTimer(c.cfg.FlushDelay)
	stopTimer(timer)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		c.pub.Publish(ctx, batch)
		batch = make([]model.Tick, 0, c.cfg.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer(timer)
			dctx := context.WithoutCancel(ctx)
			for {
				select {
				case t := <-c.queue:
					batch = append(batch, t)
					if len(batch) >= c.cfg.BatchSize {
						flush(dctx)
					}
				default:
					flush(dctx)
					return
				}
			}
		case t := <-c.queue:
			if len(batch) == 0 {
				timer.Reset(c.cfg.FlushDelay)
			}
			batch = append(batch, t)
			if len(batch) >= c.cfg.BatchSize {
				stopTimer(timer)
				flush(ctx)
			}
		case <-timer.C:
			flush(ctx)
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (c *Connection) ID() int                      { return c.cfg.ID }
func (c *Connection) Tokens() model.TokenPartition { return c.tokens }
func (c *Connection) TickCount() int64             { return c.tickCount.Load() }
func (c *Connection) Dropped() int64               { return c.dropped.Load() }
func (c *Connection) Reconnects() int64            { return c.reconnects.Load() }
func (c *Connection) Connected() bool              { return c.connected.Load() }
func (c *Connection) GaveUp() bool                 { return c.gaveUp.Load() }
func (c *Connection) QueueLen() int                { return len(c.queue) }

// LastTickAt is the time of the last inbound batch, or creation time if none arrived.
func (c *Connection) LastTickAt() time.Time { return time.Unix(0, c.lastTick.Load()) }
