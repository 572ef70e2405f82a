package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tickstream/internal/instruments"
	"tickstream/internal/model"
)

var (
	ErrRunning       = errors.New("feed: coordinator already running")
	ErrNoConnections = errors.New("feed: no connection could be started")
)

// CoordinatorConfig tunes the set of feed connections.
type CoordinatorConfig struct {
	// Connection is the template for every connection; ID is assigned per partition.
	Connection     ConnectionConfig
	MaxConnections int           // capped at instruments.MaxSockets
	StaggerDelay   time.Duration // gap between connection starts
	ResetPause     time.Duration // pause between stop and restart in ReconnectAll
}

// ConnectionStatus is a point-in-time view of one connection.
type ConnectionStatus struct {
	ID         int       `json:"id"`
	Tokens     int       `json:"tokens"`
	Connected  bool      `json:"connected"`
	GaveUp     bool      `json:"gave_up,omitempty"`
	Ticks      int64     `json:"ticks"`
	Dropped    int64     `json:"dropped"`
	Reconnects int64     `json:"reconnects"`
	QueueLen   int       `json:"queue_len"`
	LastTickAt time.Time `json:"last_tick_at"`
}

// Coordinator runs one Connection per token partition.
type Coordinator struct {
	cfg  CoordinatorConfig
	meta model.TokenMap
	pub  model.TickPublisher
	dial Dialer
	log  *zap.Logger

	lifecycle sync.Mutex // serializes Start, Stop and ReconnectAll

	mu    sync.RWMutex
	conns []*Connection

	retiredTicks atomic.Int64
	resets       atomic.Int64
}

func NewCoordinator(cfg CoordinatorConfig, meta model.TokenMap, pub model.TickPublisher, dial Dialer, log *zap.Logger) *Coordinator {
	if cfg.MaxConnections <= 0 || cfg.MaxConnections > instruments.MaxSockets {
		cfg.MaxConnections = instruments.MaxSockets
	}
	cfg.Connection.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, meta: meta, pub: pub, dial: dial, log: log}
}

// Start launches one connection per non-empty partition, spaced by
// StaggerDelay. A connection that fails to start is logged and skipped.
func (c *Coordinator) Start(ctx context.Context, partitions []model.TokenPartition) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.start(ctx, partitions)
}

func (c *Coordinator) start(ctx context.Context, partitions []model.TokenPartition) error {
	c.mu.RLock()
	running := len(c.conns) > 0
	c.mu.RUnlock()
	if running {
		return ErrRunning
	}

	limit := rate.Inf
	if c.cfg.StaggerDelay > 0 {
		limit = rate.Every(c.cfg.StaggerDelay)
	}
	stagger := rate.NewLimiter(limit, 1)

	attempted := 0
	for i, part := range partitions {
		if len(part) == 0 {
			continue
		}
		if attempted == c.cfg.MaxConnections {
			c.log.Warn("partition ignored, connection limit reached", zap.Int("partition", i), zap.Int("max", c.cfg.MaxConnections))
			continue
		}
		attempted++
		if err := stagger.Wait(ctx); err != nil {
			c.stop()
			return err
		}

		ccfg := c.cfg.Connection
		ccfg.ID = i + 1
		conn := NewConnection(ccfg, part, c.meta, c.pub, c.dial, c.log)
		if err := conn.Start(ctx); err != nil {
			c.log.Error("connection failed to start", zap.Int("conn", ccfg.ID), zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
	}

	c.mu.RLock()
	started := len(c.conns)
	c.mu.RUnlock()
	if attempted > 0 && started == 0 {
		return ErrNoConnections
	}
	c.log.Info("feed connections started", zap.Int("connections", started))
	return nil
}

// Stop tears down every connection. It is safe to call repeatedly.
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()
}

func (c *Coordinator) stop() {
	c.mu.Lock()
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()
	if len(conns) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			conn.Stop()
			c.retiredTicks.Add(conn.TickCount())
		}(conn)
	}
	wg.Wait()
	c.log.Info("feed connections stopped", zap.Int("connections", len(conns)))
}

// ReconnectAll stops every connection, waits ResetPause and starts fresh ones.
func (c *Coordinator) ReconnectAll(ctx context.Context, partitions []model.TokenPartition) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	n := c.resets.Add(1)
	c.log.Warn("resetting all feed connections", zap.Int64("reset", n))
	c.stop()

	if c.cfg.ResetPause > 0 {
		t := time.NewTimer(c.cfg.ResetPause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return c.start(ctx, partitions)
}

func (c *Coordinator) connections() []*Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Connection(nil), c.conns...)
}

// TotalTickCount sums ticks across current and previously stopped connections.
func (c *Coordinator) TotalTickCount() int64 {
	total := c.retiredTicks.Load()
	for _, conn := range c.connections() {
		total += conn.TickCount()
	}
	return total
}

func (c *Coordinator) ConnectedCount() int {
	n := 0
	for _, conn := range c.connections() {
		if conn.Connected() {
			n++
		}
	}
	return n
}

// AllConnected reports whether at least one connection exists and all are up.
func (c *Coordinator) AllConnected() bool {
	conns := c.connections()
	if len(conns) == 0 {
		return false
	}
	for _, conn := range conns {
		if !conn.Connected() {
			return false
		}
	}
	return true
}

// LastTickAge is the time since the most recent tick on any connection.
// It is zero when no connection is running.
func (c *Coordinator) LastTickAge() time.Duration {
	var latest time.Time
	for _, conn := range c.connections() {
		if at := conn.LastTickAt(); at.After(latest) {
			latest = at
		}
	}
	if latest.IsZero() {
		return 0
	}
	return c.cfg.Connection.Now().Sub(latest)
}

func (c *Coordinator) Resets() int64 { return c.resets.Load() }

func (c *Coordinator) Snapshot() []ConnectionStatus {
	conns := c.connections()
	out := make([]ConnectionStatus, 0, len(conns))
	for _, conn := range conns {
		out = append(out, ConnectionStatus{
			ID:         conn.ID(),
			Tokens:     len(conn.Tokens()),
			Connected:  conn.Connected(),
			GaveUp:     conn.GaveUp(),
			Ticks:      conn.TickCount(),
			Dropped:    conn.Dropped(),
			Reconnects: conn.Reconnects(),
			QueueLen:   conn.QueueLen(),
			LastTickAt: conn.LastTickAt(),
		})
	}
	return out
}
