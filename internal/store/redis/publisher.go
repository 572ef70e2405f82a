package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"tickstream/internal/model"
)

// PublisherConfig configures the stream publisher.
type PublisherConfig struct {
	Stream          string
	MaxLen          int64         // approximate stream cap
	Timeout         time.Duration // upper bound on one Publish call
	BreakerFailures int
	BreakerReset    time.Duration
}

func (c *PublisherConfig) defaults() {
	if c.Stream == "" {
		c.Stream = "ticks:raw"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 500000
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 5 * time.Second
	}
}

// Publisher appends ticks to the durable stream. It is safe for concurrent
// use by all feed connections.
type Publisher struct {
	client *goredis.Client
	cfg    PublisherConfig
	cb     *CircuitBreaker
	log    *zap.Logger

	published atomic.Int64
	failed    atomic.Int64

	// Callbacks (optional, for metrics)
	OnPublish func(n int, elapsed time.Duration)
	OnError   func(n int, err error)
}

// NewPublisher wraps an existing client.
func NewPublisher(client *goredis.Client, cfg PublisherConfig, log *zap.Logger) *Publisher {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		client: client,
		cfg:    cfg,
		cb:     NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset),
		log:    log.Named("publisher"),
	}
	p.cb.OnStateChange = func(from, to State) {
		p.log.Warn("stream circuit breaker state change", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return p
}

// Publish appends every tick as one XADD in a single pipelined round-trip.
// It never blocks longer than the configured timeout and never returns an
// error: failures are logged and counted.
func (p *Publisher) Publish(ctx context.Context, ticks []model.Tick) {
	if len(ticks) == 0 {
		return
	}
	start := time.Now()
	err := p.cb.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		return p.publish(cctx, ticks)
	})
	if err != nil {
		p.failed.Add(int64(len(ticks)))
		if !errors.Is(err, ErrCircuitOpen) {
			p.log.Error("stream publish failed", zap.Int("ticks", len(ticks)), zap.Error(err))
		}
		if p.OnError != nil {
			p.OnError(len(ticks), err)
		}
		return
	}
	p.published.Add(int64(len(ticks)))
	if p.OnPublish != nil {
		p.OnPublish(len(ticks), time.Since(start))
	}
}

func (p *Publisher) publish(ctx context.Context, ticks []model.Tick) error {
	pipe := p.client.Pipeline()
	queued := 0
	for i := range ticks {
		data, err := model.EncodeTick(&ticks[i])
		if err != nil {
			p.log.Warn("dropping unencodable tick", zap.Int64("token", ticks[i].InstrumentToken), zap.Error(err))
			continue
		}
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.cfg.Stream,
			MaxLen: p.cfg.MaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(data)},
		})
		queued++
	}
	if queued == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd pipeline (%d ticks): %w", queued, err)
	}
	return nil
}

// EnsureConsumerGroup creates the consumer group on the stream, creating the
// stream if needed. An existing group is not an error.
func (p *Publisher) EnsureConsumerGroup(ctx context.Context, group string) error {
	created, err := ensureGroup(ctx, p.client, p.cfg.Stream, group)
	if err != nil {
		return err
	}
	if created {
		p.log.Info("consumer group created", zap.String("stream", p.cfg.Stream), zap.String("group", group))
	}
	return nil
}

// StreamInfo reports the stream's length and last entry ID.
type StreamInfo struct {
	Length int64  `json:"length"`
	LastID string `json:"last_id,omitempty"`
}

// StreamInfo returns the current stream length and newest entry ID.
func (p *Publisher) StreamInfo(ctx context.Context) (StreamInfo, error) {
	n, err := p.client.XLen(ctx, p.cfg.Stream).Result()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("xlen %s: %w", p.cfg.Stream, err)
	}
	info := StreamInfo{Length: n}
	last, err := p.client.XRevRangeN(ctx, p.cfg.Stream, "+", "-", 1).Result()
	if err != nil {
		return info, fmt.Errorf("xrevrange %s: %w", p.cfg.Stream, err)
	}
	if len(last) > 0 {
		info.LastID = last[0].ID
	}
	return info, nil
}

// Published returns how many ticks were appended successfully.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Failed returns how many ticks were dropped on publish errors.
func (p *Publisher) Failed() int64 { return p.failed.Load() }

// BreakerState exposes the circuit breaker state for health reporting.
func (p *Publisher) BreakerState() State { return p.cb.CurrentState() }

// Ping checks the connection.
func (p *Publisher) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// Close closes the Redis client.
func (p *Publisher) Close() error { return p.client.Close() }
