// Package receiver consumes the tick stream as a consumer-group member,
// maintains the fast-lookup view and periodically flushes buffered ticks to
// the durable store.
package receiver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tickstream/internal/logger"
	"tickstream/internal/model"
)

// PoisonPolicy decides what happens to an entry that cannot be processed.
type PoisonPolicy string

const (
	// PoisonDeadLetter copies the entry to the dead-letter stream, then acks it.
	PoisonDeadLetter PoisonPolicy = "deadletter"
	// PoisonAck acknowledges and drops the entry.
	PoisonAck PoisonPolicy = "ack"
)

// Config tunes the receiver loops.
type Config struct {
	FlushInterval      time.Duration
	ReconnectDelay     time.Duration // pause before reconnecting after a stream error
	RetryDelay         time.Duration // extra pause when reconnecting fails
	PoisonPolicy       PoisonPolicy
	FinalFlushAttempts int
	FinalFlushTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 300 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.PoisonPolicy == "" {
		c.PoisonPolicy = PoisonDeadLetter
	}
	if c.FinalFlushAttempts <= 0 {
		c.FinalFlushAttempts = 3
	}
	if c.FinalFlushTimeout <= 0 {
		c.FinalFlushTimeout = 30 * time.Second
	}
}

// Stats is a point-in-time view of the receiver.
type Stats struct {
	TicksProcessed int64 `json:"ticks_processed"`
	BufferPending  int   `json:"buffer_pending"`
	DeadLettered   int64 `json:"dead_lettered"`
	Failed         int64 `json:"failed"`
	Running        bool  `json:"running"`
}

// Receiver owns the consume loop, the flush loop and the persist buffer.
type Receiver struct {
	cfg       Config
	consumer  model.StreamConsumer
	live      model.LiveStore
	persister model.TickPersister
	log       *zap.Logger
	now       func() time.Time

	buf Buffer

	processed    atomic.Int64
	deadLettered atomic.Int64
	failed       atomic.Int64
	running      atomic.Bool

	flushMu sync.Mutex

	// Callbacks (optional, for metrics)
	OnProcessed  func()
	OnAck        func(n int)
	OnDeadLetter func()
	OnFlush      func(n int, elapsed time.Duration, err error)
}

// New wires a receiver. Nothing runs until Run.
func New(cfg Config, consumer model.StreamConsumer, live model.LiveStore, persister model.TickPersister, log *zap.Logger) *Receiver {
	cfg.defaults()
	return &Receiver{
		cfg:       cfg,
		consumer:  consumer,
		live:      live,
		persister: persister,
		log:       logger.OrNop(log).Named("receiver"),
		now:       time.Now,
	}
}

// Run creates the consumer group, reprocesses this consumer's pending
// entries, then consumes and flushes until ctx is cancelled. Before
// returning it performs a final flush of whatever is still buffered.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.consumer.EnsureGroup(ctx); err != nil {
		return err
	}
	r.running.Store(true)
	defer r.running.Store(false)

	r.claimIdle(ctx)
	recovered := r.recoverPending(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.flushLoop(ctx)
	}()

	r.log.Info("receiver started", zap.Duration("flush_interval", r.cfg.FlushInterval),
		zap.String("poison_policy", string(r.cfg.PoisonPolicy)))
	r.consumeLoop(ctx, !recovered)

	wg.Wait()
	r.finalFlush()
	r.log.Info("receiver stopped", zap.Int64("ticks_processed", r.processed.Load()))
	return nil
}

type idleClaimer interface {
	ClaimIdle(ctx context.Context) (int, error)
}

func (r *Receiver) claimIdle(ctx context.Context) {
	c, ok := r.consumer.(idleClaimer)
	if !ok {
		return
	}
	if n, err := c.ClaimIdle(ctx); err != nil {
		r.log.Warn("claiming idle entries failed", zap.Error(err))
	} else if n > 0 {
		r.log.Info("claimed idle entries from other consumers", zap.Int("count", n))
	}
}

// recoverPending reprocesses entries delivered to this consumer but never
// acked. It reports false if some remain pending.
func (r *Receiver) recoverPending(ctx context.Context) bool {
	total := 0
	defer func() {
		if total > 0 {
			r.log.Info("recovered pending entries", zap.Int("count", total))
		}
	}()
	for ctx.Err() == nil {
		entries, err := r.consumer.ReadPending(ctx)
		if err != nil {
			r.log.Error("reading pending entries failed", zap.Error(err))
			return false
		}
		if len(entries) == 0 {
			return true
		}
		if !r.handleBatch(ctx, entries) {
			r.log.Warn("pending recovery stopped early; remaining entries stay pending")
			return false
		}
		total += len(entries)
	}
	return false
}

// consumeLoop reads new entries. After a failed read or a partly handled
// batch, entries may sit in this consumer's pending list where ">" never
// returns them, so they are re-read before the next new batch.
func (r *Receiver) consumeLoop(ctx context.Context, resync bool) {
	for ctx.Err() == nil {
		if resync {
			if !r.recoverPending(ctx) {
				r.reconnect(ctx)
				continue
			}
			resync = false
		}
		entries, err := r.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error("stream read failed, reconnecting", zap.Error(err))
			r.reconnect(ctx)
			resync = true
			continue
		}
		if !r.handleBatch(ctx, entries) {
			r.log.Warn("batch interrupted, re-reading pending entries", zap.Int("batch", len(entries)))
			resync = true
		}
	}
}

func (r *Receiver) reconnect(ctx context.Context) {
	if !sleepCtx(ctx, r.cfg.ReconnectDelay) {
		return
	}
	err := r.consumer.Ping(ctx)
	if err == nil {
		err = r.consumer.EnsureGroup(ctx)
	}
	if err != nil {
		r.log.Error("reconnection failed, retrying", zap.Duration("in", r.cfg.RetryDelay), zap.Error(err))
		sleepCtx(ctx, r.cfg.RetryDelay)
		return
	}
	r.log.Info("stream connection re-established")
}

// handleBatch processes entries in order. Once read, a batch is finished even
// if ctx is cancelled meanwhile. It reports false if an entry could not be
// acknowledged.
func (r *Receiver) handleBatch(ctx context.Context, entries []model.StreamEntry) bool {
	bctx := context.WithoutCancel(ctx)
	for _, e := range entries {
		if !r.handle(bctx, e) {
			return false
		}
	}
	return true
}

func (r *Receiver) handle(ctx context.Context, e model.StreamEntry) bool {
	if err := r.process(ctx, e); err != nil {
		r.failed.Add(1)
		r.log.Error("entry processing failed", zap.String("id", e.ID), zap.Error(err))
		if r.cfg.PoisonPolicy == PoisonDeadLetter {
			if dlErr := r.consumer.DeadLetter(ctx, e, err); dlErr != nil {
				r.log.Error("dead-letter failed, entry left pending", zap.String("id", e.ID), zap.Error(dlErr))
				return false
			}
			r.deadLettered.Add(1)
			if r.OnDeadLetter != nil {
				r.OnDeadLetter()
			}
		}
	}
	if err := r.consumer.Ack(ctx, e.ID); err != nil {
		r.log.Error("ack failed, entry will be redelivered", zap.String("id", e.ID), zap.Error(err))
		return false
	}
	if r.OnAck != nil {
		r.OnAck(1)
	}
	return true
}

// process decodes one entry, refreshes the fast-lookup records and buffers
// the tick. Fast-lookup write failures are logged, not fatal to the entry.
func (r *Receiver) process(ctx context.Context, e model.StreamEntry) error {
	if e.Data == "" {
		return nil
	}
	tick, err := model.DecodeTick([]byte(e.Data))
	if err != nil {
		return err
	}

	now := r.now()
	tick.ReceivedAt = now.In(model.IST).Format(model.TimestampLayout)
	tick.TradingSymbol = tick.Symbol()
	tradeDate := tick.TradeDate(now)

	if err := r.live.Store(ctx, &tick, tradeDate); err != nil {
		r.log.Error("fast-lookup write failed", zap.String("symbol", tick.TradingSymbol), zap.Error(err))
	}

	r.buf.Append(tick)
	r.processed.Add(1)
	if r.OnProcessed != nil {
		r.OnProcessed()
	}
	return nil
}

func (r *Receiver) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Flush(ctx)
		}
	}
}

// Flush hands the current buffer to the store. On failure the batch goes back
// to the head of the buffer, ahead of ticks that arrived meanwhile.
func (r *Receiver) Flush(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	batch := r.buf.Swap()
	if len(batch) == 0 {
		r.log.Debug("nothing to flush")
		return 0, nil
	}

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID("flush", r.now()))
	log := logger.WithTrace(ctx, r.log)

	start := time.Now()
	n, err := r.persister.Persist(ctx, batch)
	elapsed := time.Since(start)
	if err != nil {
		r.buf.Requeue(batch)
		log.Error("flush failed, batch requeued", zap.Int("ticks", len(batch)),
			zap.Int("buffer_pending", r.buf.Len()), zap.Error(err))
	} else {
		log.Info("flushed ticks", zap.Int("ticks", n), zap.Duration("elapsed", elapsed))
	}
	if r.OnFlush != nil {
		r.OnFlush(n, elapsed, err)
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Receiver) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FinalFlushTimeout)
	defer cancel()

	for attempt := 1; attempt <= r.cfg.FinalFlushAttempts; attempt++ {
		if r.buf.Len() == 0 {
			return
		}
		r.log.Info("final flush", zap.Int("ticks", r.buf.Len()), zap.Int("attempt", attempt))
		if _, err := r.Flush(ctx); err == nil {
			return
		}
		if !sleepCtx(ctx, time.Second) {
			break
		}
	}
	if n := r.buf.Len(); n > 0 {
		r.log.Error("final flush failed, buffered ticks dropped", zap.Int("ticks", n))
	}
}

// Stats returns current counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		TicksProcessed: r.processed.Load(),
		BufferPending:  r.buf.Len(),
		DeadLettered:   r.deadLettered.Load(),
		Failed:         r.failed.Load(),
		Running:        r.running.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
