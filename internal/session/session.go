// Package session runs the connector's daily collection cycle: wait for the
// login time, authenticate, resolve the instrument universe, run the feed
// connections until market close and report along the way.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tickstream/internal/feed"
	"tickstream/internal/instruments"
	"tickstream/internal/markethours"
	"tickstream/internal/metrics"
	"tickstream/internal/model"
	"tickstream/internal/notification"
	redisstore "tickstream/internal/store/redis"
	"tickstream/internal/watchdog"
	"tickstream/pkg/smartconnect"
)

var ErrNoInstruments = errors.New("session: no instruments selected")

type Config struct {
	Symbols       []string
	NumSockets    int
	ConsumerGroup string

	LoginTime  string // "15:04" IST
	LoginNow   bool   // skip the wait and run a single session
	CloseGrace time.Duration

	StatusInterval time.Duration // default 60s
	NotifyInterval time.Duration // default 1h
	StallThreshold time.Duration
	MaxResets      int
	RetryDelay     time.Duration // wait after a failed session, default 1m

	Coordinator feed.CoordinatorConfig
}

func (c *Config) defaults() {
	if c.NumSockets <= 0 {
		c.NumSockets = instruments.MaxSockets
	}
	if c.LoginTime == "" {
		c.LoginTime = "09:00"
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Minute
	}
	if c.NotifyInterval <= 0 {
		c.NotifyInterval = time.Hour
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.Coordinator.MaxConnections <= 0 {
		c.Coordinator.MaxConnections = c.NumSockets
	}
}

// AuthProvider opens and closes broker sessions.
type AuthProvider interface {
	Login(ctx context.Context) (*smartconnect.Session, error)
	Logout(ctx context.Context) error
}

// Publisher is the stream side the session needs beyond publishing ticks.
type Publisher interface {
	model.TickPublisher
	EnsureConsumerGroup(ctx context.Context, group string) error
	Published() int64
	Failed() int64
}

type breakerReporter interface {
	BreakerState() redisstore.State
}

// Deps are the collaborators of an App. Metrics and Health are optional.
type Deps struct {
	Auth       AuthProvider
	LoadScrips func(ctx context.Context) ([]instruments.ScripRecord, error)
	Selector   *instruments.Selector
	Publisher  Publisher
	DialerFor  func(sess *smartconnect.Session, meta model.TokenMap) feed.Dialer
	Notifier   notification.Notifier

	Metrics *metrics.ConnectorMetrics
	Health  *metrics.HealthStatus

	Now model.Clock
	Log *zap.Logger
}

// App owns the coordinator of the running session.
type App struct {
	cfg Config
	d   Deps
	log *zap.Logger
	now model.Clock

	sleep func(ctx context.Context, d time.Duration) bool

	current  atomic.Pointer[feed.Coordinator]
	sessions atomic.Int64
}

func New(cfg Config, d Deps) *App {
	cfg.defaults()
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Notifier == nil {
		d.Notifier = notification.NewLogNotifier(d.Log)
	}
	a := &App{
		cfg:   cfg,
		d:     d,
		log:   d.Log.Named("session"),
		now:   d.Now,
		sleep: sleepCtx,
	}
	a.registerHealth()
	return a
}

// Run repeats sessions on every trading day until ctx is cancelled. With
// LoginNow it runs one session immediately and returns its error.
func (a *App) Run(ctx context.Context) error {
	for {
		if !a.cfg.LoginNow {
			now := a.now()
			at, err := markethours.NextLogin(now, a.cfg.LoginTime)
			if err != nil {
				return err
			}
			if wait := at.Sub(now); wait > 0 {
				a.log.Info("waiting for login time",
					zap.Time("login_at", at), zap.Duration("wait", wait.Truncate(time.Second)),
					zap.String("market", markethours.StatusString(now)))
				if !a.sleep(ctx, wait) {
					return nil
				}
			}
		}

		err := a.RunSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if a.cfg.LoginNow {
			return err
		}
		if err != nil {
			a.log.Error("session failed", zap.Error(err), zap.Duration("retry_in", a.cfg.RetryDelay))
			if !a.sleep(ctx, a.cfg.RetryDelay) {
				return nil
			}
		}
	}
}

// RunSession performs one full collection session and blocks until it ends:
// at market close plus CloseGrace, or on ctx cancellation when the session
// started after close.
func (a *App) RunSession(ctx context.Context) error {
	start := a.now()
	n := a.sessions.Add(1)
	log := a.log.With(zap.Int64("session", n))

	sess, err := a.d.Auth.Login(ctx)
	if err != nil {
		return a.fail(ctx, fmt.Errorf("login: %w", err))
	}
	defer a.logout(ctx, log)

	recs, err := a.d.LoadScrips(ctx)
	if err != nil {
		return a.fail(ctx, fmt.Errorf("load scrip master: %w", err))
	}
	insts := a.d.Selector.Select(ctx, recs, a.cfg.Symbols, start)
	if len(insts) == 0 {
		return a.fail(ctx, ErrNoInstruments)
	}
	meta := model.NewTokenMap(insts)
	parts := instruments.Partition(model.Tokens(insts), a.cfg.NumSockets)

	if err := a.d.Publisher.EnsureConsumerGroup(ctx, a.cfg.ConsumerGroup); err != nil {
		log.Warn("consumer group not ensured", zap.String("group", a.cfg.ConsumerGroup), zap.Error(err))
	}

	ccfg := a.cfg.Coordinator
	if ccfg.Connection.Now == nil {
		ccfg.Connection.Now = a.now
	}
	if a.d.Metrics != nil {
		ccfg.Connection.Hooks = a.d.Metrics.FeedHooks()
	}
	coord := feed.NewCoordinator(ccfg, meta, a.d.Publisher, a.d.DialerFor(sess, meta), a.log)
	if err := coord.Start(ctx, parts); err != nil {
		coord.Stop()
		return a.fail(ctx, fmt.Errorf("start feed: %w", err))
	}
	a.current.Store(coord)
	defer func() {
		coord.Stop()
		a.current.Store(nil)
		total := coord.TotalTickCount()
		log.Info("session ended",
			zap.Int64("ticks", total),
			zap.Int64("published", a.d.Publisher.Published()),
			zap.Int64("publish_failed", a.d.Publisher.Failed()))
		a.notify(ctx, notification.SessionEnd(total, len(insts)))
	}()

	log.Info("session started",
		zap.Strings("symbols", a.cfg.Symbols),
		zap.Int("instruments", len(insts)),
		zap.Int("partitions", len(parts)))
	a.notify(ctx, notification.LoginSuccess(a.cfg.Symbols, len(insts)))

	a.monitor(ctx, log, coord, parts, start)
	return nil
}

func (a *App) monitor(ctx context.Context, log *zap.Logger, coord *feed.Coordinator, parts []model.TokenPartition, start time.Time) {
	end := markethours.SessionEnd(start, a.cfg.CloseGrace)
	untilCancel := !start.Before(end)
	if untilCancel {
		log.Warn("session started after market close, running until stopped")
	}

	wd := watchdog.New(a.cfg.StallThreshold, a.cfg.MaxResets, log)
	lastNotify := start

	ticker := time.NewTicker(a.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := a.now()
		open := markethours.IsMarketOpen(now)
		a.report(log, coord, open)

		if now.Sub(lastNotify) >= a.cfg.NotifyInterval {
			lastNotify = now
			hours := int(now.Sub(start) / time.Hour)
			a.notify(ctx, notification.HourlyStats(coord.TotalTickCount(), hours, coord.ConnectedCount(), a.cfg.NumSockets))
		}

		if wd.Observe(coord.LastTickAge(), open, now) {
			if a.d.Metrics != nil {
				a.d.Metrics.WatchdogResets.Inc()
			}
			a.notify(ctx, notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "Feed stalled",
				Message: fmt.Sprintf("No ticks for %s, resetting connections (%d/%d)", coord.LastTickAge().Truncate(time.Second), wd.Resets(), wd.MaxResets),
			})
			if err := coord.ReconnectAll(ctx, parts); err != nil && ctx.Err() == nil {
				log.Error("connection reset failed", zap.Error(err))
			}
		}

		if !untilCancel && !now.Before(end) {
			log.Info("market closed, ending session", zap.Time("end", end))
			return
		}
	}
}

func (a *App) report(log *zap.Logger, coord *feed.Coordinator, open bool) {
	total := coord.TotalTickCount()
	connected := coord.ConnectedCount()
	age := coord.LastTickAge()
	log.Info("feed status",
		zap.Int64("ticks", total),
		zap.Int("connected", connected),
		zap.Int("sockets", a.cfg.NumSockets),
		zap.Duration("last_tick_age", age),
		zap.Int64("published", a.d.Publisher.Published()),
		zap.Int64("publish_failed", a.d.Publisher.Failed()))

	m := a.d.Metrics
	if m == nil {
		return
	}
	m.ConnectedSockets.Set(float64(connected))
	m.LastTickAge.Set(age.Seconds())
	if open {
		m.MarketState.Set(1)
	} else {
		m.MarketState.Set(0)
	}
	if br, ok := a.d.Publisher.(breakerReporter); ok {
		m.RedisCircuitBreakerState.Set(float64(br.BreakerState()))
	}
}

func (a *App) registerHealth() {
	h := a.d.Health
	if h == nil {
		return
	}
	h.AddCondition("feed", func() error {
		coord := a.current.Load()
		if coord == nil {
			return nil
		}
		if coord.ConnectedCount() == 0 {
			return errors.New("no feed socket connected")
		}
		return nil
	})
	h.AddDetail("feed", func() any {
		coord := a.current.Load()
		if coord == nil {
			return map[string]any{"active": false}
		}
		return map[string]any{
			"active":                true,
			"total_ticks":           coord.TotalTickCount(),
			"last_tick_age_seconds": coord.LastTickAge().Seconds(),
			"resets":                coord.Resets(),
			"connections":           coord.Snapshot(),
		}
	})
}

func (a *App) logout(ctx context.Context, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.d.Auth.Logout(ctx); err != nil {
		log.Warn("logout failed", zap.Error(err))
	}
}

func (a *App) fail(ctx context.Context, err error) error {
	a.notify(ctx, notification.Error(err))
	return err
}

func (a *App) notify(ctx context.Context, alert notification.Alert) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.d.Notifier.Send(ctx, alert); err != nil {
		a.log.Warn("notification failed", zap.String("title", alert.Title), zap.Error(err))
	}
}
