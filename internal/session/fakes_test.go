package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"tickstream/internal/feed"
	"tickstream/internal/instruments"
	"tickstream/internal/model"
	"tickstream/internal/notification"
	"tickstream/pkg/smartconnect"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeAuth struct {
	err error

	mu      sync.Mutex
	logins  int
	logouts int
}

func (a *fakeAuth) Login(context.Context) (*smartconnect.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logins++
	if a.err != nil {
		return nil, a.err
	}
	return &smartconnect.Session{ClientCode: "C123", JWTToken: "jwt", FeedToken: "feed"}, nil
}

func (a *fakeAuth) Logout(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts++
	return nil
}

func (a *fakeAuth) counts() (logins, logouts int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins, a.logouts
}

type fakePublisher struct {
	groupErr error

	mu     sync.Mutex
	groups []string
	ticks  []model.Tick
}

func (p *fakePublisher) Publish(_ context.Context, ticks []model.Tick) {
	p.mu.Lock()
	p.ticks = append(p.ticks, ticks...)
	p.mu.Unlock()
}

func (p *fakePublisher) EnsureConsumerGroup(_ context.Context, group string) error {
	p.mu.Lock()
	p.groups = append(p.groups, group)
	p.mu.Unlock()
	return p.groupErr
}

func (p *fakePublisher) Published() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.ticks))
}

func (p *fakePublisher) Failed() int64 { return 0 }

func (p *fakePublisher) published() []model.Tick {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Tick(nil), p.ticks...)
}

type fakeSocket struct {
	h feed.Handlers

	mu     sync.Mutex
	tokens []int64

	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSocket) Run() {
	s.h.OnConnect()
	<-s.closed
}

func (s *fakeSocket) Subscribe(tokens []int64, _ model.Mode) error {
	s.mu.Lock()
	s.tokens = append(s.tokens, tokens...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Unsubscribe([]int64, model.Mode) error { return nil }

func (s *fakeSocket) Close() { s.closeOnce.Do(func() { close(s.closed) }) }

func (s *fakeSocket) subscribed() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.tokens...)
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	sockets  []*fakeSocket
	sessions []*smartconnect.Session
}

func (d *fakeDialer) For(sess *smartconnect.Session, _ model.TokenMap) feed.Dialer {
	d.mu.Lock()
	d.sessions = append(d.sessions, sess)
	d.mu.Unlock()
	return func(_ int, h feed.Handlers) (feed.Socket, error) {
		s := &fakeSocket{h: h, closed: make(chan struct{})}
		d.mu.Lock()
		d.sockets = append(d.sockets, s)
		d.mu.Unlock()
		return s, nil
	}
}

func (d *fakeDialer) all() []*fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSocket(nil), d.sockets...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *recordingNotifier) Send(_ context.Context, a notification.Alert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.Title)
	}
	return out
}

// niftyScrips is a small scrip master: four NIFTY options on one expiry plus
// the index.
func niftyScrips() []instruments.ScripRecord {
	return []instruments.ScripRecord{
		{Token: "26000", Symbol: "Nifty 50", Name: "NIFTY", InstrumentType: "AMXIDX", ExchSeg: "NSE"},
		{Token: "40001", Symbol: "NIFTY27OCT2625000CE", Name: "NIFTY", Expiry: "27OCT2026", Strike: "2500000.000000", LotSize: "75", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
		{Token: "40002", Symbol: "NIFTY27OCT2625000PE", Name: "NIFTY", Expiry: "27OCT2026", Strike: "2500000.000000", LotSize: "75", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
		{Token: "40003", Symbol: "NIFTY27OCT2625100CE", Name: "NIFTY", Expiry: "27OCT2026", Strike: "2510000.000000", LotSize: "75", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
		{Token: "40004", Symbol: "NIFTY27OCT2625100PE", Name: "NIFTY", Expiry: "27OCT2026", Strike: "2510000.000000", LotSize: "75", InstrumentType: "OPTIDX", ExchSeg: "NFO"},
	}
}

var errScripsUnavailable = errors.New("scrip master unavailable")
