package feed

import (
	"context"
	"errors"
	"sync"

	"tickstream/internal/model"
)

type fakeSocket struct {
	id int
	h  Handlers

	mu     sync.Mutex
	subs   [][]int64
	unsubs [][]int64
	mode   model.Mode

	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSocket) Run() {
	s.h.OnConnect()
	close(s.connected)
	<-s.closed
}

func (s *fakeSocket) Subscribe(tokens []int64, mode model.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, append([]int64(nil), tokens...))
	s.mode = mode
	return nil
}

func (s *fakeSocket) Unsubscribe(tokens []int64, mode model.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, append([]int64(nil), tokens...))
	return nil
}

func (s *fakeSocket) unsubscribed() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int64(nil), s.unsubs...)
}

func (s *fakeSocket) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *fakeSocket) push(tokens ...int64) {
	ticks := make([]model.Tick, len(tokens))
	for i, tok := range tokens {
		ticks[i] = model.Tick{InstrumentToken: tok, LastPrice: float64(i + 1), Mode: model.ModeFull}
	}
	s.h.OnTicks(ticks)
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	byID    map[int]*fakeSocket
	fail    map[int]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{byID: map[int]*fakeSocket{}, fail: map[int]bool{}}
}

func (d *fakeDialer) Dial(id int, h Handlers) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[id] {
		return nil, errors.New("dial refused")
	}
	s := &fakeSocket{id: id, h: h, connected: make(chan struct{}), closed: make(chan struct{})}
	d.sockets = append(d.sockets, s)
	d.byID[id] = s
	return s, nil
}

func (d *fakeDialer) socket(id int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byID[id]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

// recordingPublisher stores every batch. When gate is non-nil each Publish
// waits for a value from it.
type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]model.Tick
	gate    chan struct{}
}

func (p *recordingPublisher) Publish(_ context.Context, ticks []model.Tick) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]model.Tick(nil), ticks...))
}

func (p *recordingPublisher) ticks() []model.Tick {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Tick
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

func (p *recordingPublisher) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}
