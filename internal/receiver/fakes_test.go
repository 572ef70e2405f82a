package receiver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"tickstream/internal/model"
)

// fakeConsumer is an in-memory StreamConsumer that records call order.
type fakeConsumer struct {
	mu       sync.Mutex
	events   []string
	pending  []model.StreamEntry
	batches  [][]model.StreamEntry
	readErrs []error
	pingErr  error
	pings    int
	ackErr   error
	deadErr  error
	acked    []string
	dead     []model.StreamEntry
}

func (f *fakeConsumer) EnsureGroup(ctx context.Context) error { return nil }

func (f *fakeConsumer) ReadPending(ctx context.Context) ([]model.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeConsumer) Read(ctx context.Context) ([]model.StreamEntry, error) {
	f.mu.Lock()
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Millisecond):
	}
	return nil, nil
}

func (f *fakeConsumer) Ack(ctx context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	for _, id := range ids {
		f.events = append(f.events, "ack:"+id)
		f.acked = append(f.acked, id)
	}
	return nil
}

func (f *fakeConsumer) DeadLetter(ctx context.Context, e model.StreamEntry, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deadErr != nil {
		return f.deadErr
	}
	f.events = append(f.events, "dead:"+e.ID)
	f.dead = append(f.dead, e)
	return nil
}

func (f *fakeConsumer) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeConsumer) record(ev string) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeConsumer) snapshot() (events, acked []string, dead []model.StreamEntry, pings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...), append([]string(nil), f.acked...),
		append([]model.StreamEntry(nil), f.dead...), f.pings
}

// recordingLive records every Store into the consumer's event log.
type recordingLive struct {
	c   *fakeConsumer
	err error
}

func (l *recordingLive) Store(ctx context.Context, t *model.Tick, tradeDate string) error {
	if l.c != nil {
		l.c.record("store:" + t.TradingSymbol)
	}
	return l.err
}

// mockPersister injects store failures.
type mockPersister struct{ mock.Mock }

func (m *mockPersister) Persist(ctx context.Context, ticks []model.Tick) (int, error) {
	cp := append([]model.Tick(nil), ticks...)
	args := m.Called(ctx, cp)
	return args.Int(0), args.Error(1)
}

func (m *mockPersister) Ping(ctx context.Context) error { return nil }
func (m *mockPersister) Close() error                   { return nil }

var errStore = errors.New("database is locked")

// pelConsumer models a consumer's pending entries list: Read delivers new
// entries into the list and only Ack removes them.
type pelConsumer struct {
	mu       sync.Mutex
	stream   []model.StreamEntry
	next     int
	pel      []model.StreamEntry
	failAcks int
	acked    []string
}

func (p *pelConsumer) EnsureGroup(ctx context.Context) error { return nil }
func (p *pelConsumer) Ping(ctx context.Context) error        { return nil }

func (p *pelConsumer) DeadLetter(ctx context.Context, e model.StreamEntry, cause error) error {
	return nil
}

func (p *pelConsumer) ReadPending(ctx context.Context) ([]model.StreamEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.StreamEntry(nil), p.pel...), nil
}

func (p *pelConsumer) Read(ctx context.Context) ([]model.StreamEntry, error) {
	p.mu.Lock()
	if p.next < len(p.stream) {
		b := append([]model.StreamEntry(nil), p.stream[p.next:]...)
		p.next = len(p.stream)
		p.pel = append(p.pel, b...)
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Millisecond):
	}
	return nil, nil
}

func (p *pelConsumer) Ack(ctx context.Context, ids ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAcks > 0 {
		p.failAcks--
		return errors.New("i/o timeout")
	}
	for _, id := range ids {
		for i, e := range p.pel {
			if e.ID == id {
				p.pel = append(p.pel[:i], p.pel[i+1:]...)
				break
			}
		}
		p.acked = append(p.acked, id)
	}
	return nil
}

func (p *pelConsumer) state() (pending int, acked []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pel), append([]string(nil), p.acked...)
}
