package receiver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tickstream/internal/model"
	redisstore "tickstream/internal/store/redis"
	"tickstream/internal/store/sqlite"
)

var fixedNow = time.Date(2025, 3, 7, 10, 20, 0, 0, model.IST)

func entry(id string, t model.Tick) model.StreamEntry {
	raw, err := model.EncodeTick(&t)
	if err != nil {
		panic(err)
	}
	return model.StreamEntry{ID: id, Data: string(raw)}
}

func quoteTick(token int64, symbol string) model.Tick {
	return model.Tick{
		InstrumentToken:   token,
		TradingSymbol:     symbol,
		ExchangeTimestamp: "2025-03-07T10:15:00+05:30",
		LastPrice:         100,
		Mode:              model.ModeQuote,
	}
}

func newTestReceiver(t *testing.T, cfg Config, c model.StreamConsumer, live model.LiveStore, p model.TickPersister) *Receiver {
	t.Helper()
	r := New(cfg, c, live, p, nil)
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestProcessBeforeAck(t *testing.T) {
	fc := &fakeConsumer{batches: [][]model.StreamEntry{{
		entry("1-0", quoteTick(1, "A")),
		entry("2-0", quoteTick(2, "B")),
	}}}
	mp := &mockPersister{}
	r := newTestReceiver(t, Config{FlushInterval: time.Hour}, fc, &recordingLive{c: fc}, mp)

	mp.On("Persist", mock.Anything, mock.Anything).Return(2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Stats().TicksProcessed == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events, acked, _, _ := fc.snapshot()
	assert.Equal(t, []string{"store:A", "ack:1-0", "store:B", "ack:2-0"}, events)
	assert.Equal(t, []string{"1-0", "2-0"}, acked)
}

func TestPoisonEntryDeadLettered(t *testing.T) {
	fc := &fakeConsumer{}
	r := newTestReceiver(t, Config{}, fc, &recordingLive{}, &mockPersister{})

	bad := model.StreamEntry{ID: "9-0", Data: "{oops"}
	require.True(t, r.handle(context.Background(), bad))

	_, acked, dead, _ := fc.snapshot()
	assert.Equal(t, []string{"9-0"}, acked)
	require.Len(t, dead, 1)
	assert.Equal(t, "{oops", dead[0].Data)
	assert.Equal(t, int64(1), r.Stats().DeadLettered)
	assert.Zero(t, r.Stats().BufferPending)
}

func TestPoisonEntryAckPolicy(t *testing.T) {
	fc := &fakeConsumer{}
	r := newTestReceiver(t, Config{PoisonPolicy: PoisonAck}, fc, &recordingLive{}, &mockPersister{})

	require.True(t, r.handle(context.Background(), model.StreamEntry{ID: "9-0", Data: "{oops"}))
	_, acked, dead, _ := fc.snapshot()
	assert.Equal(t, []string{"9-0"}, acked)
	assert.Empty(t, dead)
	assert.Equal(t, int64(1), r.Stats().Failed)
}

func TestDeadLetterFailureLeavesEntryPending(t *testing.T) {
	fc := &fakeConsumer{deadErr: errors.New("redis down")}
	r := newTestReceiver(t, Config{}, fc, &recordingLive{}, &mockPersister{})

	assert.False(t, r.handle(context.Background(), model.StreamEntry{ID: "9-0", Data: "{oops"}))
	_, acked, _, _ := fc.snapshot()
	assert.Empty(t, acked)
}

func TestEmptyPayloadAckedWithoutBuffering(t *testing.T) {
	fc := &fakeConsumer{}
	r := newTestReceiver(t, Config{}, fc, &recordingLive{}, &mockPersister{})

	require.True(t, r.handle(context.Background(), model.StreamEntry{ID: "3-0"}))
	_, acked, _, _ := fc.snapshot()
	assert.Equal(t, []string{"3-0"}, acked)
	assert.Zero(t, r.Stats().BufferPending)
}

func TestLiveStoreFailureStillBuffers(t *testing.T) {
	fc := &fakeConsumer{}
	r := newTestReceiver(t, Config{}, fc, &recordingLive{err: errors.New("pipeline")}, &mockPersister{})

	require.True(t, r.handle(context.Background(), entry("1-0", quoteTick(1, "A"))))
	assert.Equal(t, 1, r.Stats().BufferPending)
}

func TestFailedFlushRequeuesAtHead(t *testing.T) {
	fc := &fakeConsumer{}
	mp := &mockPersister{}
	r := newTestReceiver(t, Config{}, fc, &recordingLive{}, mp)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.True(t, r.handle(ctx, entry(fmt.Sprintf("%d-0", i), quoteTick(i, "S"))))
	}

	mp.On("Persist", mock.Anything, mock.Anything).Return(0, errStore).Once()
	_, err := r.Flush(ctx)
	require.ErrorIs(t, err, errStore)
	assert.Equal(t, 5, r.Stats().BufferPending)

	for i := int64(6); i <= 8; i++ {
		require.True(t, r.handle(ctx, entry(fmt.Sprintf("%d-0", i), quoteTick(i, "S"))))
	}

	var flushed []model.Tick
	mp.On("Persist", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		flushed = args.Get(1).([]model.Tick)
	}).Return(8, nil).Once()

	n, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, tokens(flushed))
	assert.Zero(t, r.Stats().BufferPending)
	mp.AssertExpectations(t)
}

func TestFailedFlushKeepsTicksArrivingDuringAttempt(t *testing.T) {
	fc := &fakeConsumer{}
	mp := &mockPersister{}
	r := newTestReceiver(t, Config{}, fc, &recordingLive{}, mp)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.True(t, r.handle(ctx, entry(fmt.Sprintf("%d-0", i), quoteTick(i, "S"))))
	}

	started := make(chan struct{})
	release := make(chan struct{})
	mp.On("Persist", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(0, errStore).Once()

	flushErr := make(chan error, 1)
	go func() {
		_, err := r.Flush(ctx)
		flushErr <- err
	}()

	<-started
	for i := int64(6); i <= 8; i++ {
		require.True(t, r.handle(ctx, entry(fmt.Sprintf("%d-0", i), quoteTick(i, "S"))))
	}
	assert.Equal(t, 3, r.Stats().BufferPending)
	close(release)
	require.ErrorIs(t, <-flushErr, errStore)
	assert.Equal(t, 8, r.Stats().BufferPending)

	var flushed []model.Tick
	mp.On("Persist", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		flushed = args.Get(1).([]model.Tick)
	}).Return(8, nil).Once()

	_, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, tokens(flushed))
	mp.AssertExpectations(t)
}

func TestAckFailureMidBatchRereadsPending(t *testing.T) {
	pc := &pelConsumer{
		stream: []model.StreamEntry{
			entry("1-0", quoteTick(1, "A")),
			entry("2-0", quoteTick(2, "B")),
			entry("3-0", quoteTick(3, "C")),
		},
		failAcks: 1,
	}
	mp := &mockPersister{}
	var flushed []model.Tick
	mp.On("Persist", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		flushed = args.Get(1).([]model.Tick)
	}).Return(4, nil).Once()
	r := newTestReceiver(t, Config{FlushInterval: time.Hour, ReconnectDelay: time.Millisecond}, pc, &recordingLive{}, mp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, acked := pc.state()
		return pending == 0 && len(acked) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, acked := pc.state()
	assert.Equal(t, []string{"1-0", "2-0", "3-0"}, acked)
	// 1-0 was buffered before its ack failed and again when re-read.
	assert.Equal(t, []int64{1, 1, 2, 3}, tokens(flushed))
	mp.AssertExpectations(t)
}

func TestReconnectAfterReadError(t *testing.T) {
	fc := &fakeConsumer{
		readErrs: []error{errors.New("connection reset by peer")},
		batches:  [][]model.StreamEntry{{entry("1-0", quoteTick(1, "A"))}},
	}
	mp := &mockPersister{}
	mp.On("Persist", mock.Anything, mock.Anything).Return(1, nil)
	r := newTestReceiver(t, Config{FlushInterval: time.Hour, ReconnectDelay: time.Millisecond}, fc, &recordingLive{}, mp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Stats().TicksProcessed == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, _, _, pings := fc.snapshot()
	assert.Equal(t, 1, pings)
}

func TestFinalFlushOnShutdown(t *testing.T) {
	fc := &fakeConsumer{batches: [][]model.StreamEntry{{
		entry("1-0", quoteTick(1, "A")),
		entry("2-0", quoteTick(2, "B")),
		entry("3-0", quoteTick(3, "C")),
	}}}
	mp := &mockPersister{}
	var flushed []model.Tick
	mp.On("Persist", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		flushed = args.Get(1).([]model.Tick)
	}).Return(3, nil).Once()

	r := newTestReceiver(t, Config{FlushInterval: time.Hour}, fc, &recordingLive{}, mp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.Stats().TicksProcessed == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 3}, tokens(flushed))
	assert.False(t, r.Stats().Running)
	mp.AssertExpectations(t)
}

func TestRecoverPendingBeforeNewEntries(t *testing.T) {
	fc := &fakeConsumer{
		pending: []model.StreamEntry{entry("1-0", quoteTick(1, "OLD"))},
		batches: [][]model.StreamEntry{{entry("5-0", quoteTick(5, "NEW"))}},
	}
	mp := &mockPersister{}
	mp.On("Persist", mock.Anything, mock.Anything).Return(2, nil)
	r := newTestReceiver(t, Config{FlushInterval: time.Hour}, fc, &recordingLive{c: fc}, mp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.Stats().TicksProcessed == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events, _, _, _ := fc.snapshot()
	assert.Equal(t, []string{"store:OLD", "ack:1-0", "store:NEW", "ack:5-0"}, events)
}

// End-to-end against Redis stream semantics and a real SQLite file.

type pipeline struct {
	mr        *miniredis.Miniredis
	client    *goredis.Client
	publisher *redisstore.Publisher
	consumer  *redisstore.Consumer
	live      *redisstore.LiveStore
	writer    *sqlite.Writer
	reader    *sqlite.Reader
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	path := filepath.Join(t.TempDir(), "ticks.db")
	w, err := sqlite.New(sqlite.WriterConfig{DBPath: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	rd, err := sqlite.NewReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { rd.Close() })

	return &pipeline{
		mr:        mr,
		client:    client,
		publisher: redisstore.NewPublisher(client, redisstore.PublisherConfig{Stream: "ticks:raw"}, nil),
		consumer: redisstore.NewConsumer(client, redisstore.ConsumerConfig{
			Stream: "ticks:raw", Group: "tick_processors", Consumer: "receiver_1", Block: 20 * time.Millisecond,
		}, nil),
		live:   redisstore.NewLiveStore(client, time.Hour),
		writer: w,
		reader: rd,
	}
}

func (p *pipeline) run(t *testing.T, cfg Config) (*Receiver, context.CancelFunc, <-chan error) {
	t.Helper()
	r := newTestReceiver(t, cfg, p.consumer, p.live, p.writer)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return r, cancel, done
}

func TestPipelineNormalFlow(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.publisher.EnsureConsumerGroup(ctx, "tick_processors"))

	a := quoteTick(101, "NIFTY25MAR22000CE")
	b := quoteTick(102, "NIFTY25MAR22000PE")
	p.publisher.Publish(ctx, []model.Tick{a, b})

	r, cancel, done := p.run(t, Config{FlushInterval: 30 * time.Millisecond})

	require.Eventually(t, func() bool {
		n, _ := p.reader.CountTicks(ctx)
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for _, sym := range []string{a.TradingSymbol, b.TradingSymbol} {
		assert.True(t, p.mr.Exists("latest:"+sym), sym)
		assert.True(t, p.mr.Exists("ticks:"+sym+":2025-03-07"), sym)
	}
	syms, err := p.live.Symbols(ctx, "2025-03-07")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.TradingSymbol, b.TradingSymbol}, syms)

	pending, err := p.consumer.ReadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "all entries acknowledged")
	assert.Equal(t, int64(2), r.Stats().TicksProcessed)
}

func TestPipelineMissingMetadata(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.publisher.Publish(ctx, []model.Tick{{
		InstrumentToken:   12345,
		ExchangeTimestamp: "2025-03-07T10:15:00+05:30",
		LastPrice:         55,
		Mode:              model.ModeLTP,
	}})

	_, cancel, done := p.run(t, Config{FlushInterval: time.Hour})
	require.Eventually(t, func() bool { return p.mr.Exists("latest:TOKEN_12345") }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ticks, err := p.reader.TicksFor(ctx, "TOKEN_12345", "2025-03-07")
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, int64(12345), ticks[0].InstrumentToken)
}

func TestPipelineDepthPartial(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.publisher.Publish(ctx, []model.Tick{quoteTick(7, "QUOTE_ONLY")})

	_, cancel, done := p.run(t, Config{FlushInterval: time.Hour})
	require.Eventually(t, func() bool { return p.mr.Exists("latest:QUOTE_ONLY") }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	n, err := p.reader.CountTicks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	depths, err := p.reader.CountDepths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths)
	assert.False(t, p.mr.Exists("depth:QUOTE_ONLY:2025-03-07"))
}

func TestPipelineRedeliversUnackedAfterCrash(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.consumer.EnsureGroup(ctx))

	p.publisher.Publish(ctx, []model.Tick{quoteTick(1, "A"), quoteTick(2, "B")})

	// a previous run read the entries and died before acknowledging them
	delivered, err := p.consumer.Read(ctx)
	require.NoError(t, err)
	require.Len(t, delivered, 2)

	r, cancel, done := p.run(t, Config{FlushInterval: time.Hour})
	require.Eventually(t, func() bool { return r.Stats().TicksProcessed == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	n, err := p.reader.CountTicks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err := p.consumer.ReadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
