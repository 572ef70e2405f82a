package model

import (
	"context"
	"time"
)

// ── Pipeline Port Interfaces ──
// These interfaces decouple the feed and receiver from concrete stores
// (Redis, SQLite, Postgres).

// TickPublisher forwards ticks to the durable stream.
// Publish must return promptly and never propagate transport failures.
type TickPublisher interface {
	Publish(ctx context.Context, ticks []Tick)
}

// TickPersister writes batches of ticks to durable storage.
type TickPersister interface {
	// Persist writes all ticks in one transaction and returns how many were
	// written. On error nothing from the batch is committed.
	Persist(ctx context.Context, ticks []Tick) (int, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// LiveStore keeps the fast-lookup view of recent ticks.
type LiveStore interface {
	Store(ctx context.Context, t *Tick, tradeDate string) error
}

// StreamEntry is one message read from the durable stream.
type StreamEntry struct {
	ID   string
	Data string
}

// StreamConsumer reads the durable stream as a consumer-group member.
type StreamConsumer interface {
	// EnsureGroup creates the consumer group (and stream) if missing.
	EnsureGroup(ctx context.Context) error

	// ReadPending returns entries delivered to this consumer but never acknowledged.
	ReadPending(ctx context.Context) ([]StreamEntry, error)

	// Read blocks up to the configured block time for new entries.
	Read(ctx context.Context) ([]StreamEntry, error)

	// Ack acknowledges processed entries.
	Ack(ctx context.Context, ids ...string) error

	// DeadLetter parks an entry that could not be processed.
	DeadLetter(ctx context.Context, e StreamEntry, cause error) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Clock is injected where tests need a fixed now.
type Clock func() time.Time
