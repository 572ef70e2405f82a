package receiver

import (
	"sync"

	"tickstream/internal/model"
)

// Buffer accumulates ticks between flushes. The lock is held only for the
// slice operation itself, never across I/O.
type Buffer struct {
	mu    sync.Mutex
	ticks []model.Tick
}

// Append adds one tick at the tail.
func (b *Buffer) Append(t model.Tick) {
	b.mu.Lock()
	b.ticks = append(b.ticks, t)
	b.mu.Unlock()
}

// Swap takes the whole buffer, leaving it empty.
func (b *Buffer) Swap() []model.Tick {
	b.mu.Lock()
	out := b.ticks
	b.ticks = nil
	b.mu.Unlock()
	return out
}

// Requeue puts a failed batch back in front of anything appended since it
// was taken.
func (b *Buffer) Requeue(batch []model.Tick) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	merged := make([]model.Tick, 0, len(batch)+len(b.ticks))
	merged = append(merged, batch...)
	merged = append(merged, b.ticks...)
	b.ticks = merged
	b.mu.Unlock()
}

// Len returns the number of buffered ticks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks)
}
