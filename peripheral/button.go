package peripheral

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultDebounce matches the minimum spacing between button notifications
// on the device firmware.
const DefaultDebounce = 60 * time.Second

// Edge is one accepted button press.
type Edge struct {
	At time.Time
}

// Button turns raw presses into a stream of debounced edges. Consumers range
// over Edges instead of polling the input level.
type Button struct {
	clock    clock.Clock
	debounce time.Duration
	edges    chan Edge

	mu     sync.Mutex
	last   time.Time
	closed bool
}

func NewButton(clk clock.Clock, debounce time.Duration) *Button {
	if clk == nil {
		clk = clock.New()
	}
	return &Button{clock: clk, debounce: debounce, edges: make(chan Edge, 4)}
}

// Press records a press. It reports whether an edge was emitted; presses
// inside the debounce window, after Close, or while the consumer is behind
// are dropped.
func (b *Button) Press() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	now := b.clock.Now()
	if !b.last.IsZero() && now.Sub(b.last) < b.debounce {
		return false
	}

	select {
	case b.edges <- Edge{At: now}:
		b.last = now
		return true
	default:
		return false
	}
}

func (b *Button) Edges() <-chan Edge {
	return b.edges
}

func (b *Button) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.edges)
	}
}
