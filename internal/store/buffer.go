package store

import (
	"context"
	"sync"
	"time"

	"github.com/flowloop/companion/internal/applog"
)

// WriteBuffer batches recent raw events per session in memory, flushing via
// IngestBatch either when the buffer exceeds a size bound or a flush
// interval elapses — the write-side optimization named in spec §4.7.
// Grounded in the scheduler module's worker-loop shape (a goroutine driven
// by a ticker, stopped via context cancellation).
type WriteBuffer struct {
	store    *Store
	log      applog.Logger
	maxSize  int
	interval time.Duration

	mu      sync.Mutex
	pending map[string][]Record // keyed by session ID

	flushCh chan struct{}
	done    chan struct{}
}

// NewWriteBuffer constructs a buffer bound to a Store.
func NewWriteBuffer(s *Store, maxSize int, interval time.Duration, log applog.Logger) *WriteBuffer {
	if maxSize <= 0 {
		maxSize = 256
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &WriteBuffer{
		store:    s,
		log:      log,
		maxSize:  maxSize,
		interval: interval,
		pending:  make(map[string][]Record),
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Add appends a record to its session's pending buffer, signaling an
// immediate flush if the session's buffer has reached maxSize.
func (b *WriteBuffer) Add(r Record) {
	b.mu.Lock()
	b.pending[r.SessionID] = append(b.pending[r.SessionID], r)
	full := len(b.pending[r.SessionID]) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run drains the buffer on its interval or on a size-triggered signal, until
// ctx is cancelled. A final flush runs before Run returns.
func (b *WriteBuffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// Done is closed once Run's final flush has completed after cancellation.
func (b *WriteBuffer) Done() <-chan struct{} { return b.done }

func (b *WriteBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[string][]Record)
	b.mu.Unlock()

	for session, records := range batch {
		if err := b.store.IngestBatch(ctx, records); err != nil && b.log != nil {
			b.log.Error("write buffer flush failed", "session", session, "count", len(records), "err", err)
		}
	}
}
