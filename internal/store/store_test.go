package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloop/companion/internal/applog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "companion.db")
	s, err := Open(cfg, applog.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIngestAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Ingest(ctx, Record{
			TimestampMS: base.Add(time.Duration(i) * time.Second).UnixMilli(),
			SessionID:   "s1",
			EventKind:   "keystroke",
			Payload:     []byte("{}"),
		}))
	}

	rows, err := s.Range(ctx, "s1", base, base.Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].TimestampMS <= rows[1].TimestampMS)
	assert.True(t, rows[1].TimestampMS <= rows[2].TimestampMS)
}

// Invariant 7 — batch write of N events, range returns exactly those N.
func TestIngestBatchAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	records := make([]Record, 5)
	for i := range records {
		records[i] = Record{
			TimestampMS: base.Add(time.Duration(i) * time.Second).UnixMilli(),
			SessionID:   "batch-session",
			EventKind:   "mouse_move",
			Payload:     []byte("{}"),
		}
	}
	require.NoError(t, s.IngestBatch(ctx, records))

	rows, err := s.Range(ctx, "batch-session", base, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

// S7 — retention.
func TestRetainRemovesOnlyOldEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ages := []time.Duration{10 * 24 * time.Hour, 5 * 24 * time.Hour, time.Hour}
	for i, age := range ages {
		require.NoError(t, s.Ingest(ctx, Record{
			TimestampMS: now.Add(-age).UnixMilli(),
			SessionID:   "retention-session",
			EventKind:   "window_focus",
			Payload:     []byte("{}"),
		}))
		_ = i
	}

	n, err := s.Retain(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := s.Range(ctx, "retention-session", now.Add(-15*24*time.Hour), now)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRetainTwiceIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Ingest(ctx, Record{
		TimestampMS: now.Add(-10 * 24 * time.Hour).UnixMilli(),
		SessionID:   "x",
		EventKind:   "keystroke",
	}))

	first, err := s.Retain(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, first)

	second, err := s.Retain(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 0, second)
}

func TestWriteBufferFlushesOnInterval(t *testing.T) {
	s := newTestStore(t)
	buf := NewWriteBuffer(s, 1000, 20*time.Millisecond, applog.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	go buf.Run(ctx)

	buf.Add(Record{TimestampMS: time.Now().UnixMilli(), SessionID: "buffered", EventKind: "keystroke"})

	require.Eventually(t, func() bool {
		rows, err := s.Range(context.Background(), "buffered", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
		return err == nil && len(rows) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-buf.Done()
}

func TestWriteBufferFlushesOnSizeBound(t *testing.T) {
	s := newTestStore(t)
	buf := NewWriteBuffer(s, 3, time.Hour, applog.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go buf.Run(ctx)

	for i := 0; i < 3; i++ {
		buf.Add(Record{TimestampMS: time.Now().UnixMilli(), SessionID: "size-bound", EventKind: "keystroke"})
	}

	require.Eventually(t, func() bool {
		rows, err := s.Range(context.Background(), "size-bound", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
		return err == nil && len(rows) == 3
	}, time.Second, 5*time.Millisecond)
}
