package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// captureSink collects flushed batches.
type captureSink struct {
	mu      sync.Mutex
	records []Record
	flushes int
	closed  bool
}

func (s *captureSink) Flush(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	s.flushes++
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() ([]Record, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...), s.flushes, s.closed
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCloseDrainsPendingRecords(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		l.Log(Record{RequestID: fmt.Sprintf("r%d", i), Outcome: "completed"})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, _, closed := sink.snapshot()
	if len(records) != 5 {
		t.Fatalf("flushed = %d records, want 5", len(records))
	}
	if records[0].RequestID != "r0" || records[4].RequestID != "r4" {
		t.Errorf("records out of order: %s .. %s", records[0].RequestID, records[4].RequestID)
	}
	if !closed {
		t.Error("Close must close the sink")
	}
	if l.DroppedRecords() != 0 {
		t.Errorf("dropped = %d, want 0", l.DroppedRecords())
	}
}

func TestFlushAtBatchSize(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	for i := 0; i < batchSize; i++ {
		l.Log(Record{RequestID: fmt.Sprintf("r%d", i)})
	}

	// Well inside the 1s interval, so this flush must be size-triggered.
	deadline := time.After(500 * time.Millisecond)
	for {
		records, _, _ := sink.snapshot()
		if len(records) >= batchSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("flushed %d of %d records before the interval tick", len(records), batchSize)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestIntervalFlush(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Log(Record{RequestID: "lonely"})

	deadline := time.After(3 * time.Second)
	for {
		records, _, _ := sink.snapshot()
		if len(records) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("single record never flushed by the interval ticker")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestNilContextRejected(t *testing.T) {
	//nolint:staticcheck // nil ctx is the case under test
	if _, err := New(nil, &captureSink{}, discard()); err == nil {
		t.Fatal("want error for nil context")
	}
}
