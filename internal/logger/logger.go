// Package logger implements a non-blocking, batched completion logger.
//
// Completion records are written to an internal buffered channel and flushed
// in batches by a background goroutine, so recording never blocks the batch
// processor. If the channel fills up (> 10 000 records), new records are
// dropped and counted in DroppedRecords.
//
// Flushed batches go to a Sink: slog by default, ClickHouse when configured.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Record is one completed (or failed) generation as seen by analytics.
type Record struct {
	RequestID  string
	Username   string
	BatchID    string
	Lane       string
	Outcome    string // completed | upstream_error | abandoned
	TokensUsed int
	LatencyMs  float64
	CreatedAt  time.Time
}

// Sink receives flushed record batches. Flush errors are logged, not
// retried; completion records are advisory data.
type Sink interface {
	Flush(ctx context.Context, records []Record) error
	Close() error
}

// Logger is the async front of a Sink.
type Logger struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedRecords int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New creates a Logger flushing to sink. A nil sink defaults to slog output.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &SlogSink{Log: slogger}
	}

	l := &Logger{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a record. Never blocks; drops when the buffer is full.
func (l *Logger) Log(rec Record) {
	select {
	case l.ch <- rec:
	default:
		atomic.AddInt64(&l.droppedRecords, 1)
	}
}

func (l *Logger) DroppedRecords() int64 {
	return atomic.LoadInt64(&l.droppedRecords)
}

// Close drains the channel, flushes the final batch, and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Flush(l.baseCtx, batch); err != nil {
			l.log.Warn("completion log flush failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes each record as a structured log line.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) Flush(ctx context.Context, records []Record) error {
	for _, r := range records {
		s.Log.InfoContext(ctx, "completion",
			slog.String("request_id", r.RequestID),
			slog.String("username", r.Username),
			slog.String("batch_id", r.BatchID),
			slog.String("lane", r.Lane),
			slog.String("outcome", r.Outcome),
			slog.Int("tokens_used", r.TokensUsed),
			slog.Float64("latency_ms", r.LatencyMs),
			slog.Time("created_at", normalizeTime(r.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
