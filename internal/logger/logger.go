// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	CreatedAt    time.Time
}

// LogSink persists a batch of request-log entries. Implementations must not
// block indefinitely — the background flush loop calls WriteBatch
// synchronously and a slow sink delays every later flush.
type LogSink interface {
	WriteBatch(ctx context.Context, entries []RequestLog) error
}

// slogSink is the default sink: structured JSON lines via log/slog. Always
// available, requires no external connection.
type slogSink struct {
	log *slog.Logger
}

func (s *slogSink) WriteBatch(ctx context.Context, entries []RequestLog) error {
	for _, e := range entries {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64
	sinkErrors  int64

	baseCtx context.Context
	log     *slog.Logger
	sink    LogSink
}

// New creates a Logger that writes through the default slog sink.
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	return NewWithSink(ctx, slogger, nil)
}

// NewWithSink creates a Logger that writes through sink. A nil sink falls
// back to the default slog sink — pass a ClickHouse-backed sink (see
// NewClickHouseSink) for queryable request-log storage.
func NewWithSink(ctx context.Context, slogger *slog.Logger, sink LogSink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &slogSink{log: slogger}
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// SinkErrors returns the number of batches the configured sink failed to
// persist. A nonzero count under a ClickHouse sink usually means the
// connection dropped; entries in a failed batch are not retried.
func (l *Logger) SinkErrors() int64 {
	return atomic.LoadInt64(&l.sinkErrors)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()

	if c, ok := l.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.WriteBatch(ctx, batch); err != nil {
			atomic.AddInt64(&l.sinkErrors, 1)
			l.log.ErrorContext(ctx, "logger: sink write failed",
				slog.String("error", err.Error()),
				slog.Int("batch_size", len(batch)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
