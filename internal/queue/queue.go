// Package queue implements the bounded FIFO that buffers queued commands
// between the interpreter and the executor.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hdlkit/stimgate/internal/command"
)

// ErrFull is returned by Enqueue when occupancy is already at capacity.
// Capacity overflow is fatal to the dispatcher run.
var ErrFull = errors.New("queue full")

// Config bounds the queue and tunes its occupancy alerting.
type Config struct {
	// Capacity is the maximum number of buffered commands.
	Capacity int
	// WarnThreshold emits one alert per upward crossing when occupancy
	// reaches it. Zero disables the alert.
	WarnThreshold int
	// WarnSeverity is the severity of the threshold alert.
	WarnSeverity command.Severity
}

// Queue is a bounded in-memory FIFO. Enqueue is called from the interpreter
// context, Dequeue from the executor context; Flush and Len are safe from
// either.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	items     []command.Command
	aboveWarn bool

	// wake is a capacity-1 signal from Enqueue to a blocked Dequeue.
	// There is a single consumer, so one slot is enough.
	wake chan struct{}
}

// New returns an empty queue. Capacity must be positive.
func New(cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.WarnThreshold > cfg.Capacity {
		return nil, fmt.Errorf("warn threshold %d exceeds capacity %d", cfg.WarnThreshold, cfg.Capacity)
	}
	if cfg.WarnSeverity == "" {
		cfg.WarnSeverity = command.SeverityWarning
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		logger: logger,
		items:  make([]command.Command, 0, cfg.Capacity),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Enqueue appends cmd and returns the updated occupancy. It fails with
// ErrFull when the queue is at capacity. The warn-threshold alert fires on
// the enqueue that crosses the threshold from below, not on every enqueue
// while above it.
func (q *Queue) Enqueue(cmd command.Command) (int, error) {
	q.mu.Lock()
	if len(q.items) >= q.cfg.Capacity {
		q.mu.Unlock()
		return 0, fmt.Errorf("%w: capacity %d, command seq=%d kind=%s", ErrFull, q.cfg.Capacity, cmd.Seq, cmd.Kind)
	}
	q.items = append(q.items, cmd)
	occ := len(q.items)
	crossed := q.cfg.WarnThreshold > 0 && !q.aboveWarn && occ >= q.cfg.WarnThreshold
	if crossed {
		q.aboveWarn = true
	}
	q.mu.Unlock()

	if crossed {
		q.logger.Log(context.Background(), q.cfg.WarnSeverity.Level(),
			"queue occupancy reached warn threshold",
			"occupancy", occ,
			"threshold", q.cfg.WarnThreshold,
			"capacity", q.cfg.Capacity,
		)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return occ, nil
}

// Dequeue blocks until an element is available or ctx is cancelled, then
// returns the oldest command.
func (q *Queue) Dequeue(ctx context.Context) (command.Command, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items = q.items[1:]
			if len(q.items) < q.cfg.WarnThreshold {
				q.aboveWarn = false
			}
			q.mu.Unlock()
			return cmd, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return command.Command{}, ctx.Err()
		}
	}
}

// Flush discards everything not yet dequeued and returns the discard count.
func (q *Queue) Flush() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = q.items[:0]
	q.aboveWarn = false
	q.mu.Unlock()
	return n
}

// Len returns the current occupancy.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
