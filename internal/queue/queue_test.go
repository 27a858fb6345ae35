package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"github.com/hdlkit/stimgate/internal/command"
)

// recordCounter counts emitted log records at or above a level.
type recordCounter struct {
	mu    sync.Mutex
	level slog.Level
	count int
}

func (h *recordCounter) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *recordCounter) Handle(_ context.Context, _ slog.Record) error {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	return nil
}

func (h *recordCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordCounter) WithGroup(string) slog.Handler      { return h }

func (h *recordCounter) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func TestQueueFIFOOrder(t *testing.T) {
	t.Parallel()

	q, err := New(Config{Capacity: 8}, slogt.New(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 1; i <= 3; i++ {
		occ, err := q.Enqueue(command.Command{Seq: uint64(i), Kind: command.KindCountUp})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if occ != i {
			t.Fatalf("occupancy after enqueue %d = %d", i, occ)
		}
	}

	for i := 1; i <= 3; i++ {
		cmd, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if cmd.Seq != uint64(i) {
			t.Fatalf("dequeue %d returned seq %d", i, cmd.Seq)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got len %d", q.Len())
	}
}

func TestQueueEnqueueFullFails(t *testing.T) {
	t.Parallel()

	q, err := New(Config{Capacity: 2}, slogt.New(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := q.Enqueue(command.Command{Seq: 1, Kind: command.KindLoad}); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if _, err := q.Enqueue(command.Command{Seq: 2, Kind: command.KindLoad}); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if _, err := q.Enqueue(command.Command{Seq: 3, Kind: command.KindLoad}); !errors.Is(err, ErrFull) {
		t.Fatalf("Enqueue 3: got %v, want ErrFull", err)
	}
	// The failed enqueue must not disturb buffered contents.
	if q.Len() != 2 {
		t.Fatalf("len after overflow = %d, want 2", q.Len())
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q, err := New(Config{Capacity: 4}, slogt.New(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := make(chan command.Command, 1)
	go func() {
		cmd, err := q.Dequeue(context.Background())
		if err != nil {
			return
		}
		got <- cmd
	}()

	select {
	case cmd := <-got:
		t.Fatalf("dequeue returned %v before enqueue", cmd)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Enqueue(command.Command{Seq: 7, Kind: command.KindReset}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case cmd := <-got:
		if cmd.Seq != 7 {
			t.Fatalf("dequeued seq %d, want 7", cmd.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q, err := New(Config{Capacity: 4}, slogt.New(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue: got %v, want deadline exceeded", err)
	}
}

func TestQueueWarnThresholdFiresOncePerCrossing(t *testing.T) {
	t.Parallel()

	counter := &recordCounter{level: slog.LevelWarn}
	q, err := New(Config{Capacity: 8, WarnThreshold: 2}, slog.New(counter))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	enq := func(seq uint64) {
		t.Helper()
		if _, err := q.Enqueue(command.Command{Seq: seq, Kind: command.KindCountUp}); err != nil {
			t.Fatalf("Enqueue %d: %v", seq, err)
		}
	}

	enq(1)
	if counter.total() != 0 {
		t.Fatalf("alert fired below threshold")
	}
	enq(2) // crossing
	enq(3) // still above: no second alert
	if counter.total() != 1 {
		t.Fatalf("alerts after crossing = %d, want 1", counter.total())
	}

	// Drain below the threshold, then cross again.
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	enq(4)
	if counter.total() != 2 {
		t.Fatalf("alerts after second crossing = %d, want 2", counter.total())
	}
}

func TestQueueFlush(t *testing.T) {
	t.Parallel()

	q, err := New(Config{Capacity: 8, WarnThreshold: 2}, slogt.New(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if _, err := q.Enqueue(command.Command{Seq: uint64(i), Kind: command.KindHold}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if n := q.Flush(); n != 3 {
		t.Fatalf("Flush = %d, want 3", n)
	}
	if q.Len() != 0 {
		t.Fatalf("len after flush = %d", q.Len())
	}
	if n := q.Flush(); n != 0 {
		t.Fatalf("second Flush = %d, want 0", n)
	}
}

func TestQueueConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Capacity: 0}, slogt.New(t)); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := New(Config{Capacity: 2, WarnThreshold: 5}, slogt.New(t)); err == nil {
		t.Fatal("expected error for threshold above capacity")
	}
}
