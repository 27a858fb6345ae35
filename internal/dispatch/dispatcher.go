// Package dispatch implements the stimulus command-dispatch engine: an
// interpreter goroutine that accepts serialized submissions and an executor
// goroutine that drains the queue and drives the device, joined by a bounded
// FIFO and a small amount of single-writer shared state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hdlkit/stimgate/internal/command"
	"github.com/hdlkit/stimgate/internal/events"
	"github.com/hdlkit/stimgate/internal/log"
	"github.com/hdlkit/stimgate/internal/queue"
)

var (
	// ErrUnsupported marks a submission the dispatcher cannot route. It is
	// a fatal configuration error and aborts the run.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrStopped is returned by Submit after the dispatcher run has ended.
	ErrStopped = errors.New("dispatcher stopped")
)

// Request is one submission from the producer. Payload and Expected are
// nullable; non-nil values are normalized to the dispatcher's word width
// before the command is stored.
type Request struct {
	Kind     command.Kind
	Mode     command.DispatchMode
	Payload  *uint64
	Expected *uint64
	// Width is the significant bit width of Payload/Expected. Zero means
	// the dispatcher maximum.
	Width   int
	Cycles  uint
	Delay   time.Duration
	Message string
	// NotLast selects the early-acknowledgment variant of
	// await_any_completion: the producer is released immediately while the
	// dispatcher still observes the next completion on its own.
	NotLast bool
}

// Ack is the single acknowledgment produced for a submission. For queued
// commands it signals acceptance into the queue, not execution.
type Ack struct {
	Seq       uint64
	Occupancy int
	Flushed   int
}

type ackResult struct {
	ack Ack
	err error
}

type submission struct {
	req Request
	ack chan ackResult
}

// Options configures a Dispatcher. Zero values get defaults.
type Options struct {
	Queue       queue.Config
	Pacing      PacingPolicy
	MaxWidth    int
	ClockPeriod time.Duration
	Logger      *slog.Logger
	Hub         *events.Hub
	Recorder    Recorder
}

// Dispatcher owns one device driver and applies submitted commands to it in
// strict order. Construct with New, drive with Run, submit with Submit.
type Dispatcher struct {
	driver      Driver
	queue       *queue.Queue
	pacing      PacingPolicy
	maxWidth    int
	clockPeriod time.Duration
	logger      *slog.Logger
	hub         *events.Hub
	recorder    Recorder
	runID       string

	submitCh chan *submission
	stopped  chan struct{}
	term     *termSignal
	status   *tracker
	verbose  atomic.Bool

	lastMu  sync.Mutex
	last    TransactionSnapshot
	hasLast bool
}

// New builds a dispatcher around driver. The queue configuration must be
// valid; everything else defaults.
func New(driver Driver, opts Options) (*Dispatcher, error) {
	if driver == nil {
		return nil, fmt.Errorf("driver is nil")
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("dispatch")
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub(128)
	}
	if opts.MaxWidth <= 0 || opts.MaxWidth > command.MaxWidth {
		opts.MaxWidth = command.MaxWidth
	}
	if opts.ClockPeriod <= 0 {
		opts.ClockPeriod = time.Millisecond
	}
	if opts.Queue.Capacity == 0 {
		opts.Queue.Capacity = 32
	}
	if opts.Pacing.Mode == "" {
		opts.Pacing.Mode = PacingNone
	}
	if !opts.Pacing.Mode.Valid() {
		return nil, fmt.Errorf("invalid pacing mode %q", opts.Pacing.Mode)
	}
	if opts.Pacing.ViolationSeverity == "" {
		opts.Pacing.ViolationSeverity = command.SeverityWarning
	}

	q, err := queue.New(opts.Queue, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("build queue: %w", err)
	}

	d := &Dispatcher{
		driver:      driver,
		queue:       q,
		pacing:      opts.Pacing,
		maxWidth:    opts.MaxWidth,
		clockPeriod: opts.ClockPeriod,
		logger:      opts.Logger,
		hub:         opts.Hub,
		recorder:    opts.Recorder,
		runID:       uuid.NewString(),
		submitCh:    make(chan *submission),
		stopped:     make(chan struct{}),
		term:        newTermSignal(),
		status:      newTracker(),
	}
	d.verbose.Store(true)
	return d, nil
}

// RunID identifies this dispatcher instance on snapshots and transcripts.
func (d *Dispatcher) RunID() string { return d.runID }

// Hub returns the observability hub the dispatcher publishes to.
func (d *Dispatcher) Hub() *events.Hub { return d.hub }

// Status returns the executor progress snapshot.
func (d *Dispatcher) Status() Status {
	return d.status.snapshot(d.queue.Len())
}

// QueueDepth returns the current queue occupancy.
func (d *Dispatcher) QueueDepth() int { return d.queue.Len() }

// LastTransaction returns the most recently completed transaction, if any.
func (d *Dispatcher) LastTransaction() (TransactionSnapshot, bool) {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	return d.last, d.hasLast
}

// Run starts the interpreter and executor and blocks until ctx is cancelled
// or a fatal condition aborts the run. It returns the fatal error, or the
// context error on a clean shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(d.stopped)

	d.logger.Info("dispatcher started", "run_id", d.runID)
	d.hub.Publish(events.TypeRunStarted, map[string]any{"run_id": d.runID})
	defer func() {
		d.hub.Publish(events.TypeRunStopped, map[string]any{"run_id": d.runID})
		d.logger.Info("dispatcher stopped", "run_id", d.runID)
	}()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- d.runInterpreter(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- d.runExecutor(ctx)
	}()

	first := <-errCh
	cancel()
	wg.Wait()
	second := <-errCh

	for _, err := range []error{first, second} {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return first
}

// Submit hands one command to the interpreter and blocks until it is
// acknowledged. Submission is fully serialized: a second caller blocks until
// the first acknowledgment is out.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (Ack, error) {
	sub := &submission{req: req, ack: make(chan ackResult, 1)}

	select {
	case d.submitCh <- sub:
	case <-d.stopped:
		return Ack{}, ErrStopped
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}

	// Once accepted, the interpreter always sends exactly one result.
	select {
	case res := <-sub.ack:
		return res.ack, res.err
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

func (d *Dispatcher) buildCommand(seq uint64, req Request) command.Command {
	cmd := command.Command{
		Seq:     seq,
		Kind:    req.Kind,
		Mode:    req.Mode,
		Cycles:  req.Cycles,
		Delay:   req.Delay,
		Message: req.Message,
	}
	width := req.Width
	if width <= 0 || width > d.maxWidth {
		width = d.maxWidth
	}
	if req.Payload != nil {
		cmd.Payload = command.NewWord(*req.Payload, width).Normalize(d.maxWidth)
	}
	if req.Expected != nil {
		cmd.Expected = command.NewWord(*req.Expected, width).Normalize(d.maxWidth)
	}
	return cmd
}

func (d *Dispatcher) record(ctx context.Context, logger *slog.Logger, snap TransactionSnapshot) {
	d.lastMu.Lock()
	d.last = snap
	d.hasLast = true
	d.lastMu.Unlock()

	d.hub.Publish(events.TypeCompleted, snap)

	if d.recorder != nil {
		if err := d.recorder.Record(ctx, snap); err != nil {
			logger.Error("transcript record failed", "seq", snap.Seq, "error", err)
		}
	}
}
