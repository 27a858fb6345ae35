package dispatch

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hdlkit/stimgate/internal/command"
	"github.com/hdlkit/stimgate/internal/device"
	"github.com/hdlkit/stimgate/internal/events"
	"github.com/hdlkit/stimgate/internal/log"
	"github.com/hdlkit/stimgate/internal/queue"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text", nil) // Suppress logs in tests
	os.Exit(m.Run())
}

// fakeDriver records every Apply call. When gate is non-nil, Apply blocks on
// it after signaling entered, which lets tests hold the executor mid-command.
type fakeDriver struct {
	mu      sync.Mutex
	applied []appliedCall
	gate    chan struct{}
	entered chan struct{}
	respond func(kind command.Kind, payload command.Word) (command.Word, error)
}

type appliedCall struct {
	kind    command.Kind
	payload command.Word
	cycles  uint
}

func (f *fakeDriver) Apply(ctx context.Context, kind command.Kind, payload command.Word, cycles uint) (command.Word, error) {
	f.mu.Lock()
	f.applied = append(f.applied, appliedCall{kind: kind, payload: payload, cycles: cycles})
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return command.Word{}, ctx.Err()
		}
	}
	if f.respond != nil {
		return f.respond(kind, payload)
	}
	return command.Word{}, nil
}

func (f *fakeDriver) calls() []appliedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]appliedCall, len(f.applied))
	copy(out, f.applied)
	return out
}

// startTestDispatcher builds and runs a dispatcher, stopping it on cleanup.
// The returned channel carries Run's result once.
func startTestDispatcher(t *testing.T, drv Driver, opts Options) (*Dispatcher, <-chan error) {
	t.Helper()

	disp, err := New(drv, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		runErr <- disp.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop on cleanup")
		}
	})
	return disp, runErr
}

func submit(t *testing.T, d *Dispatcher, req Request) Ack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := d.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit %s/%s: %v", req.Kind, req.Mode, err)
	}
	return ack
}

func awaitEvent(t *testing.T, ch <-chan events.Event, eventType string) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func u64(v uint64) *uint64 { return &v }

func TestDispatcherAssignsIncreasingSequence(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	d, _ := startTestDispatcher(t, drv, Options{})

	var prev uint64
	for i := 0; i < 5; i++ {
		ack := submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
		if ack.Seq <= prev {
			t.Fatalf("seq %d not greater than previous %d", ack.Seq, prev)
		}
		prev = ack.Seq
	}
	// Immediate commands consume sequence indices too.
	ack := submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})
	if ack.Seq != prev+1 {
		t.Fatalf("immediate seq = %d, want %d", ack.Seq, prev+1)
	}
}

func TestDispatcherExecutesInSubmissionOrder(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	d, _ := startTestDispatcher(t, drv, Options{})

	want := []command.Kind{
		command.KindReset,
		command.KindLoad,
		command.KindCountUp,
		command.KindCountUp,
		command.KindCheck,
	}
	for _, k := range want {
		req := Request{Kind: k, Mode: command.ModeQueued}
		if k == command.KindLoad {
			req.Payload = u64(3)
		}
		submit(t, d, req)
	}
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})

	calls := drv.calls()
	if len(calls) != len(want) {
		t.Fatalf("driver saw %d calls, want %d", len(calls), len(want))
	}
	for i, k := range want {
		if calls[i].kind != k {
			t.Fatalf("call %d = %s, want %s", i, calls[i].kind, k)
		}
	}
}

func TestDispatcherResetLoadCheck(t *testing.T) {
	t.Parallel()

	counter, err := device.NewCounter(8)
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	d, _ := startTestDispatcher(t, counter, Options{})

	submit(t, d, Request{Kind: command.KindReset, Mode: command.ModeQueued})
	submit(t, d, Request{Kind: command.KindLoad, Mode: command.ModeQueued, Payload: u64(0x0A), Width: 8})
	submit(t, d, Request{Kind: command.KindCheck, Mode: command.ModeQueued, Expected: u64(0x0A), Width: 8})
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})

	snap, ok := d.LastTransaction()
	if !ok {
		t.Fatal("no transaction recorded")
	}
	if snap.Kind != command.KindCheck {
		t.Fatalf("last kind = %s, want check", snap.Kind)
	}
	if snap.Mismatch {
		t.Fatalf("unexpected mismatch: response %s", snap.Response.String())
	}
	if snap.Response.Bits != 0x0A {
		t.Fatalf("response = %#x, want 0x0A", snap.Response.Bits)
	}
}

func TestDispatcherCheckMismatchReported(t *testing.T) {
	t.Parallel()

	counter, err := device.NewCounter(8)
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	hub := events.NewHub(64)
	d, _ := startTestDispatcher(t, counter, Options{Hub: hub})

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	submit(t, d, Request{Kind: command.KindLoad, Mode: command.ModeQueued, Payload: u64(0x0A), Width: 8})
	submit(t, d, Request{Kind: command.KindCheck, Mode: command.ModeQueued, Expected: u64(0x0B), Width: 8})
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})

	awaitEvent(t, ch, events.TypeCheckMismatch)

	snap, ok := d.LastTransaction()
	if !ok || !snap.Mismatch {
		t.Fatalf("mismatch not recorded: %+v", snap)
	}
	if snap.Response.Bits != 0x0A {
		t.Fatalf("response = %#x, want actual value 0x0A", snap.Response.Bits)
	}
}

func TestDispatcherQueueOverflowIsFatal(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	d, runErr := startTestDispatcher(t, drv, Options{
		Queue: queue.Config{Capacity: 2},
	})

	// First command is dequeued and held inside the driver; the next two
	// fill the queue.
	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	select {
	case <-drv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never reached the driver")
	}
	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.Submit(ctx, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	if !errors.Is(err, queue.ErrFull) {
		t.Fatalf("overflow Submit: got %v, want ErrFull", err)
	}

	close(drv.gate)
	select {
	case err := <-runErr:
		if !errors.Is(err, queue.ErrFull) {
			t.Fatalf("Run: got %v, want ErrFull", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not abort after overflow")
	}
}

func TestDispatcherRejectsUnsupportedSubmissions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		req  Request
	}{
		{"unknown kind", Request{Kind: "frobnicate", Mode: command.ModeQueued}},
		{"unknown mode", Request{Kind: command.KindReset, Mode: "sideways"}},
		{"queued terminate", Request{Kind: command.KindTerminate, Mode: command.ModeQueued}},
		{"immediate reset", Request{Kind: command.KindReset, Mode: command.ModeImmediate}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drv := &fakeDriver{}
			d, runErr := startTestDispatcher(t, drv, Options{})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := d.Submit(ctx, tc.req)
			if !errors.Is(err, ErrUnsupported) {
				t.Fatalf("Submit: got %v, want ErrUnsupported", err)
			}
			select {
			case err := <-runErr:
				if !errors.Is(err, ErrUnsupported) {
					t.Fatalf("Run: got %v, want ErrUnsupported", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not abort")
			}
		})
	}
}

func TestDispatcherAwaitCompletionOnIdleReturnsImmediately(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	d, _ := startTestDispatcher(t, drv, Options{})

	start := time.Now()
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("await on idle dispatcher took %v", elapsed)
	}
}

func TestDispatcherAwaitCompletionBlocksUntilDrained(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	d, _ := startTestDispatcher(t, drv, Options{})

	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	select {
	case <-drv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never reached the driver")
	}

	awaited := make(chan struct{})
	go func() {
		defer close(awaited)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := d.Submit(ctx, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate}); err != nil {
			t.Errorf("await Submit: %v", err)
		}
	}()

	select {
	case <-awaited:
		t.Fatal("await returned while a command was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(drv.gate)
	select {
	case <-awaited:
	case <-time.After(5 * time.Second):
		t.Fatal("await did not return after the queue drained")
	}
}

func TestDispatcherAwaitAnyCompletion(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	d, _ := startTestDispatcher(t, drv, Options{})

	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	select {
	case <-drv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never reached the driver")
	}

	awaited := make(chan struct{})
	go func() {
		defer close(awaited)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := d.Submit(ctx, Request{Kind: command.KindAwaitAnyCompletion, Mode: command.ModeImmediate}); err != nil {
			t.Errorf("await_any Submit: %v", err)
		}
	}()

	select {
	case <-awaited:
		t.Fatal("await_any returned before any completion")
	case <-time.After(50 * time.Millisecond):
	}

	close(drv.gate)
	select {
	case <-awaited:
	case <-time.After(5 * time.Second):
		t.Fatal("await_any did not observe the completion")
	}
}

func TestDispatcherAwaitAnyCompletionNotLastAcksEarly(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	d, _ := startTestDispatcher(t, drv, Options{})

	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	select {
	case <-drv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never reached the driver")
	}

	// The early-acknowledgment variant must not block on the in-flight
	// command.
	start := time.Now()
	submit(t, d, Request{Kind: command.KindAwaitAnyCompletion, Mode: command.ModeImmediate, NotLast: true})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("not-last await_any blocked for %v", elapsed)
	}
	close(drv.gate)
}

func TestDispatcherFlushDiscardsQueued(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	hub := events.NewHub(64)
	d, _ := startTestDispatcher(t, drv, Options{Hub: hub})

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	select {
	case <-drv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never reached the driver")
	}
	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})

	ack := submit(t, d, Request{Kind: command.KindFlush, Mode: command.ModeImmediate})
	if ack.Flushed != 2 {
		t.Fatalf("Flushed = %d, want 2", ack.Flushed)
	}
	awaitEvent(t, ch, events.TypeQueueFlushed)

	// Only the in-flight command ever reaches the driver.
	close(drv.gate)
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})
	if calls := drv.calls(); len(calls) != 1 {
		t.Fatalf("driver saw %d calls after flush, want 1", len(calls))
	}
}

func TestDispatcherTerminateInterruptsHold(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{entered: make(chan struct{}, 1)}
	hub := events.NewHub(64)
	d, _ := startTestDispatcher(t, drv, Options{
		Hub:         hub,
		ClockPeriod: 10 * time.Millisecond,
	})

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	// Without the interrupt this hold would pin the executor for minutes.
	submit(t, d, Request{Kind: command.KindHold, Mode: command.ModeQueued, Cycles: 100000})
	select {
	case <-drv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never reached the driver")
	}
	submit(t, d, Request{Kind: command.KindTerminate, Mode: command.ModeImmediate})

	start := time.Now()
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("hold was not interrupted, waited %v", elapsed)
	}
	awaitEvent(t, ch, events.TypeInterrupted)

	// The interrupted hold still completed; later commands run normally.
	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})
	calls := drv.calls()
	if len(calls) != 2 || calls[1].kind != command.KindCountUp {
		t.Fatalf("unexpected calls after interrupt: %+v", calls)
	}
}

func TestDispatcherTerminateInterruptsInsertDelay(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	d, _ := startTestDispatcher(t, drv, Options{})

	submit(t, d, Request{Kind: command.KindInsertDelay, Mode: command.ModeQueued, Delay: time.Hour})
	// Give the executor a moment to start the wait; a terminate raised
	// before the pause begins still cancels it.
	time.Sleep(20 * time.Millisecond)
	submit(t, d, Request{Kind: command.KindTerminate, Mode: command.ModeImmediate})

	start := time.Now()
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("insert_delay was not interrupted, waited %v", elapsed)
	}
}

func TestDispatcherPacingViolation(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	hub := events.NewHub(64)
	d, _ := startTestDispatcher(t, drv, Options{
		Hub: hub,
		Pacing: PacingPolicy{
			Mode:              PacingStartToStart,
			MinInterval:       time.Minute,
			ViolationSeverity: command.SeverityWarning,
		},
	})

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	// The first access has no predecessor and never violates; the second
	// lands well inside the minimum interval.
	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})

	awaitEvent(t, ch, events.TypePacingViolated)
}

func TestDispatcherPacingAdvisoryDoesNotDelay(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	d, _ := startTestDispatcher(t, drv, Options{
		Pacing: PacingPolicy{
			Mode:        PacingFinishToStart,
			MinInterval: time.Minute,
		},
	})

	start := time.Now()
	for i := 0; i < 4; i++ {
		submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	}
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("pacing stalled execution for %v", elapsed)
	}
	if calls := drv.calls(); len(calls) != 4 {
		t.Fatalf("driver saw %d calls, want 4", len(calls))
	}
}

func TestDispatcherSubmitAfterStop(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	disp, err := New(drv, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = disp.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	_, err = disp.Submit(context.Background(), Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after stop: got %v, want ErrStopped", err)
	}
}

func TestDispatcherStatusTracksProgress(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	d, _ := startTestDispatcher(t, drv, Options{})

	ack := submit(t, d, Request{Kind: command.KindCountUp, Mode: command.ModeQueued})
	select {
	case <-drv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never reached the driver")
	}

	st := d.Status()
	if st.Current != ack.Seq {
		t.Fatalf("current = %d, want %d", st.Current, ack.Seq)
	}
	if st.Pending != 1 {
		t.Fatalf("pending = %d, want 1", st.Pending)
	}

	close(drv.gate)
	submit(t, d, Request{Kind: command.KindAwaitCompletion, Mode: command.ModeImmediate})

	st = d.Status()
	if st.Previous != ack.Seq || st.Current != st.Previous {
		t.Fatalf("post-completion status: %+v", st)
	}
	if st.Pending != 0 {
		t.Fatalf("pending after drain = %d", st.Pending)
	}
}
