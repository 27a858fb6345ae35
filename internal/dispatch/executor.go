package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hdlkit/stimgate/internal/command"
	"github.com/hdlkit/stimgate/internal/events"
)

// runExecutor drains the queue serially: pacing check, drive-interface
// dispatch, snapshot, status update. Delay-style commands suspend on a
// cancellable timed wait; after every command an active termination signal is
// cleared and reported. Queue order is never affected by an interruption.
func (d *Dispatcher) runExecutor(ctx context.Context) error {
	logger := d.logger.With("role", "executor")
	var lastStart, lastFinish time.Time

	for {
		cmd, err := d.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		d.status.begin(cmd.Seq)
		if d.verbose.Load() {
			logger.Info("executing command",
				"seq", cmd.Seq, "kind", cmd.Kind, "payload", cmd.Payload.String(), "message", cmd.Message)
		}

		var resp command.Word
		mismatch := false

		switch {
		case cmd.Kind.DeviceAccessing():
			start := time.Now()
			d.checkPacing(logger, cmd, start, lastStart, lastFinish)
			lastStart = start

			resp, mismatch = d.applyToDevice(ctx, logger, cmd)
			if cmd.Kind == command.KindHold {
				// Hold keeps the device state frozen for the cycle count;
				// the wait is interruptible.
				d.pause(ctx, time.Duration(cmd.Cycles)*d.clockPeriod)
			}
			lastFinish = time.Now()

		case cmd.Kind == command.KindInsertDelay:
			d.pause(ctx, d.delayFor(cmd))

		default:
			// The interpreter only queues device-accessing kinds and
			// insert_delay; anything else here is a routing defect.
			logger.Error("unexpected queued command", "seq", cmd.Seq, "kind", cmd.Kind)
		}

		snap := TransactionSnapshot{
			RunID:       d.runID,
			Seq:         cmd.Seq,
			Kind:        cmd.Kind,
			Payload:     cmd.Payload,
			Response:    resp,
			Cycles:      cmd.Cycles,
			Mismatch:    mismatch,
			Message:     cmd.Message,
			CompletedAt: time.Now().UTC(),
		}
		d.record(ctx, logger, snap)
		d.status.complete(cmd.Seq)

		if d.term.Clear() {
			// The interrupted command still counts as complete; the next
			// dequeue proceeds normally.
			logger.Warn("command interrupted by termination request", "seq", cmd.Seq, "kind", cmd.Kind)
			d.hub.Publish(events.TypeInterrupted, map[string]any{"seq": cmd.Seq, "kind": cmd.Kind})
		}
	}
}

// applyToDevice dispatches one device-accessing command and evaluates the
// check comparison. Driver errors and mismatches are reported at Error
// severity and execution continues.
func (d *Dispatcher) applyToDevice(ctx context.Context, logger *slog.Logger, cmd command.Command) (command.Word, bool) {
	resp, err := d.driver.Apply(ctx, cmd.Kind, cmd.Payload, cmd.Cycles)
	if err != nil {
		logger.Error("drive interface error",
			"seq", cmd.Seq, "kind", cmd.Kind, "message", cmd.Message, "error", err)
		return command.Word{}, false
	}

	if cmd.Kind == command.KindCheck && cmd.Expected.Valid {
		if resp.Bits != cmd.Expected.Bits {
			logger.Error("check mismatch",
				"seq", cmd.Seq,
				"expected", cmd.Expected.String(),
				"actual", resp.String(),
				"message", cmd.Message)
			d.hub.Publish(events.TypeCheckMismatch, map[string]any{
				"seq":      cmd.Seq,
				"expected": cmd.Expected.String(),
				"actual":   resp.String(),
			})
			return resp, true
		}
	}
	return resp, false
}

// checkPacing reports a spacing violation against the previous device access.
// Advisory only: execution is never delayed.
func (d *Dispatcher) checkPacing(logger *slog.Logger, cmd command.Command, now, lastStart, lastFinish time.Time) {
	p := d.pacing
	if p.Mode == PacingNone || p.MinInterval <= 0 {
		return
	}
	ref := lastStart
	if p.Mode == PacingFinishToStart {
		ref = lastFinish
	}
	if ref.IsZero() {
		return
	}
	elapsed := now.Sub(ref)
	if elapsed >= p.MinInterval {
		return
	}
	logger.Log(context.Background(), p.ViolationSeverity.Level(), "pacing violation",
		"seq", cmd.Seq,
		"kind", cmd.Kind,
		"elapsed", elapsed,
		"min_interval", p.MinInterval,
		"mode", p.Mode,
	)
	d.hub.Publish(events.TypePacingViolated, map[string]any{
		"seq":        cmd.Seq,
		"elapsed_us": elapsed.Microseconds(),
		"min_us":     p.MinInterval.Microseconds(),
	})
}

// delayFor resolves the wait for an insert_delay command: an absolute
// duration when given, otherwise cycles times the clock period.
func (d *Dispatcher) delayFor(cmd command.Command) time.Duration {
	if cmd.Delay > 0 {
		return cmd.Delay
	}
	return time.Duration(cmd.Cycles) * d.clockPeriod
}

// pause suspends the executor for dur, returning early if the termination
// signal is raised or the run is cancelled.
func (d *Dispatcher) pause(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
	case <-d.term.Armed():
	case <-ctx.Done():
	}
}
