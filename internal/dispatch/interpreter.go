package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hdlkit/stimgate/internal/command"
	"github.com/hdlkit/stimgate/internal/events"
)

// runInterpreter is the submission loop: receive, assign a sequence index,
// route queued commands into the FIFO, handle immediate commands inline, and
// acknowledge exactly once. A non-nil return aborts the run.
func (d *Dispatcher) runInterpreter(ctx context.Context) error {
	logger := d.logger.With("role", "interpreter")
	var seq uint64

	for {
		var sub *submission
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub = <-d.submitCh:
		}

		seq++
		req := sub.req

		if !req.Kind.Valid() || !req.Mode.Valid() {
			err := fmt.Errorf("%w: kind=%q mode=%q", ErrUnsupported, req.Kind, req.Mode)
			sub.ack <- ackResult{err: err}
			logger.Error("unsupported submission",
				"seq", seq, "kind", req.Kind, "mode", req.Mode, "message", req.Message)
			return err
		}

		switch req.Mode {
		case command.ModeQueued:
			if !req.Kind.Queueable() {
				err := fmt.Errorf("%w: kind %q cannot be queued", ErrUnsupported, req.Kind)
				sub.ack <- ackResult{err: err}
				logger.Error("unsupported queued kind", "seq", seq, "kind", req.Kind, "message", req.Message)
				return err
			}
			cmd := d.buildCommand(seq, req)
			occ, err := d.queue.Enqueue(cmd)
			if err != nil {
				sub.ack <- ackResult{err: err}
				logger.Error("enqueue failed", "seq", seq, "kind", req.Kind, "message", req.Message, "error", err)
				return err
			}
			d.hub.Publish(events.TypeAccepted, map[string]any{
				"seq": seq, "kind": req.Kind, "occupancy": occ,
			})
			if d.verbose.Load() {
				logger.Debug("command queued", "seq", seq, "kind", req.Kind, "occupancy", occ)
			}
			sub.ack <- ackResult{ack: Ack{Seq: seq, Occupancy: occ}}

		case command.ModeImmediate:
			ack, err := d.runImmediate(ctx, logger, seq, req)
			sub.ack <- ackResult{ack: ack, err: err}
			if err != nil {
				return err
			}
		}
	}
}

// runImmediate handles the fixed immediate operation set without touching the
// queue. Unrecognized kinds are fatal.
func (d *Dispatcher) runImmediate(ctx context.Context, logger *slog.Logger, seq uint64, req Request) (Ack, error) {
	switch req.Kind {
	case command.KindAwaitCompletion:
		if err := d.waitIdle(ctx); err != nil {
			return Ack{}, err
		}
		return Ack{Seq: seq}, nil

	case command.KindAwaitAnyCompletion:
		mark := d.status.done()
		if req.NotLast {
			// Release the producer now; observe the next completion on a
			// detached waiter.
			go func() {
				if err := d.waitCompletionAfter(ctx, mark); err == nil {
					logger.Debug("completion observed after early acknowledgment", "seq", seq)
				}
			}()
			return Ack{Seq: seq}, nil
		}
		if err := d.waitCompletionAfter(ctx, mark); err != nil {
			return Ack{}, err
		}
		return Ack{Seq: seq}, nil

	case command.KindFlush:
		n := d.queue.Flush()
		logger.Info("queue flushed", "seq", seq, "discarded", n)
		d.hub.Publish(events.TypeQueueFlushed, map[string]any{"seq": seq, "discarded": n})
		return Ack{Seq: seq, Flushed: n}, nil

	case command.KindTerminate:
		d.term.Raise()
		if d.verbose.Load() {
			logger.Info("termination requested", "seq", seq, "message", req.Message)
		}
		return Ack{Seq: seq}, nil

	case command.KindEnableLog:
		d.verbose.Store(true)
		return Ack{Seq: seq}, nil

	case command.KindDisableLog:
		d.verbose.Store(false)
		return Ack{Seq: seq}, nil

	default:
		err := fmt.Errorf("%w: kind %q cannot be dispatched immediately", ErrUnsupported, req.Kind)
		logger.Error("unsupported immediate kind", "seq", seq, "kind", req.Kind, "message", req.Message)
		return Ack{}, err
	}
}

// waitIdle blocks until nothing is queued or in flight.
func (d *Dispatcher) waitIdle(ctx context.Context) error {
	for {
		ch := d.status.changed()
		if d.queue.Len() == 0 && d.status.idle() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitCompletionAfter blocks until the completion counter passes mark.
func (d *Dispatcher) waitCompletionAfter(ctx context.Context, mark uint64) error {
	for {
		ch := d.status.changed()
		if d.status.done() > mark {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
