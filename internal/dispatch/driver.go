package dispatch

import (
	"context"
	"time"

	"github.com/hdlkit/stimgate/internal/command"
)

//go:generate mockgen -destination=mocks/mock_driver.go -package=mocks github.com/hdlkit/stimgate/internal/dispatch Driver

// Driver is the bus-functional boundary between the executor and the device
// under test. Apply is called once per device-accessing command, from the
// executor context only; implementations are not expected to be reentrant.
// The returned word is meaningful for check commands and ignored otherwise.
type Driver interface {
	Apply(ctx context.Context, kind command.Kind, payload command.Word, cycles uint) (command.Word, error)
}

// Recorder persists transaction snapshots. Recording is best-effort: a
// failing recorder is logged and never stalls the executor.
type Recorder interface {
	Record(ctx context.Context, snap TransactionSnapshot) error
}

// PacingMode selects which edge of the previous device access the minimum
// interval is measured from.
type PacingMode string

const (
	PacingNone          PacingMode = "none"
	PacingStartToStart  PacingMode = "start_to_start"
	PacingFinishToStart PacingMode = "finish_to_start"
)

// Valid reports whether m is a known pacing mode.
func (m PacingMode) Valid() bool {
	return m == PacingNone || m == PacingStartToStart || m == PacingFinishToStart
}

// PacingPolicy governs minimum spacing between consecutive device-accessing
// commands. Violations are advisory: they are reported at ViolationSeverity
// and never delay execution.
type PacingPolicy struct {
	Mode              PacingMode
	MinInterval       time.Duration
	ViolationSeverity command.Severity
}
