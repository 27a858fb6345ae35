// Package command defines the commands a stimulus sequencer can submit to a
// dispatcher, along with the severity taxonomy used when reporting on them.
package command

import (
	"fmt"
	"log/slog"
	"time"
)

// Kind identifies the operation a command performs.
type Kind string

const (
	// Device-accessing kinds. These reach the drive interface and are
	// subject to the pacing policy.
	KindReset   Kind = "reset"
	KindLoad    Kind = "load"
	KindCheck   Kind = "check"
	KindCountUp Kind = "count_up"
	KindHold    Kind = "hold"

	// Control kinds.
	KindInsertDelay        Kind = "insert_delay"
	KindFlush              Kind = "flush"
	KindAwaitCompletion    Kind = "await_completion"
	KindAwaitAnyCompletion Kind = "await_any_completion"
	KindTerminate          Kind = "terminate"
	KindEnableLog          Kind = "enable_log"
	KindDisableLog         Kind = "disable_log"
)

// DeviceAccessing reports whether the kind reaches the drive interface.
func (k Kind) DeviceAccessing() bool {
	switch k {
	case KindReset, KindLoad, KindCheck, KindCountUp, KindHold:
		return true
	}
	return false
}

// Queueable reports whether the kind may be submitted with ModeQueued.
func (k Kind) Queueable() bool {
	return k.DeviceAccessing() || k == KindInsertDelay
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindReset, KindLoad, KindCheck, KindCountUp, KindHold,
		KindInsertDelay, KindFlush, KindAwaitCompletion,
		KindAwaitAnyCompletion, KindTerminate, KindEnableLog, KindDisableLog:
		return true
	}
	return false
}

// DispatchMode selects whether a command is buffered in the queue or handled
// inline by the interpreter.
type DispatchMode string

const (
	ModeQueued    DispatchMode = "queued"
	ModeImmediate DispatchMode = "immediate"
)

// Valid reports whether m is a known dispatch mode.
func (m DispatchMode) Valid() bool {
	return m == ModeQueued || m == ModeImmediate
}

// Severity classifies reported conditions. Fatal conditions abort the
// dispatcher run; everything else is logged and execution continues.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityWarning || s == SeverityError || s == SeverityFatal
}

// Level maps a severity to its slog level. Fatal has no slog analogue and
// maps to Error; the caller is expected to abort separately.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityError, SeverityFatal:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// MaxWidth is the widest payload the dispatcher supports.
const MaxWidth = 64

// Word is a nullable fixed-width bit vector. Bits beyond Width are always
// zero; Normalize enforces that before a Word is stored on a Command.
type Word struct {
	Bits  uint64
	Width int
	Valid bool
}

// NewWord returns a valid Word holding bits at the given width.
func NewWord(bits uint64, width int) Word {
	return Word{Bits: bits, Width: width, Valid: true}.Normalize(width)
}

// Normalize zero-extends or truncates w to at most width bits. Invalid
// words pass through unchanged.
func (w Word) Normalize(width int) Word {
	if !w.Valid {
		return w
	}
	if width <= 0 || width > MaxWidth {
		width = MaxWidth
	}
	if w.Width <= 0 || w.Width > width {
		w.Width = width
	}
	if w.Width < MaxWidth {
		w.Bits &= (uint64(1) << uint(w.Width)) - 1
	}
	return w
}

// Signed returns the value of w sign-extended from its width.
func (w Word) Signed() int64 {
	if !w.Valid || w.Width <= 0 || w.Width >= MaxWidth {
		return int64(w.Bits)
	}
	shift := uint(MaxWidth - w.Width)
	return int64(w.Bits<<shift) >> shift
}

// String renders the word as a hex literal, or "-" when null.
func (w Word) String() string {
	if !w.Valid {
		return "-"
	}
	return fmt.Sprintf("0x%0*X", (w.Width+3)/4, w.Bits)
}

// Command is one submitted operation. Seq is assigned by the interpreter and
// is strictly increasing over the lifetime of a dispatcher instance.
type Command struct {
	Seq      uint64
	Kind     Kind
	Mode     DispatchMode
	Payload  Word
	Expected Word

	// Cycles is the repeat/wait count for count_up, hold and insert_delay.
	// Zero means unset.
	Cycles uint

	// Delay is an absolute wait for insert_delay. When zero the executor
	// derives the wait from Cycles and the configured clock period.
	Delay time.Duration

	Message string
}
