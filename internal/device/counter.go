// Package device provides reference implementations of the drive interface:
// simple simulated devices a dispatcher can exercise. All of them are meant
// to be called from the executor context only.
package device

import (
	"context"
	"fmt"

	"github.com/hdlkit/stimgate/internal/command"
)

// Counter models a loadable up-counter with a fixed register width.
//
//	reset     clears the register
//	load      sets the register from the payload
//	count_up  advances by the cycle count (default 1), wrapping at width
//	hold      freezes the register (no state change)
//	check     returns the register value
type Counter struct {
	width int
	mask  uint64
	value uint64
}

// NewCounter returns a counter with the given register width in bits.
func NewCounter(width int) (*Counter, error) {
	if width <= 0 || width > command.MaxWidth {
		return nil, fmt.Errorf("counter width must be 1..%d, got %d", command.MaxWidth, width)
	}
	mask := ^uint64(0)
	if width < command.MaxWidth {
		mask = (uint64(1) << uint(width)) - 1
	}
	return &Counter{width: width, mask: mask}, nil
}

// Apply implements the drive interface.
func (c *Counter) Apply(_ context.Context, kind command.Kind, payload command.Word, cycles uint) (command.Word, error) {
	switch kind {
	case command.KindReset:
		c.value = 0
	case command.KindLoad:
		if !payload.Valid {
			return command.Word{}, fmt.Errorf("load requires a payload")
		}
		c.value = payload.Bits & c.mask
	case command.KindCountUp:
		if cycles == 0 {
			cycles = 1
		}
		c.value = (c.value + uint64(cycles)) & c.mask
	case command.KindHold:
		// Count enable deasserted; nothing changes.
	case command.KindCheck:
		return command.NewWord(c.value, c.width), nil
	default:
		return command.Word{}, fmt.Errorf("counter: unsupported kind %q", kind)
	}
	return command.Word{}, nil
}

// Value exposes the register for tests.
func (c *Counter) Value() uint64 { return c.value }
