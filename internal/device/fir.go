package device

import (
	"context"
	"fmt"

	"github.com/hdlkit/stimgate/internal/command"
	"github.com/hdlkit/stimgate/internal/fir"
)

// FIRConfig describes the filter a FIRFilter device models.
type FIRConfig struct {
	Cutoff     float64
	SampleRate float64
	Taps       int
	Window     fir.Window
	// SampleWidth is the signed input/output sample width in bits.
	SampleWidth int
	// FracBits selects the coefficient Q format (Q1.FracBits).
	FracBits int
}

// FIRFilter models a fixed-point FIR filter pipeline.
//
//	reset  clears the delay line
//	load   shifts the payload in as a signed sample
//	check  returns the current filtered output
//
// count_up and hold are accepted and leave the device unchanged, matching a
// filter that free-runs on its sample clock.
type FIRFilter struct {
	cfg    FIRConfig
	coeffs []int32
	delay  []int32
	mask   uint64
	maxOut int64
	minOut int64
}

// NewFIRFilter designs and quantizes the filter up front.
func NewFIRFilter(cfg FIRConfig) (*FIRFilter, error) {
	if cfg.SampleWidth <= 1 || cfg.SampleWidth > 32 {
		return nil, fmt.Errorf("sample width must be 2..32, got %d", cfg.SampleWidth)
	}
	if cfg.FracBits == 0 {
		cfg.FracBits = 15
	}
	coeffs, err := fir.DesignLowpass(cfg.Cutoff, cfg.SampleRate, cfg.Taps, cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("design filter: %w", err)
	}
	quantized, _, err := fir.Quantize(coeffs, 1, cfg.FracBits)
	if err != nil {
		return nil, fmt.Errorf("quantize coefficients: %w", err)
	}
	return &FIRFilter{
		cfg:    cfg,
		coeffs: quantized,
		delay:  make([]int32, cfg.Taps),
		mask:   (uint64(1) << uint(cfg.SampleWidth)) - 1,
		maxOut: int64(1)<<uint(cfg.SampleWidth-1) - 1,
		minOut: -(int64(1) << uint(cfg.SampleWidth-1)),
	}, nil
}

// Apply implements the drive interface.
func (f *FIRFilter) Apply(_ context.Context, kind command.Kind, payload command.Word, _ uint) (command.Word, error) {
	switch kind {
	case command.KindReset:
		for i := range f.delay {
			f.delay[i] = 0
		}
	case command.KindLoad:
		if !payload.Valid {
			return command.Word{}, fmt.Errorf("load requires a payload")
		}
		sample := payload.Normalize(f.cfg.SampleWidth).Signed()
		for i := len(f.delay) - 1; i > 0; i-- {
			f.delay[i] = f.delay[i-1]
		}
		f.delay[0] = int32(sample)
	case command.KindCheck:
		out := fir.Convolve(f.coeffs, f.delay, f.cfg.FracBits)
		if out > f.maxOut {
			out = f.maxOut
		} else if out < f.minOut {
			out = f.minOut
		}
		return command.NewWord(uint64(out)&f.mask, f.cfg.SampleWidth), nil
	case command.KindCountUp, command.KindHold:
		// Free-running sample clock; nothing to do.
	default:
		return command.Word{}, fmt.Errorf("fir filter: unsupported kind %q", kind)
	}
	return command.Word{}, nil
}
