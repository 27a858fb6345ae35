// Package fir provides windowed-sinc FIR filter design and Q-format
// fixed-point quantization, enough to build a filter device model.
package fir

import (
	"fmt"
	"math"
)

// Window selects the tap window applied to the ideal sinc response.
type Window string

const (
	Hamming     Window = "hamming"
	Hanning     Window = "hanning"
	Blackman    Window = "blackman"
	Bartlett    Window = "bartlett"
	Rectangular Window = "rectangular"
)

// DesignLowpass designs a lowpass filter with the windowed-sinc method and
// normalizes DC gain to 1.0. cutoff and sampleRate are in Hz; taps is the
// filter length.
func DesignLowpass(cutoff, sampleRate float64, taps int, window Window) ([]float64, error) {
	if taps <= 0 {
		return nil, fmt.Errorf("taps must be positive, got %d", taps)
	}
	if cutoff <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("cutoff and sample rate must be positive")
	}
	if cutoff >= sampleRate/2 {
		return nil, fmt.Errorf("cutoff %.1f Hz is at or above Nyquist (%.1f Hz)", cutoff, sampleRate/2)
	}

	// Normalized cutoff: 1.0 is Nyquist.
	fc := cutoff / (sampleRate / 2)
	center := float64(taps-1) / 2

	h := make([]float64, taps)
	var dc float64
	for n := 0; n < taps; n++ {
		w, err := windowValue(window, n, taps)
		if err != nil {
			return nil, err
		}
		h[n] = sinc(fc*(float64(n)-center)) * w
		dc += h[n]
	}
	if dc != 0 {
		for n := range h {
			h[n] /= dc
		}
	}
	return h, nil
}

// sinc is the normalized sinc function sin(pi x)/(pi x).
func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func windowValue(w Window, n, taps int) (float64, error) {
	if taps == 1 {
		return 1, nil
	}
	x := 2 * math.Pi * float64(n) / float64(taps-1)
	switch w {
	case Hamming, "":
		return 0.54 - 0.46*math.Cos(x), nil
	case Hanning:
		return 0.5 - 0.5*math.Cos(x), nil
	case Blackman:
		return 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x), nil
	case Bartlett:
		return 1 - math.Abs(2*float64(n)/float64(taps-1)-1), nil
	case Rectangular:
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown window type %q", w)
	}
}

// QuantInfo reports the outcome of a fixed-point conversion.
type QuantInfo struct {
	IntBits     int
	FracBits    int
	ScaleFactor int64
	// Saturated counts coefficients clipped to the representable range.
	Saturated int
	// MaxError is the largest absolute quantization error.
	MaxError float64
}

// Quantize converts floating-point coefficients to signed
// Q(intBits).(fracBits) fixed point with saturation. Q1.15 is the usual
// hardware format.
func Quantize(coeffs []float64, intBits, fracBits int) ([]int32, QuantInfo, error) {
	total := intBits + fracBits
	if intBits < 1 || fracBits < 1 || total > 31 {
		return nil, QuantInfo{}, fmt.Errorf("unsupported Q%d.%d format", intBits, fracBits)
	}

	scale := int64(1) << uint(fracBits)
	maxVal := int64(1)<<uint(total-1) - 1
	minVal := -(int64(1) << uint(total-1))

	info := QuantInfo{IntBits: intBits, FracBits: fracBits, ScaleFactor: scale}
	out := make([]int32, len(coeffs))
	for i, c := range coeffs {
		scaled := int64(math.Round(c * float64(scale)))
		if scaled > maxVal {
			scaled = maxVal
			info.Saturated++
		} else if scaled < minVal {
			scaled = minVal
			info.Saturated++
		}
		out[i] = int32(scaled)

		err := math.Abs(c - float64(scaled)/float64(scale))
		if err > info.MaxError {
			info.MaxError = err
		}
	}
	return out, info, nil
}

// Convolve runs one fixed-point MAC pass over the delay line, newest sample
// first, and scales the accumulator back down by fracBits.
func Convolve(coeffs []int32, delay []int32, fracBits int) int64 {
	var acc int64
	for i, c := range coeffs {
		if i >= len(delay) {
			break
		}
		acc += int64(c) * int64(delay[i])
	}
	return acc >> uint(fracBits)
}
