package config

import (
	"fmt"

	"github.com/hdlkit/stimgate/internal/command"
	"github.com/hdlkit/stimgate/internal/dispatch"
)

// Validate checks cross-field constraints after defaulting.
func Validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if cfg.Service.ClockPeriod <= 0 {
		return fmt.Errorf("service.clock_period must be positive")
	}

	if cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", cfg.Queue.Capacity)
	}
	if cfg.Queue.WarnThreshold < 0 || cfg.Queue.WarnThreshold > cfg.Queue.Capacity {
		return fmt.Errorf("queue.warn_threshold must be 0..%d, got %d", cfg.Queue.Capacity, cfg.Queue.WarnThreshold)
	}
	if s := command.Severity(cfg.Queue.WarnSeverity); !s.Valid() {
		return fmt.Errorf("queue.warn_severity %q is not one of warning, error, fatal", cfg.Queue.WarnSeverity)
	}

	if m := dispatch.PacingMode(cfg.Pacing.Mode); !m.Valid() {
		return fmt.Errorf("pacing.mode %q is not one of none, start_to_start, finish_to_start", cfg.Pacing.Mode)
	}
	if s := command.Severity(cfg.Pacing.ViolationSeverity); !s.Valid() {
		return fmt.Errorf("pacing.violation_severity %q is not one of warning, error, fatal", cfg.Pacing.ViolationSeverity)
	}
	if cfg.Pacing.Mode != string(dispatch.PacingNone) && cfg.Pacing.MinInterval <= 0 {
		return fmt.Errorf("pacing.min_interval must be positive when pacing.mode is %q", cfg.Pacing.Mode)
	}

	if cfg.Device.Width <= 0 || cfg.Device.Width > command.MaxWidth {
		return fmt.Errorf("device.width must be 1..%d, got %d", command.MaxWidth, cfg.Device.Width)
	}
	switch cfg.Device.Type {
	case "counter":
	case "fir":
		if cfg.Device.FIR == nil {
			return fmt.Errorf("device.fir section is required for device.type fir")
		}
		if cfg.Device.FIR.Taps <= 0 {
			return fmt.Errorf("device.fir.taps must be positive")
		}
		if cfg.Device.FIR.Cutoff <= 0 || cfg.Device.FIR.SampleRate <= 0 {
			return fmt.Errorf("device.fir.cutoff_hz and sample_rate_hz must be positive")
		}
	case "modbus":
		if cfg.Device.Modbus == nil || cfg.Device.Modbus.Endpoint == "" {
			return fmt.Errorf("device.modbus.endpoint is required for device.type modbus")
		}
	default:
		return fmt.Errorf("device.type %q is not one of counter, fir, modbus", cfg.Device.Type)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when api.enabled is true")
		}
	}

	if cfg.Transcript.Enabled && cfg.Transcript.Path == "" {
		return fmt.Errorf("transcript.path is required when transcript.enabled is true")
	}

	return nil
}
