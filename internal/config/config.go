// Package config loads and validates the YAML configuration for a dispatcher
// service: queue sizing, pacing policy, device selection, and the optional
// observability surfaces.
package config

import "time"

// Config is the complete service configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Queue      QueueConfig      `yaml:"queue"`
	Pacing     PacingConfig     `yaml:"pacing"`
	Device     DeviceConfig     `yaml:"device"`
	API        APIConfig        `yaml:"api,omitempty"`
	Transcript TranscriptConfig `yaml:"transcript,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name        string        `yaml:"name"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	LogFile     LogFileConfig `yaml:"log_file,omitempty"`
	ClockPeriod time.Duration `yaml:"clock_period"`
}

// LogFileConfig enables a rotating log file when Path is set.
type LogFileConfig struct {
	Path       string `yaml:"path,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// QueueConfig bounds the command queue.
type QueueConfig struct {
	Capacity      int    `yaml:"capacity"`
	WarnThreshold int    `yaml:"warn_threshold"`
	WarnSeverity  string `yaml:"warn_severity"`
}

// PacingConfig governs minimum spacing between device accesses.
type PacingConfig struct {
	Mode              string        `yaml:"mode"`
	MinInterval       time.Duration `yaml:"min_interval"`
	ViolationSeverity string        `yaml:"violation_severity"`
}

// DeviceConfig selects and parameterizes the driven device.
type DeviceConfig struct {
	// Type is one of "counter", "fir", "modbus".
	Type string `yaml:"type"`
	// Width is the register/sample width in bits.
	Width int `yaml:"width"`

	FIR    *FIRDeviceConfig    `yaml:"fir,omitempty"`
	Modbus *ModbusDeviceConfig `yaml:"modbus,omitempty"`
}

// FIRDeviceConfig parameterizes the FIR filter device model.
type FIRDeviceConfig struct {
	Cutoff     float64 `yaml:"cutoff_hz"`
	SampleRate float64 `yaml:"sample_rate_hz"`
	Taps       int     `yaml:"taps"`
	Window     string  `yaml:"window,omitempty"`
	FracBits   int     `yaml:"frac_bits,omitempty"`
}

// ModbusDeviceConfig parameterizes the Modbus/TCP device.
type ModbusDeviceConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	UnitID      uint8         `yaml:"unit_id"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	ControlReg  uint16        `yaml:"control_reg,omitempty"`
	ValueReg    uint16        `yaml:"value_reg,omitempty"`
	ReadbackReg uint16        `yaml:"readback_reg,omitempty"`
}

// APIConfig defines the status HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// TranscriptConfig defines transaction persistence.
type TranscriptConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "stimgate",
			LogLevel:    "INFO",
			LogFormat:   "json",
			ClockPeriod: time.Millisecond,
		},
		Queue: QueueConfig{
			Capacity:      32,
			WarnThreshold: 24,
			WarnSeverity:  "warning",
		},
		Pacing: PacingConfig{
			Mode:              "none",
			ViolationSeverity: "warning",
		},
		Device: DeviceConfig{
			Type:  "counter",
			Width: 16,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8471",
		},
		Transcript: TranscriptConfig{
			Path: "stimgate.db",
		},
	}
}
