// Package modbus drives a hardware-in-the-loop device over Modbus/TCP. It
// maps the command kinds onto a small register map: a value register the
// payload is written to, a control register that receives an opcode per
// command, and a readback register for checks.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/hdlkit/stimgate/internal/command"
)

// Control register opcodes.
const (
	opReset   = 0x0001
	opLoad    = 0x0002
	opCountUp = 0x0003
	opHold    = 0x0004
)

type Config struct {
	Endpoint string
	UnitID   uint8
	Timeout  time.Duration

	// Register map. Defaults: control 0, value 1, readback 2.
	ControlReg  uint16
	ValueReg    uint16
	ReadbackReg uint16

	// Width is the readback word width in bits (<= 16).
	Width int
}

// Device is a single TCP connection to one endpoint. Access is serialized:
// the executor is the only expected caller, but the mutex keeps Close safe.
type Device struct {
	cfg     Config
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func New(cfg Config) (*Device, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus device: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Width <= 0 || cfg.Width > 16 {
		cfg.Width = 16
	}
	if cfg.ValueReg == 0 && cfg.ControlReg == 0 && cfg.ReadbackReg == 0 {
		cfg.ValueReg = 1
		cfg.ReadbackReg = 2
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Endpoint, err)
	}

	return &Device{
		cfg:     cfg,
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler.Close()
}

// Apply implements the drive interface.
func (d *Device) Apply(_ context.Context, kind command.Kind, payload command.Word, cycles uint) (command.Word, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch kind {
	case command.KindReset:
		return command.Word{}, d.writeControl(opReset)
	case command.KindLoad:
		if !payload.Valid {
			return command.Word{}, errors.New("load requires a payload")
		}
		if _, err := d.client.WriteSingleRegister(d.cfg.ValueReg, uint16(payload.Bits)); err != nil {
			return command.Word{}, fmt.Errorf("write value register: %w", err)
		}
		return command.Word{}, d.writeControl(opLoad)
	case command.KindCountUp:
		if cycles == 0 {
			cycles = 1
		}
		if _, err := d.client.WriteSingleRegister(d.cfg.ValueReg, uint16(cycles)); err != nil {
			return command.Word{}, fmt.Errorf("write value register: %w", err)
		}
		return command.Word{}, d.writeControl(opCountUp)
	case command.KindHold:
		return command.Word{}, d.writeControl(opHold)
	case command.KindCheck:
		raw, err := d.client.ReadHoldingRegisters(d.cfg.ReadbackReg, 1)
		if err != nil {
			return command.Word{}, fmt.Errorf("read readback register: %w", err)
		}
		if len(raw) < 2 {
			return command.Word{}, fmt.Errorf("short readback response: %d bytes", len(raw))
		}
		value := uint64(raw[0])<<8 | uint64(raw[1])
		return command.NewWord(value, d.cfg.Width), nil
	default:
		return command.Word{}, fmt.Errorf("modbus device: unsupported kind %q", kind)
	}
}

func (d *Device) writeControl(op uint16) error {
	if _, err := d.client.WriteSingleRegister(d.cfg.ControlReg, op); err != nil {
		return fmt.Errorf("write control register: %w", err)
	}
	return nil
}
