// Package program loads YAML stimulus programs: ordered lists of submissions
// a sequencer replays against a dispatcher.
package program

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hdlkit/stimgate/internal/command"
	"github.com/hdlkit/stimgate/internal/dispatch"
)

// Program is one stimulus sequence.
type Program struct {
	Name  string `yaml:"name,omitempty"`
	Steps []Step `yaml:"steps"`
}

// Step is one submission. Mode defaults to queued for queueable kinds and
// immediate for control kinds.
type Step struct {
	Kind     string        `yaml:"kind"`
	Mode     string        `yaml:"mode,omitempty"`
	Payload  *uint64       `yaml:"payload,omitempty"`
	Expected *uint64       `yaml:"expected,omitempty"`
	Width    int           `yaml:"width,omitempty"`
	Cycles   uint          `yaml:"cycles,omitempty"`
	Delay    time.Duration `yaml:"delay,omitempty"`
	Message  string        `yaml:"message,omitempty"`
	NotLast  bool          `yaml:"not_last,omitempty"`
}

// Load reads and validates a program file.
func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate rejects unknown kinds, bad modes, and impossible combinations
// before anything is submitted.
func (p *Program) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("program has no steps")
	}
	for i, s := range p.Steps {
		kind := command.Kind(s.Kind)
		if !kind.Valid() {
			return fmt.Errorf("step[%d]: unknown kind %q", i, s.Kind)
		}
		if s.Mode != "" {
			mode := command.DispatchMode(s.Mode)
			if !mode.Valid() {
				return fmt.Errorf("step[%d]: unknown mode %q", i, s.Mode)
			}
			if mode == command.ModeQueued && !kind.Queueable() {
				return fmt.Errorf("step[%d]: kind %q cannot be queued", i, s.Kind)
			}
			if mode == command.ModeImmediate && kind.Queueable() {
				return fmt.Errorf("step[%d]: kind %q cannot be dispatched immediately", i, s.Kind)
			}
		}
		if kind == command.KindLoad && s.Payload == nil {
			return fmt.Errorf("step[%d]: load requires a payload", i)
		}
	}
	return nil
}

// Request translates a step into a dispatcher submission.
func (s Step) Request() dispatch.Request {
	kind := command.Kind(s.Kind)
	mode := command.DispatchMode(s.Mode)
	if s.Mode == "" {
		if kind.Queueable() {
			mode = command.ModeQueued
		} else {
			mode = command.ModeImmediate
		}
	}
	return dispatch.Request{
		Kind:     kind,
		Mode:     mode,
		Payload:  s.Payload,
		Expected: s.Expected,
		Width:    s.Width,
		Cycles:   s.Cycles,
		Delay:    s.Delay,
		Message:  s.Message,
		NotLast:  s.NotLast,
	}
}
