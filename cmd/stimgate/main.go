package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hdlkit/stimgate/internal/api"
	"github.com/hdlkit/stimgate/internal/command"
	"github.com/hdlkit/stimgate/internal/config"
	"github.com/hdlkit/stimgate/internal/device"
	devmodbus "github.com/hdlkit/stimgate/internal/device/modbus"
	"github.com/hdlkit/stimgate/internal/dispatch"
	"github.com/hdlkit/stimgate/internal/events"
	"github.com/hdlkit/stimgate/internal/fir"
	"github.com/hdlkit/stimgate/internal/lock"
	"github.com/hdlkit/stimgate/internal/log"
	"github.com/hdlkit/stimgate/internal/program"
	"github.com/hdlkit/stimgate/internal/queue"
	"github.com/hdlkit/stimgate/internal/transcript"
	"github.com/hdlkit/stimgate/internal/tui"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runRun(args))
	case "check":
		os.Exit(runCheck(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("stimgate version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`stimgate - stimulus command dispatcher for simulated devices

Usage:
  stimgate <command> [flags]

Commands:
  run       Run a stimulus program against the configured device
  check     Validate a configuration file
  watch     Live terminal monitor for a running dispatcher
  version   Show version information
  help      Show this help message

Run flags:
  --config PATH    Configuration file (defaults apply when omitted)
  --program PATH   Stimulus program to execute (required)

Watch flags:
  --api URL        Base URL of the status API (default http://127.0.0.1:8471)
  --key KEY        API key
`)
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "check requires --config")
		return 1
	}

	cfg, hash, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	fmt.Printf("Configuration OK: service=%s device=%s integrity=%s\n",
		cfg.Service.Name, cfg.Device.Type, hash[:16])
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8471", "Base URL of the status API")
	apiKey := fs.String("key", "", "API key")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		return 1
	}
	return 0
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	programPath := fs.String("program", "", "Path to stimulus program")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *programPath == "" {
		fmt.Fprintln(os.Stderr, "run requires --program")
		return 1
	}

	cfg := config.Defaults()
	configHash := ""
	if *configPath != "" {
		loaded, hash, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
		configHash = hash
	}

	var fileCfg *log.FileConfig
	if cfg.Service.LogFile.Path != "" {
		fileCfg = &log.FileConfig{
			Path:       cfg.Service.LogFile.Path,
			MaxSizeMB:  cfg.Service.LogFile.MaxSizeMB,
			MaxBackups: cfg.Service.LogFile.MaxBackups,
			MaxAgeDays: cfg.Service.LogFile.MaxAgeDays,
		}
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, fileCfg)
	logger := log.WithComponent("main")
	if configHash != "" {
		logger.Info("configuration loaded", "path", *configPath, "integrity", configHash)
	}

	prog, err := program.Load(*programPath)
	if err != nil {
		logger.Error("failed to load program", "path", *programPath, "error", err)
		return 1
	}
	logger.Info("program loaded", "name", prog.Name, "steps", len(prog.Steps))

	driver, closeDriver, err := buildDriver(cfg)
	if err != nil {
		logger.Error("failed to build device driver", "type", cfg.Device.Type, "error", err)
		return 1
	}
	defer closeDriver()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *transcript.Store
	if cfg.Transcript.Enabled {
		dbLock, err := lock.Acquire(cfg.Transcript.Path + ".lock")
		if err != nil {
			logger.Error("failed to lock transcript", "path", cfg.Transcript.Path, "error", err)
			return 1
		}
		defer dbLock.Release()

		store, err = transcript.Open(ctx, cfg.Transcript.Path)
		if err != nil {
			logger.Error("failed to open transcript", "path", cfg.Transcript.Path, "error", err)
			return 1
		}
		defer store.Close()
	}

	hub := events.NewHub(256)
	opts := dispatch.Options{
		Queue: queue.Config{
			Capacity:      cfg.Queue.Capacity,
			WarnThreshold: cfg.Queue.WarnThreshold,
			WarnSeverity:  command.Severity(cfg.Queue.WarnSeverity),
		},
		Pacing: dispatch.PacingPolicy{
			Mode:              dispatch.PacingMode(cfg.Pacing.Mode),
			MinInterval:       cfg.Pacing.MinInterval,
			ViolationSeverity: command.Severity(cfg.Pacing.ViolationSeverity),
		},
		MaxWidth:    cfg.Device.Width,
		ClockPeriod: cfg.Service.ClockPeriod,
		Logger:      log.WithComponent("dispatch"),
		Hub:         hub,
	}
	if store != nil {
		opts.Recorder = store
	}

	disp, err := dispatch.New(driver, opts)
	if err != nil {
		logger.Error("failed to build dispatcher", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, disp, hub, store, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- replay(ctx, disp, prog, logger)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		return 0
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	case err := <-doneCh:
		if err != nil {
			logger.Error("program failed", "error", err)
			cancel()
			return 1
		}
	}

	if store != nil {
		digest, rows := store.Digest()
		logger.Info("run transcript", "run_id", disp.RunID(), "transactions", rows, "digest", digest)
	}
	logger.Info("program complete", "run_id", disp.RunID())
	cancel()
	return 0
}

// replay submits every program step in order, then waits for the executor to
// drain before returning.
func replay(ctx context.Context, disp *dispatch.Dispatcher, prog *program.Program, logger *slog.Logger) error {
	for i, step := range prog.Steps {
		ack, err := disp.Submit(ctx, step.Request())
		if err != nil {
			return fmt.Errorf("step[%d] %s: %w", i, step.Kind, err)
		}
		logger.Info("step acknowledged", "step", i, "kind", step.Kind, "seq", ack.Seq)
	}

	_, err := disp.Submit(ctx, dispatch.Request{
		Kind: command.KindAwaitCompletion,
		Mode: command.ModeImmediate,
	})
	if err != nil {
		return fmt.Errorf("await completion: %w", err)
	}
	return nil
}

// buildDriver constructs the configured device. The returned close function
// is a no-op for in-process models.
func buildDriver(cfg *config.Config) (dispatch.Driver, func(), error) {
	noop := func() {}
	switch cfg.Device.Type {
	case "counter":
		c, err := device.NewCounter(cfg.Device.Width)
		return c, noop, err
	case "fir":
		f, err := device.NewFIRFilter(device.FIRConfig{
			Cutoff:      cfg.Device.FIR.Cutoff,
			SampleRate:  cfg.Device.FIR.SampleRate,
			Taps:        cfg.Device.FIR.Taps,
			Window:      fir.Window(cfg.Device.FIR.Window),
			SampleWidth: cfg.Device.Width,
			FracBits:    cfg.Device.FIR.FracBits,
		})
		return f, noop, err
	case "modbus":
		m, err := devmodbus.New(devmodbus.Config{
			Endpoint:    cfg.Device.Modbus.Endpoint,
			UnitID:      cfg.Device.Modbus.UnitID,
			Timeout:     cfg.Device.Modbus.Timeout,
			ControlReg:  cfg.Device.Modbus.ControlReg,
			ValueReg:    cfg.Device.Modbus.ValueReg,
			ReadbackReg: cfg.Device.Modbus.ReadbackReg,
			Width:       cfg.Device.Width,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, func() { _ = m.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown device type %q", cfg.Device.Type)
	}
}
