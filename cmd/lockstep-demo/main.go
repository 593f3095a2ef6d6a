// Command lockstep-demo runs a co-simulation session against a built-in
// blinking firmware peer, or against real firmware over TCP, a Unix
// socket, a WebSocket or a launched process, and prints a diagnostic
// report when it stops.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comalice/lockstepx"
	"github.com/comalice/lockstepx/config"
	"github.com/comalice/lockstepx/firmware"
	"github.com/comalice/lockstepx/realtime"
	"github.com/comalice/lockstepx/schedule"
	"github.com/comalice/lockstepx/testutil"
	"github.com/comalice/lockstepx/transport"
)

type options struct {
	configPath  string
	envFile     string
	ticks       uint64
	transport   string
	addr        string
	firmware    string
	form        string
	image       string
	metricsAddr string
	unpaced     bool
	harden      bool
	nice        int
	autoResync  bool
	dot         bool
	verbose     bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "deterministic config file (.json, .yaml, .yml)")
	flag.StringVar(&o.envFile, "env", ".env", "environment file with LOCKSTEP_* overrides")
	flag.Uint64Var(&o.ticks, "ticks", 200, "ticks to run (0: until interrupted)")
	flag.StringVar(&o.transport, "transport", "mock", "firmware transport: mock, tcp, unix, ws, exec")
	flag.StringVar(&o.addr, "addr", "", "firmware address, socket path or WebSocket URL")
	flag.StringVar(&o.firmware, "firmware", "", "firmware executable (exec transport)")
	flag.StringVar(&o.form, "form", "binary", "wire form: binary or text")
	flag.StringVar(&o.image, "image", "", "firmware image to load after connecting")
	flag.StringVar(&o.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	flag.BoolVar(&o.unpaced, "unpaced", false, "run ticks back to back instead of in real time")
	flag.BoolVar(&o.harden, "harden", false, "apply realtime settings to the loop thread")
	flag.IntVar(&o.nice, "nice", 0, "loop thread niceness with -harden")
	flag.BoolVar(&o.autoResync, "auto-resync", true, "force-sync subsystems on critical drift")
	flag.BoolVar(&o.dot, "dot", false, "print the firmware session state diagram (Graphviz DOT)")
	flag.BoolVar(&o.verbose, "v", false, "debug logging")
	flag.Parse()
	return o
}

func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintln(os.Stderr, "lockstep-demo:", err)
		os.Exit(1)
	}
}

func run(o options) error {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("env file not loaded", "path", o.envFile, "error", err)
	}
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	form, err := firmware.ParseWireForm(o.form)
	if err != nil {
		return err
	}
	dialer, cleanup, err := newDialer(o, form, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	fcfg := firmware.DefaultConfig()
	fcfg.Form = form
	fcfg.ConnectTimeout = cfg.ConnectTimeout()
	fw, err := firmware.New(dialer, fcfg, firmware.WithLogger(logger))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	world := newBall()
	var lastRange float64
	ranger := schedule.ConsumerFunc(func(context.Context, time.Duration, time.Duration) error {
		pos, _, _, _ := world.state()
		lastRange = world.wall - pos
		return nil
	})
	s, err := lockstepx.New(cfg,
		lockstepx.WithLogger(logger),
		lockstepx.WithStepper(fw),
		lockstepx.WithPhysics(world),
		lockstepx.WithSensor(&ranger, schedule.Ultrasonic),
		lockstepx.WithRegistry(reg),
		lockstepx.WithAutoResync(o.autoResync),
	)
	if err != nil {
		return err
	}

	if o.metricsAddr != "" {
		srv := &http.Server{Addr: o.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", o.metricsAddr)
	}

	rt := realtime.NewRuntime(s, realtime.Config{
		Unpaced:   o.unpaced,
		MaxTicks:  o.ticks,
		Hardening: realtime.Hardening{Enabled: o.harden, Nice: o.nice},
		Logger:    logger,
	})
	sub := s.Telemetry().Subscribe(256)
	defer sub.Cancel()

	ctx := context.Background()
	if o.image != "" {
		// Loaded before the loop owns the connection.
		if err := s.Init(ctx); err != nil {
			return err
		}
		img, err := os.ReadFile(o.image)
		if err != nil {
			return err
		}
		if err := fw.LoadImage(ctx, img); err != nil {
			logger.Warn("firmware image not loaded", "error", err)
		}
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("=== lockstep demo: session %s, dt %v, %s firmware over %s ===\n", s.ID(), s.Dt(), form, o.transport)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	lastPins := ""
loop:
	for {
		select {
		case f, ok := <-sub.C:
			if !ok {
				break loop
			}
			pins := fmt.Sprint(f.PinStates)
			if pins != lastPins || f.Serial != "" {
				fmt.Printf("Tick %d (t=%.3fs): pins=%s firmware=%s", f.Tick, f.SimTime.Seconds(), pins, f.Firmware)
				if f.Serial != "" {
					fmt.Printf(" serial=%q", strings.TrimRight(f.Serial, "\n"))
				}
				fmt.Println()
				lastPins = pins
			}
		case <-rt.Done():
			break loop
		case <-sig:
			fmt.Println("\nShutting down gracefully...")
			break loop
		}
	}

	var errs []error
	if err := rt.Stop(); err != nil {
		errs = append(errs, err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	pos, vel, hits, elapsed := world.state()
	stats := rt.Stats()
	fmt.Printf("\nTicks: %d (errors %d, panics %d, overruns %d)\n", stats.Ticks, stats.Errors, stats.Panics, stats.Overruns)
	fmt.Printf("Ball: position %.2f, velocity %.2f, %d collisions in %.3fs (last range %.2f)\n", pos, vel, hits, elapsed.Seconds(), lastRange)
	fmt.Println(s.DiagnosticReport())
	if o.dot {
		fmt.Println(fw.StateDiagram())
	}
	return errors.Join(errs...)
}

func loadConfig(path string) (config.Deterministic, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newDialer builds the firmware dialer for the selected transport. The mock
// transport serves a blinking peer on a loopback port.
func newDialer(o options, form firmware.WireForm, logger *slog.Logger) (firmware.Dialer, func(), error) {
	noop := func() {}
	switch o.transport {
	case "mock":
		peer := testutil.NewPeer(form)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, noop, err
		}
		go func() {
			if err := peer.ServeListener(ln); err != nil {
				logger.Error("mock firmware stopped", "error", err)
			}
		}()
		return transport.TCP(ln.Addr().String()), func() {
			_ = ln.Close()
			peer.Close()
		}, nil
	case "tcp":
		return transport.TCP(o.addr), noop, nil
	case "unix":
		return transport.Unix(o.addr), noop, nil
	case "ws":
		return &transport.WebSocketDialer{URL: o.addr, Form: form}, noop, nil
	case "exec":
		if o.firmware == "" || o.addr == "" {
			return nil, noop, errors.New("exec transport needs -firmware and -addr (socket path)")
		}
		l := &transport.Launcher{
			Path:   o.firmware,
			Args:   transport.FirmwareArgs(o.addr, true),
			Stdout: os.Stdout,
			Stderr: os.Stderr,
			Logger: logger,
		}
		return &transport.ProcessDialer{Launcher: l, Dialer: transport.Unix(o.addr)}, func() { _ = l.Stop() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown transport %q", o.transport)
	}
}
