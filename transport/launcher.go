package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/comalice/lockstepx/firmware"
)

// FirmwareArgs returns the command line understood by the firmware emulator.
func FirmwareArgs(pipe string, lockstep bool) []string {
	args := []string{"--pipe", pipe}
	if lockstep {
		args = append(args, "--lockstep")
	}
	return args
}

// Launcher runs the firmware emulator as a child process.
type Launcher struct {
	Path   string
	Args   []string
	Env    []string
	Grace  time.Duration // wait after interrupt before killing (default 500ms)
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Start launches the process. Starting a running launcher is a no-op.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", l.Path, err)
	}
	l.cmd = cmd
	l.done = make(chan struct{})
	l.err = nil
	l.logger().Info("firmware process started", "path", l.Path, "pid", cmd.Process.Pid)

	done := l.done
	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		l.err = err
		if l.cmd == cmd {
			l.cmd = nil
		}
		l.mu.Unlock()
		close(done)
	}()
	return nil
}

// Running reports whether the process is alive.
func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd != nil
}

// Done is closed when the current process exits.
func (l *Launcher) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Stop interrupts the process and kills it if it has not exited within the
// grace period.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	cmd, done := l.cmd, l.done
	l.mu.Unlock()
	if cmd == nil {
		return nil
	}

	grace := l.Grace
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger().Warn("interrupt firmware process", "error", err)
	}
	select {
	case <-done:
	case <-time.After(grace):
		l.logger().Warn("firmware process ignored interrupt, killing", "grace", grace)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill firmware process: %w", err)
		}
		<-done
	}
	return nil
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger.With("component", "launcher")
	}
	return slog.Default().With("component", "launcher")
}

// ProcessDialer starts the firmware process if needed, then dials it,
// retrying until the process has opened its endpoint or ctx expires.
type ProcessDialer struct {
	Launcher *Launcher
	Dialer   firmware.Dialer
	Retry    time.Duration // interval between dial attempts (default 50ms)
}

func (d *ProcessDialer) Dial(ctx context.Context) (firmware.Conn, error) {
	if err := d.Launcher.Start(ctx); err != nil {
		return nil, err
	}
	retry := d.Retry
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		c, err := d.Dialer.Dial(ctx)
		if err == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("firmware process not reachable: %w", errors.Join(err, ctx.Err()))
		case <-d.Launcher.Done():
			return nil, fmt.Errorf("firmware process exited: %w", err)
		case <-time.After(retry):
		}
	}
}

var _ firmware.Dialer = (*ProcessDialer)(nil)
