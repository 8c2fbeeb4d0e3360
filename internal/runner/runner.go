package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultWaitDelay bounds how long Wait keeps draining output pipes after
// the process group was killed. Orphaned grandchildren that escaped the
// group can otherwise hold the pipes open forever.
const DefaultWaitDelay = 2 * time.Second

// Options controls a single command execution.
type Options struct {
	// Dir is the working directory. Empty means the harness's own.
	Dir string

	// Env holds overrides appended to the harness environment.
	Env map[string]string

	// Stdin is fed to the command. Nil means no input.
	Stdin []byte

	// Timeout bounds the command's run time. Zero means no timeout
	// beyond the caller's context.
	Timeout time.Duration
}

// Result is the captured outcome of a command that ran to completion.
type Result struct {
	Argv     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner runs external commands.
type Runner interface {
	Run(ctx context.Context, argv []string, opts Options) (*Result, error)
}

// Exec is the os/exec backed Runner.
type Exec struct {
	logger    *slog.Logger
	waitDelay time.Duration
}

// Option configures an Exec runner.
type Option func(*Exec)

// WithLogger sets the logger used for per-command debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exec) {
		e.logger = logger
	}
}

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) Option {
	return func(e *Exec) {
		e.waitDelay = d
	}
}

// New creates an Exec runner.
func New(opts ...Option) *Exec {
	e := &Exec{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		waitDelay: DefaultWaitDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes argv and blocks until it exits, times out, or ctx is done.
func (e *Exec) Run(ctx context.Context, argv []string, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, &LaunchError{Argv: argv, Err: errors.New("empty command")}
	}

	runCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Negative PID addresses the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = e.waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Argv: argv, Err: err}
	}
	e.logger.Debug("command started", "argv", argv, "pid", cmd.Process.Pid, "dir", opts.Dir)

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("run %q: %w", argv[0], ctxErr)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Debug("command timed out", "argv", argv, "timeout", opts.Timeout)
		return nil, &TimeoutError{
			Argv:    argv,
			Timeout: opts.Timeout,
			Stdout:  stdout.Bytes(),
			Stderr:  stderr.Bytes(),
		}
	}

	result := &Result{
		Argv:     argv,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait %q: %w", argv[0], waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	e.logger.Debug("command finished", "argv", argv, "exit_code", result.ExitCode, "duration", duration)
	return result, nil
}

// mergeEnv appends overrides in key order. os/exec keeps the last value
// for duplicate keys, so overrides win.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
