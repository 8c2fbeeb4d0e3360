package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/rootcheck/internal/envctx"
	"github.com/roach88/rootcheck/internal/harness"
	"github.com/roach88/rootcheck/internal/probe"
	"github.com/roach88/rootcheck/internal/report"
	"github.com/roach88/rootcheck/internal/rootfs"
	"github.com/roach88/rootcheck/internal/runner"
	"github.com/roach88/rootcheck/internal/store"
)

// DefaultScratchEnv names the variable that designates scratch space.
const DefaultScratchEnv = "AUTOPKGTEST_TMP"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	TargetRoot   string
	Mirror       string
	Suite        string
	Variant      string
	Include      []string
	Timeout      int // seconds
	Scenarios    []string
	ProbeBackend string
	Keep         bool
	Record       string
	ScratchEnv   string
	MountProc    bool

	// Self overrides the executable used by the schroot and pbuilder
	// wrappers (for testing). If empty, defaults to os.Executable.
	Self string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bootstrap a root and verify it",
		Long: `Bootstrap a Debian root with debootstrap (or adopt an existing one with
--target-root) and run verification scenarios against it. Without
--scenario the built-in debootstrap scenario runs.

A root created by run lives below the scratch directory named by
$AUTOPKGTEST_TMP and is removed at the end unless --keep is given. An
adopted root is never removed.

Exit codes:
  0 - Every check passed or failed as expected
  1 - One or more checks failed unexpectedly
  2 - Harness error (bad flags, missing scratch dir, launch failure, timeout)

Examples:
  rootcheck run --suite trixie --mirror http://deb.debian.org/debian
  rootcheck run --target-root /srv/roots/trixie --scenario ./pty.yaml
  rootcheck run --target-root /srv/roots/trixie --format json --record ./rootcheck.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TargetRoot, "target-root", "", "verify an existing root instead of bootstrapping one")
	cmd.Flags().StringVar(&opts.Mirror, "mirror", "", "debootstrap mirror URL")
	cmd.Flags().StringVar(&opts.Suite, "suite", "unstable", "debootstrap suite")
	cmd.Flags().StringVar(&opts.Variant, "variant", "minbase", "debootstrap variant")
	cmd.Flags().StringSliceVar(&opts.Include, "include", nil, "extra packages to bootstrap")
	cmd.Flags().IntVar(&opts.Timeout, "timeout", 60, "timeout in seconds for each probe and command")
	cmd.Flags().StringArrayVar(&opts.Scenarios, "scenario", nil, "scenario file to run (repeatable)")
	cmd.Flags().StringVar(&opts.ProbeBackend, "probe-backend", "native", "metadata backend (native|stat)")
	cmd.Flags().BoolVar(&opts.Keep, "keep", false, "keep a bootstrapped root after the run")
	cmd.Flags().StringVar(&opts.Record, "record", "", "record the run in this SQLite database")
	cmd.Flags().StringVar(&opts.ScratchEnv, "scratch-env", DefaultScratchEnv, "environment variable naming the scratch directory")
	cmd.Flags().BoolVar(&opts.MountProc, "mount-proc", false, "mount /proc inside the root for the duration of the run")

	return cmd
}

// runCheck returns an *ExitError carrying the run's exit code.
func runCheck(opts *RunOptions, cmd *cobra.Command) (err error) {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	slog.SetDefault(logger)
	out := cmd.OutOrStdout()

	scratch, err := scratchDir(opts.ScratchEnv)
	if err != nil {
		return err
	}
	if opts.Timeout <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --timeout %d: must be positive", opts.Timeout))
	}
	timeout := time.Duration(opts.Timeout) * time.Second

	scenarios, err := loadScenarios(opts.Scenarios)
	if err != nil {
		return err
	}

	r := runner.New(runner.WithLogger(logger))
	backend, err := probe.BackendByName(opts.ProbeBackend, r, timeout)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --probe-backend", err)
	}

	self := opts.Self
	if self == "" {
		if self, err = os.Executable(); err != nil {
			return WrapExitError(ExitCommandError, "cannot locate rootcheck executable", err)
		}
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := prepareRoot(ctx, opts, r, scratch, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cleanupErr := root.Cleanup(); cleanupErr != nil {
			logger.Error("cleanup failed", "root", root.Path(), "error", cleanupErr)
			if GetExitCode(err) != ExitCommandError {
				err = WrapExitError(ExitCommandError, "cleanup failed", cleanupErr)
			}
		}
	}()

	if opts.MountProc {
		if err := root.Mount("proc", "proc", "proc", 0, ""); err != nil {
			return WrapExitError(ExitCommandError, "failed to mount /proc", err)
		}
	}

	env, err := envctx.NewDetector(r, scratch, logger).Detect(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "environment detection interrupted", err)
	}

	runID := uuid.Must(uuid.NewV7()).String()
	startedAt := time.Now()
	collectorOpts := []report.Option{
		report.WithEnvironment(env.String()),
		report.WithLogger(logger),
	}
	if opts.Format == "text" {
		collectorOpts = append(collectorOpts, report.WithProgress(out, report.StylesFor(out)))
		fmt.Fprintf(out, "Run %s\nEnvironment: %s\n\n", runID, env.String())
	}
	collector := report.NewCollector(runID, collectorOpts...)

	prober := probe.New(root.Path(), r,
		probe.WithBackend(backend),
		probe.WithTimeout(timeout),
		probe.WithLogger(logger),
	)
	h := harness.New(prober, env, collector, harness.WithLogger(logger), harness.WithSelf(self))

	logger.Info("run started", "run_id", runID, "root", root.Path(), "scenarios", len(scenarios))
	runErr := h.Run(ctx, scenarios...)
	var abortErr *harness.AbortError
	if errors.As(runErr, &abortErr) {
		logger.Error("run aborted", "scenario", abortErr.Scenario, "kind", abortErr.Kind, "error", abortErr.Err)
	}

	rep := collector.Report()
	if err := writeReport(out, opts.Format, rep); err != nil {
		return WrapExitError(ExitCommandError, "failed to write report", err)
	}

	if opts.Record != "" {
		recordCtx := context.WithoutCancel(ctx)
		run := store.Run{
			ID:          runID,
			StartedAt:   startedAt,
			TargetRoot:  root.Path(),
			Environment: env.String(),
			Summary:     rep.Summary,
		}
		if err := recordRun(recordCtx, opts.Record, run, rep); err != nil {
			return err
		}
	}

	logger.Info("run finished", "run_id", runID, "exit_code", rep.Summary.ExitCode, "duration", time.Since(startedAt))
	return exitForSummary(rep.Summary, runErr)
}

// scratchDir resolves the scratch directory from the environment.
func scratchDir(name string) (string, error) {
	if name == "" {
		return "", NewExitError(ExitCommandError, "--scratch-env must not be empty")
	}
	dir := os.Getenv(name)
	if dir == "" {
		return "", NewExitError(ExitCommandError, fmt.Sprintf("$%s is not set: it must name a scratch directory", name))
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", WrapExitError(ExitCommandError, fmt.Sprintf("$%s names an unusable scratch directory", name), err)
	}
	if !info.IsDir() {
		return "", NewExitError(ExitCommandError, fmt.Sprintf("$%s=%s is not a directory", name, dir))
	}
	return dir, nil
}

// loadScenarios loads files, or the built-in scenario when files is empty.
func loadScenarios(files []string) ([]*harness.Scenario, error) {
	if len(files) == 0 {
		s, err := harness.Builtin()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load built-in scenario", err)
		}
		return []*harness.Scenario{s}, nil
	}

	scenarios := make([]*harness.Scenario, 0, len(files))
	seen := make(map[string]string)
	for _, file := range files {
		s, err := harness.LoadScenario(file)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load scenario", err)
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("scenario %q defined in both %s and %s", s.Name, prev, file))
		}
		seen[s.Name] = file
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// prepareRoot adopts --target-root, or creates and bootstraps a new root
// below scratch. The caller owns Cleanup.
func prepareRoot(ctx context.Context, opts *RunOptions, r runner.Runner, scratch string, logger *slog.Logger) (*rootfs.Root, error) {
	if opts.TargetRoot != "" {
		root, err := rootfs.Adopt(opts.TargetRoot, logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid --target-root", err)
		}
		return root, nil
	}

	root, err := rootfs.Create(scratch, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create root", err)
	}
	if opts.Keep {
		root.Keep()
	}
	err = root.Bootstrap(ctx, r, rootfs.Options{
		Suite:   opts.Suite,
		Variant: opts.Variant,
		Mirror:  opts.Mirror,
		Include: opts.Include,
	})
	if err != nil {
		if cleanupErr := root.Cleanup(); cleanupErr != nil {
			logger.Error("cleanup failed", "root", root.Path(), "error", cleanupErr)
		}
		return nil, WrapExitError(ExitCommandError, "bootstrap failed", err)
	}
	return root, nil
}

func writeReport(w io.Writer, format string, rep report.Report) error {
	if format == "json" {
		return report.WriteJSON(w, rep)
	}
	return report.WriteSummary(w, rep)
}

func recordRun(ctx context.Context, path string, run store.Run, rep report.Report) error {
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	if err := st.WriteRun(ctx, run, rep); err != nil {
		return WrapExitError(ExitCommandError, "failed to record run", err)
	}
	slog.Debug("run recorded", "run_id", run.ID, "db", path)
	return nil
}

// exitForSummary maps the summary to an error for main. An aborted run is
// a harness error even when the summary alone would not say so.
func exitForSummary(s report.Summary, runErr error) error {
	code := s.ExitCode
	if runErr != nil {
		code = ExitCommandError
	}
	switch code {
	case ExitSuccess:
		return nil
	case ExitFailure:
		return NewExitError(ExitFailure, fmt.Sprintf("%d check(s) failed", s.Failed))
	default:
		if runErr != nil {
			return WrapExitError(code, "run aborted", runErr)
		}
		return NewExitError(code, fmt.Sprintf("harness error: %d scenario(s) aborted", s.Aborted))
	}
}
