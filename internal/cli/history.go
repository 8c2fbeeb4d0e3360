package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/roach88/rootcheck/internal/report"
	"github.com/roach88/rootcheck/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// RunEntry is one run in the history listing.
type RunEntry struct {
	ID          string         `json:"id"`
	StartedAt   string         `json:"started_at"`
	TargetRoot  string         `json:"target_root"`
	Environment string         `json:"environment"`
	Summary     report.Summary `json:"summary"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs",
		Long: `List runs recorded with "rootcheck run --record".

Without arguments, lists the most recent runs. With a run id, prints that
run's full report.

Examples:
  rootcheck history --db ./rootcheck.db
  rootcheck history --db ./rootcheck.db --limit 5 --format json
  rootcheck history --db ./rootcheck.db 0190a5c2-7b7e-7a51-9b1a-8e6f3c2d1e00`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runHistoryShow(opts, args[0], cmd)
			}
			return runHistoryList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs to list")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// openHistory opens an existing history database. A missing file is an
// error rather than an empty history.
func openHistory(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "history database not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func historyContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runHistoryList(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	if opts.Limit <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --limit %d: must be positive", opts.Limit))
	}

	st, err := openHistory(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(historyContext(cmd), opts.Limit)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	formatter.VerboseLog("Found %d run(s) in %s", len(runs), opts.Database)

	if opts.Format == "json" {
		entries := make([]RunEntry, len(runs))
		for i, run := range runs {
			entries[i] = runEntry(run)
		}
		return formatter.Success(entries)
	}

	if len(runs) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs recorded.")
		return nil
	}
	t := table.New().
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().PaddingRight(2)
		}).
		Headers("RUN", "STARTED", "PASS", "FAIL", "SKIP", "XFAIL", "ABORTED", "EXIT", "ROOT")
	for _, run := range runs {
		s := run.Summary
		t.Row(run.ID, run.StartedAt.Local().Format(time.DateTime),
			strconv.Itoa(s.Passed), strconv.Itoa(s.Failed), strconv.Itoa(s.Skipped),
			strconv.Itoa(s.ExpectedFailed), strconv.Itoa(s.Aborted), strconv.Itoa(s.ExitCode),
			run.TargetRoot)
	}
	_, err = fmt.Fprintln(formatter.Writer, t.Render())
	return err
}

func runHistoryShow(opts *HistoryOptions, id string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := openHistory(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return err
	}
	defer st.Close()

	ctx := historyContext(cmd)
	if opts.Format == "json" {
		// The stored report is the exact document the run emitted.
		data, err := st.ReadReport(ctx, id)
		if err != nil {
			return historyReadError(formatter, id, err)
		}
		_, err = formatter.Writer.Write(append(data, '\n'))
		return err
	}

	run, outcomes, err := st.ReadRun(ctx, id)
	if err != nil {
		return historyReadError(formatter, id, err)
	}
	aborts, err := st.ReadAborts(ctx, id)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	rep := report.Report{
		RunID:       run.ID,
		Environment: run.Environment,
		Outcomes:    outcomes,
		Aborts:      aborts,
		Summary:     run.Summary,
	}
	return report.WriteText(formatter.Writer, report.StylesFor(formatter.Writer), rep)
}

func historyReadError(formatter *OutputFormatter, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("run %s not found", id), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("run %s not found", id))
	}
	_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
	return WrapExitError(ExitCommandError, "failed to read run", err)
}

func runEntry(run store.Run) RunEntry {
	return RunEntry{
		ID:          run.ID,
		StartedAt:   run.StartedAt.UTC().Format(time.RFC3339),
		TargetRoot:  run.TargetRoot,
		Environment: run.Environment,
		Summary:     run.Summary,
	}
}
