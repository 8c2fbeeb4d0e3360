// Package report collects assertion outcomes and scenario aborts into a
// Report, computes the run summary and exit code, and renders the report
// as text or canonical JSON.
package report

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/roach88/rootcheck/internal/check"
	"github.com/roach88/rootcheck/internal/runner"
)

// Exit codes of a finished run.
const (
	ExitPass         = 0
	ExitFailure      = 1
	ExitHarnessError = 2
)

// AbortKind says why a scenario stopped early.
type AbortKind string

const (
	AbortLaunch      AbortKind = "launch"
	AbortTimeout     AbortKind = "timeout"
	AbortFatal       AbortKind = "fatal"
	AbortInterrupted AbortKind = "interrupted"
)

// Abort records a scenario that did not run to completion.
type Abort struct {
	Scenario string    `json:"scenario"`
	Kind     AbortKind `json:"kind"`
	Reason   string    `json:"reason"`

	// Expected is set when the abort happened under an active
	// expected-failure policy.
	Expected bool `json:"expected"`
}

// harnessError reports whether the abort makes the run a harness error.
func (a Abort) harnessError() bool {
	if a.Expected {
		return false
	}
	return a.Kind == AbortLaunch || a.Kind == AbortTimeout || a.Kind == AbortInterrupted
}

// NewAbort classifies err into an Abort for scenario. Errors that are
// neither launch failures, timeouts, nor cancellation count as fatal
// assertion failures.
func NewAbort(scenario string, err error) Abort {
	a := Abort{Scenario: scenario, Kind: AbortFatal}
	if err != nil {
		a.Reason = err.Error()
	}

	var launchErr *runner.LaunchError
	var timeoutErr *runner.TimeoutError
	switch {
	case errors.As(err, &launchErr):
		a.Kind = AbortLaunch
	case errors.As(err, &timeoutErr):
		a.Kind = AbortTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.Kind = AbortInterrupted
	}
	return a
}

// Summary aggregates a run.
type Summary struct {
	Total          int `json:"total"`
	Passed         int `json:"passed"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	ExpectedFailed int `json:"expected_failed"`
	Aborted        int `json:"aborted"`
	ExitCode       int `json:"exit_code"`
}

// Summarize computes the summary of outcomes and aborts. The exit code is
// ExitHarnessError when any abort was a launch failure, timeout, or
// interruption that no policy expected, ExitFailure when any outcome
// failed, and ExitPass otherwise.
func Summarize(outcomes []check.Outcome, aborts []Abort) Summary {
	s := Summary{Total: len(outcomes), Aborted: len(aborts)}
	for _, o := range outcomes {
		switch o.Status {
		case check.StatusPass:
			s.Passed++
		case check.StatusFail:
			s.Failed++
		case check.StatusSkip:
			s.Skipped++
		case check.StatusExpectedFail:
			s.ExpectedFailed++
		}
	}

	switch {
	case hasHarnessError(aborts):
		s.ExitCode = ExitHarnessError
	case s.Failed > 0:
		s.ExitCode = ExitFailure
	default:
		s.ExitCode = ExitPass
	}
	return s
}

func hasHarnessError(aborts []Abort) bool {
	for _, a := range aborts {
		if a.harnessError() {
			return true
		}
	}
	return false
}

// Report is the result of one run.
type Report struct {
	RunID       string          `json:"run_id"`
	Environment string          `json:"environment"`
	Outcomes    []check.Outcome `json:"outcomes"`
	Aborts      []Abort         `json:"aborts"`
	Summary     Summary         `json:"summary"`
}

// Sink receives outcomes and aborts as a run progresses.
type Sink interface {
	Record(o check.Outcome)
	RecordAbort(a Abort)
}

// Collector is a Sink that keeps everything in memory and optionally
// streams one line per outcome to a progress writer.
type Collector struct {
	runID       string
	environment string
	outcomes    []check.Outcome
	aborts      []Abort

	progress io.Writer
	styles   Styles
	logger   *slog.Logger

	finalized bool
	summary   Summary
}

// Option configures a Collector.
type Option func(*Collector)

// WithProgress streams each outcome to w as it is recorded.
func WithProgress(w io.Writer, styles Styles) Option {
	return func(c *Collector) {
		c.progress = w
		c.styles = styles
	}
}

// WithEnvironment records a description of the environment in the report.
func WithEnvironment(env string) Option {
	return func(c *Collector) {
		c.environment = env
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// NewCollector creates a Collector for the run runID.
func NewCollector(runID string, opts ...Option) *Collector {
	c := &Collector{
		runID:  runID,
		styles: PlainStyles(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record appends an outcome. Outcomes recorded after Finalize are dropped.
func (c *Collector) Record(o check.Outcome) {
	if c.finalized {
		c.logger.Warn("outcome recorded after finalize", "scenario", o.Scenario, "name", o.Name)
		return
	}
	c.outcomes = append(c.outcomes, o)
	if c.progress != nil {
		writeOutcome(c.progress, c.styles, o)
	}
}

// RecordAbort appends an abort. Aborts recorded after Finalize are dropped.
func (c *Collector) RecordAbort(a Abort) {
	if c.finalized {
		c.logger.Warn("abort recorded after finalize", "scenario", a.Scenario)
		return
	}
	c.aborts = append(c.aborts, a)
	if c.progress != nil {
		writeAbort(c.progress, c.styles, a)
	}
}

// Finalize closes the collector and returns the summary. Calling it again
// returns the same summary.
func (c *Collector) Finalize() Summary {
	if !c.finalized {
		c.summary = Summarize(c.outcomes, c.aborts)
		c.finalized = true
		c.logger.Debug("report finalized", "run_id", c.runID, "total", c.summary.Total, "exit_code", c.summary.ExitCode)
	}
	return c.summary
}

// Report finalizes the collector and returns the full report.
func (c *Collector) Report() Report {
	summary := c.Finalize()
	return Report{
		RunID:       c.runID,
		Environment: c.environment,
		Outcomes:    append([]check.Outcome(nil), c.outcomes...),
		Aborts:      append([]Abort(nil), c.aborts...),
		Summary:     summary,
	}
}
