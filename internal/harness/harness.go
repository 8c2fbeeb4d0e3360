package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/roach88/rootcheck/internal/check"
	"github.com/roach88/rootcheck/internal/envctx"
	"github.com/roach88/rootcheck/internal/probe"
	"github.com/roach88/rootcheck/internal/report"
	"github.com/roach88/rootcheck/internal/wrapper"
)

// State is the lifecycle state of one scenario.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateAborted    State = "aborted"
)

// AbortError is returned by Run when the whole run stopped early: a
// command could not be launched or the context was cancelled.
type AbortError struct {
	Scenario string
	Kind     report.AbortKind
	Err      error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("run aborted in %s (%s): %v", e.Scenario, e.Kind, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// Harness runs scenarios against one root, sequentially.
type Harness struct {
	prober *probe.Prober
	env    envctx.Context
	sink   report.Sink
	self   string
	logger *slog.Logger

	states map[string]State
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = logger
	}
}

// WithSelf sets the executable that implements the schroot and pbuilder
// look-alike wrappers.
func WithSelf(path string) Option {
	return func(h *Harness) {
		h.self = path
	}
}

// New creates a Harness. p probes the target root; outcomes and aborts go
// to sink.
func New(p *probe.Prober, env envctx.Context, sink report.Sink, opts ...Option) *Harness {
	h := &Harness{
		prober: p.Unwrapped(),
		env:    env,
		sink:   sink,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		states: make(map[string]State),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the state of the scenario at path, e.g. "debootstrap/pbuilder".
func (h *Harness) State(path string) State {
	if s, ok := h.states[path]; ok {
		return s
	}
	return StateNotStarted
}

// frame is what a scenario passes down to its steps.
type frame struct {
	path    string
	wrapper wrapper.Wrapper
	policy  *check.Policy
}

// abortSignal carries an abort up through enclosing scenarios.
type abortSignal struct {
	kind report.AbortKind
	from string
	err  error
}

func (a *abortSignal) Error() string {
	return fmt.Sprintf("%s aborted (%s): %v", a.from, a.kind, a.err)
}

// Run runs scenarios in order. Failed assertions never stop the run; a
// failed fatal assertion aborts its scenario and every enclosing one; a
// timeout aborts only the scenario it happened in. A launch failure or
// cancellation aborts everything and is returned as an *AbortError.
func (h *Harness) Run(ctx context.Context, scenarios ...*Scenario) error {
	for _, s := range scenarios {
		h.markNotStarted("", s)
	}

	for _, s := range scenarios {
		err := h.runScenario(ctx, s, frame{wrapper: wrapper.None{}})
		var signal *abortSignal
		if errors.As(err, &signal) && signal.kind != report.AbortFatal {
			return &AbortError{Scenario: signal.from, Kind: signal.kind, Err: signal.err}
		}
	}
	return nil
}

func (h *Harness) markNotStarted(parent string, s *Scenario) {
	p := path.Join(parent, s.Name)
	h.states[p] = StateNotStarted
	for _, step := range s.Steps {
		if step.Scenario != nil {
			h.markNotStarted(p, step.Scenario)
		}
	}
}

// runScenario returns an *abortSignal when the enclosing scenario must
// abort too.
func (h *Harness) runScenario(ctx context.Context, s *Scenario, parent frame) error {
	f := frame{path: path.Join(parent.path, s.Name), wrapper: parent.wrapper, policy: parent.policy}
	h.states[f.path] = StateRunning
	h.logger.Debug("scenario started", "scenario", f.path)

	if s.Wrapper != nil {
		w, err := wrapper.FromSpec(*s.Wrapper, h.self)
		if err != nil {
			return h.abort(f.path, report.Abort{Scenario: f.path, Kind: report.AbortFatal, Reason: err.Error()}, err)
		}
		f.wrapper = w
	}
	if s.Policy != nil {
		f.policy = s.Policy
	}

	engine := check.NewEngine(h.prober.WithWrapper(f.wrapper), h.logger)

	for _, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return h.abort(f.path, report.NewAbort(f.path, err), err)
		}

		if step.Scenario != nil {
			err := h.runScenario(ctx, step.Scenario, f)
			var signal *abortSignal
			if errors.As(err, &signal) {
				reason := fmt.Sprintf("nested scenario %s aborted", signal.from)
				return h.abort(f.path, report.Abort{Scenario: f.path, Kind: signal.kind, Reason: reason}, signal)
			}
			continue
		}

		a, err := step.Assert.assertion(f.policy)
		if err != nil {
			return h.abort(f.path, report.Abort{Scenario: f.path, Kind: report.AbortFatal, Reason: err.Error()}, err)
		}

		out, err := engine.Evaluate(ctx, a, h.env)
		out.Scenario = f.path
		h.sink.Record(out)

		if err != nil {
			ab := report.NewAbort(f.path, err)
			if ab.Kind == report.AbortTimeout {
				// A timeout ends this scenario only.
				ab.Expected = out.Status == check.StatusExpectedFail
				h.sink.RecordAbort(ab)
				h.states[f.path] = StateAborted
				h.logger.Warn("scenario aborted by timeout", "scenario", f.path, "assertion", a.Name, "expected", ab.Expected)
				return nil
			}
			return h.abort(f.path, ab, err)
		}

		if a.Fatal && out.Status == check.StatusFail {
			err := fmt.Errorf("fatal assertion %s failed: %s", a.Name, out.Detail)
			return h.abort(f.path, report.Abort{Scenario: f.path, Kind: report.AbortFatal, Reason: err.Error()}, err)
		}
	}

	h.states[f.path] = StateCompleted
	h.logger.Debug("scenario completed", "scenario", f.path)
	return nil
}

func (h *Harness) abort(scenario string, ab report.Abort, err error) error {
	h.sink.RecordAbort(ab)
	h.states[scenario] = StateAborted
	h.logger.Warn("scenario aborted", "scenario", scenario, "kind", ab.Kind, "reason", ab.Reason)

	var signal *abortSignal
	if errors.As(err, &signal) {
		return &abortSignal{kind: signal.kind, from: signal.from, err: signal.err}
	}
	return &abortSignal{kind: ab.Kind, from: scenario, err: err}
}
