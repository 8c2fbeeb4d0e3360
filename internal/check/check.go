// Package check evaluates assertions: it runs an assertion's probe,
// compares the answer with the expected value, and classifies the result
// as pass, fail, skip, or expected failure according to the assertion's
// policy and the environment.
package check

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strconv"

	"github.com/roach88/rootcheck/internal/envctx"
	"github.com/roach88/rootcheck/internal/probe"
	"github.com/roach88/rootcheck/internal/runner"
)

// Status classifies an Outcome.
type Status string

const (
	StatusPass         Status = "pass"
	StatusFail         Status = "fail"
	StatusSkip         Status = "skip"
	StatusExpectedFail Status = "xfail"
)

// Match selects the comparison.
type Match string

const (
	// MatchEqual compares by the fact's type: booleans, strings, device
	// triples, and symlink targets as paths.
	MatchEqual Match = "equal"
	// MatchPattern matches the fact's string form against a regular
	// expression.
	MatchPattern Match = "pattern"
)

// Expectation is either a literal value or a reference probe evaluated
// without any wrapper.
type Expectation struct {
	Value     any
	Reference *probe.Spec
}

// Literal builds a literal expectation.
func Literal(v any) Expectation {
	return Expectation{Value: v}
}

// ReferenceTo builds an expectation taken from an unwrapped probe.
func ReferenceTo(spec probe.Spec) Expectation {
	return Expectation{Reference: &spec}
}

// Assertion is a named probe with an expected answer.
type Assertion struct {
	Name   string
	Probe  probe.Spec
	Expect Expectation
	Match  Match
	Policy Policy

	// Fatal assertions abort the enclosing scenarios when they fail.
	Fatal bool

	// SkipUnless, when set, skips the assertion unless one condition holds.
	SkipUnless []Condition
}

// Outcome is the immutable record of one evaluation.
type Outcome struct {
	Scenario string `json:"scenario"`
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// MismatchError describes a value that differs from the expected one.
type MismatchError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: expected %q, got %q", e.Name, e.Expected, e.Actual)
}

// IsAbort reports whether err must abort the scenario: the command could
// not be launched or timed out.
func IsAbort(err error) bool {
	var launchErr *runner.LaunchError
	var timeoutErr *runner.TimeoutError
	return errors.As(err, &launchErr) || errors.As(err, &timeoutErr)
}

// Engine evaluates assertions with a Prober.
type Engine struct {
	prober *probe.Prober
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(p *probe.Prober, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{prober: p, logger: logger}
}

// Evaluate runs a and returns its Outcome. The returned error is non-nil
// only when the probe hit a launch failure, a timeout, or cancellation;
// the Outcome is still valid in that case.
func (e *Engine) Evaluate(ctx context.Context, a Assertion, env envctx.Context) (Outcome, error) {
	out := Outcome{Name: a.Name}

	if len(a.SkipUnless) > 0 {
		if _, ok := AnyHolds(a.SkipUnless, env); !ok {
			out.Status = StatusSkip
			out.Detail = "no skip_unless condition holds"
			return out, nil
		}
	}

	why, expectFail := a.Policy.ExpectsFailure(env)

	expected, err := e.expected(ctx, a)
	if err != nil {
		return e.failed(out, err.Error(), why, expectFail), abortCause(ctx, err)
	}
	out.Expected = expected

	fact, err := e.prober.Probe(ctx, a.Probe)
	if err != nil {
		return e.failed(out, err.Error(), why, expectFail), abortCause(ctx, err)
	}
	out.Actual = fact.String()

	matched, err := compare(a, fact, expected)
	if err != nil {
		// A malformed expectation is never an expected failure.
		out.Status = StatusFail
		out.Detail = err.Error()
		return out, nil
	}

	switch {
	case matched && expectFail:
		out.Status = StatusFail
		out.Detail = "expected failure did not occur: " + why
	case matched:
		out.Status = StatusPass
	default:
		mismatch := &MismatchError{Name: a.Name, Expected: expected, Actual: out.Actual}
		out = e.failed(out, mismatch.Error(), why, expectFail)
	}

	e.logger.Debug("assertion evaluated", "name", a.Name, "status", out.Status, "expected", out.Expected, "actual", out.Actual)
	return out, nil
}

func (e *Engine) failed(out Outcome, detail, why string, expectFail bool) Outcome {
	out.Status = StatusFail
	out.Detail = detail
	if expectFail {
		out.Status = StatusExpectedFail
		out.Detail = detail + " [expected: " + why + "]"
	}
	return out
}

// abortCause keeps only the errors that end the scenario.
func abortCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if IsAbort(err) {
		return err
	}
	return nil
}

// expected renders the expected value as a string in the fact's format.
func (e *Engine) expected(ctx context.Context, a Assertion) (string, error) {
	if a.Expect.Reference != nil {
		fact, err := e.prober.Unwrapped().Probe(ctx, *a.Expect.Reference)
		if err != nil {
			return "", fmt.Errorf("reference %w", err)
		}
		return fact.String(), nil
	}
	switch v := a.Expect.Value.(type) {
	case nil:
		return "", fmt.Errorf("%s: no expected value", a.Name)
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case probe.DeviceID:
		return v.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func compare(a Assertion, fact probe.Fact, expected string) (bool, error) {
	actual := fact.String()

	if a.Match == MatchPattern {
		re, err := regexp.Compile(expected)
		if err != nil {
			return false, fmt.Errorf("%s: bad pattern: %w", a.Name, err)
		}
		return re.MatchString(actual), nil
	}

	switch {
	case fact.Kind.IsBool():
		want, err := strconv.ParseBool(expected)
		if err != nil {
			return false, fmt.Errorf("%s: %s probe needs a boolean expectation, got %q", a.Name, fact.Kind, expected)
		}
		return want == fact.Bool, nil
	case fact.Kind == probe.KindDevice:
		want, err := probe.ParseDeviceID(expected)
		if err != nil {
			return false, fmt.Errorf("%s: %w", a.Name, err)
		}
		return want == fact.Device, nil
	case fact.Kind == probe.KindSymlinkTarget:
		return SameLinkTarget(fact.Path, actual, expected), nil
	default:
		return actual == expected, nil
	}
}

// SameLinkTarget reports whether two targets of the symlink at link name
// the same path. Relative targets are resolved against the link's
// directory, so for /dev/ptmx the targets "pts/ptmx" and "/dev/pts/ptmx"
// are the same.
func SameLinkTarget(link, a, b string) bool {
	return resolveLink(link, a) == resolveLink(link, b)
}

func resolveLink(link, target string) string {
	if path.IsAbs(target) {
		return path.Clean(target)
	}
	return path.Join(path.Dir(path.Clean("/"+link)), target)
}
