package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/roach88/rootcheck/internal/check"
)

// Styles colours status labels.
type Styles struct {
	Pass  func(string) string
	Fail  func(string) string
	Skip  func(string) string
	XFail func(string) string
	Abort func(string) string
	Dim   func(string) string
}

func identity(s string) string { return s }

// PlainStyles leaves labels uncoloured.
func PlainStyles() Styles {
	return Styles{Pass: identity, Fail: identity, Skip: identity, XFail: identity, Abort: identity, Dim: identity}
}

// ColorStyles colours labels with ANSI colours.
func ColorStyles() Styles {
	render := func(s lipgloss.Style) func(string) string {
		return func(text string) string { return s.Render(text) }
	}
	return Styles{
		Pass:  render(lipgloss.NewStyle().Foreground(lipgloss.Color("2"))),
		Fail:  render(lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)),
		Skip:  render(lipgloss.NewStyle().Foreground(lipgloss.Color("8"))),
		XFail: render(lipgloss.NewStyle().Foreground(lipgloss.Color("3"))),
		Abort: render(lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)),
		Dim:   render(lipgloss.NewStyle().Faint(true)),
	}
}

// StylesFor returns ColorStyles when w is a terminal and PlainStyles
// otherwise.
func StylesFor(w io.Writer) Styles {
	if IsTerminal(w) {
		return ColorStyles()
	}
	return PlainStyles()
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func label(styles Styles, status check.Status) string {
	text := fmt.Sprintf("%-5s", strings.ToUpper(string(status)))
	switch status {
	case check.StatusPass:
		return styles.Pass(text)
	case check.StatusFail:
		return styles.Fail(text)
	case check.StatusSkip:
		return styles.Skip(text)
	case check.StatusExpectedFail:
		return styles.XFail(text)
	default:
		return text
	}
}

func writeOutcome(w io.Writer, styles Styles, o check.Outcome) {
	fmt.Fprintf(w, "%s %s: %s\n", label(styles, o.Status), o.Scenario, o.Name)
	if o.Status != check.StatusPass && o.Detail != "" {
		fmt.Fprintf(w, "      %s\n", styles.Dim(o.Detail))
	}
}

func writeAbort(w io.Writer, styles Styles, a Abort) {
	kind := string(a.Kind)
	if a.Expected {
		kind += ", expected"
	}
	fmt.Fprintf(w, "%s %s (%s)\n", styles.Abort("ABORT"), a.Scenario, kind)
	if a.Reason != "" {
		fmt.Fprintf(w, "      %s\n", styles.Dim(a.Reason))
	}
}

// WriteText renders every outcome and abort followed by the summary.
func WriteText(w io.Writer, styles Styles, r Report) error {
	ew := &errWriter{w: w}
	fmt.Fprintf(ew, "Run %s\n", r.RunID)
	if r.Environment != "" {
		fmt.Fprintf(ew, "Environment: %s\n", r.Environment)
	}
	fmt.Fprintln(ew)
	for _, o := range r.Outcomes {
		writeOutcome(ew, styles, o)
	}
	for _, a := range r.Aborts {
		writeAbort(ew, styles, a)
	}
	fmt.Fprintln(ew)
	writeSummary(ew, r.Summary)
	return ew.err
}

// WriteSummary renders only the summary block, for use after outcomes
// were streamed.
func WriteSummary(w io.Writer, r Report) error {
	ew := &errWriter{w: w}
	fmt.Fprintln(ew)
	writeSummary(ew, r.Summary)
	return ew.err
}

func writeSummary(w io.Writer, s Summary) {
	fmt.Fprintf(w, "%d assertions: %d passed, %d failed, %d skipped, %d expected failures; %d aborted scenarios\n",
		s.Total, s.Passed, s.Failed, s.Skipped, s.ExpectedFailed, s.Aborted)
	fmt.Fprintf(w, "Exit code: %d\n", s.ExitCode)
}

// WriteJSON renders r as canonical JSON followed by a newline.
func WriteJSON(w io.Writer, r Report) error {
	data, err := r.Canonical()
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Canonical encodes r as canonical JSON.
func (r Report) Canonical() ([]byte, error) {
	data, err := MarshalCanonical(r.canonicalMap())
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return data, nil
}

// canonicalMap converts r for MarshalCanonical. Empty optional fields are
// omitted.
func (r Report) canonicalMap() map[string]any {
	outcomes := make([]any, len(r.Outcomes))
	for i, o := range r.Outcomes {
		m := map[string]any{
			"scenario": o.Scenario,
			"name":     o.Name,
			"status":   string(o.Status),
		}
		if o.Detail != "" {
			m["detail"] = o.Detail
		}
		if o.Expected != "" {
			m["expected"] = o.Expected
		}
		if o.Actual != "" {
			m["actual"] = o.Actual
		}
		outcomes[i] = m
	}

	aborts := make([]any, len(r.Aborts))
	for i, a := range r.Aborts {
		aborts[i] = map[string]any{
			"scenario": a.Scenario,
			"kind":     string(a.Kind),
			"reason":   a.Reason,
			"expected": a.Expected,
		}
	}

	s := r.Summary
	m := map[string]any{
		"run_id":   r.RunID,
		"outcomes": outcomes,
		"aborts":   aborts,
		"summary": map[string]any{
			"total":           s.Total,
			"passed":          s.Passed,
			"failed":          s.Failed,
			"skipped":         s.Skipped,
			"expected_failed": s.ExpectedFailed,
			"aborted":         s.Aborted,
			"exit_code":       s.ExitCode,
		},
	}
	if r.Environment != "" {
		m["environment"] = r.Environment
	}
	return m
}

// errWriter remembers the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}
