package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rootcheck/internal/check"
	"github.com/roach88/rootcheck/internal/envctx"
	"github.com/roach88/rootcheck/internal/probe"
	"github.com/roach88/rootcheck/internal/report"
	"github.com/roach88/rootcheck/internal/runner"
)

// echoWrapper pretends to be a chroot tool: it answers "cat PATH" by
// printing PATH from the root passed as its first argument.
const echoWrapper = `#!/bin/sh
root="$1"; shift
if [ "$1" = cat ]; then exec cat "$root$2"; fi
echo "unsupported: $*" >&2
exit 1
`

const hangingWrapper = "#!/bin/sh\nsleep 30\n"

var hostEnv = envctx.Context{
	KernelRelease: "6.1.0",
	KernelMajor:   6,
	KernelMinor:   1,
	Capabilities:  map[envctx.Capability]bool{envctx.CapMknod: true, envctx.CapRoot: true},
}

type fixture struct {
	root      string
	collector *report.Collector
	harness   *Harness
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dev/pts"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/debian_version"), []byte("trixie/sid\n"), 0644))

	p := probe.New(root, runner.New(runner.WithWaitDelay(100*time.Millisecond)), probe.WithTimeout(timeout))
	c := report.NewCollector("test-run")
	return &fixture{root: root, collector: c, harness: New(p, hostEnv, c)}
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func parse(t *testing.T, format string, args ...any) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(fmt.Sprintf(format, args...)))
	require.NoError(t, err)
	return s
}

func TestRun_WrappedMatchesReference(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	tool := writeScript(t, "echo-wrapper", echoWrapper)

	s := parse(t, `
name: wrapped
wrapper: {kind: command, program: %q, args: ["{root}"]}
steps:
  - assert:
      name: cat
      probe: {kind: command_output, command: cat /etc/debian_version}
      expect: {reference: {kind: read_file, path: /etc/debian_version}}
`, tool)

	require.NoError(t, f.harness.Run(context.Background(), s))

	rep := f.collector.Report()
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, check.StatusPass, rep.Outcomes[0].Status, rep.Outcomes[0].Detail)
	assert.Equal(t, "trixie/sid", rep.Outcomes[0].Expected)
	assert.Equal(t, "trixie/sid", rep.Outcomes[0].Actual)
	assert.Equal(t, "wrapped", rep.Outcomes[0].Scenario)
	assert.Equal(t, StateCompleted, f.harness.State("wrapped"))
	assert.Equal(t, report.ExitPass, rep.Summary.ExitCode)
}

func TestRun_TimeoutAbortsScenario(t *testing.T) {
	f := newFixture(t, time.Second)
	tool := writeScript(t, "hang", hangingWrapper)

	s := parse(t, `
name: hang
wrapper: {kind: command, program: %q}
steps:
  - assert:
      name: cat
      probe: {kind: command_output, command: cat /etc/debian_version}
      expect: trixie/sid
  - assert:
      name: never-runs
      probe: {kind: directory, path: /dev/pts}
      expect: true
`, tool)

	start := time.Now()
	require.NoError(t, f.harness.Run(context.Background(), s))
	assert.Less(t, time.Since(start), 10*time.Second)

	rep := f.collector.Report()
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, check.StatusFail, rep.Outcomes[0].Status)
	require.Len(t, rep.Aborts, 1)
	assert.Equal(t, report.AbortTimeout, rep.Aborts[0].Kind)
	assert.False(t, rep.Aborts[0].Expected)
	assert.Equal(t, StateAborted, f.harness.State("hang"))
	assert.Equal(t, report.ExitHarnessError, rep.Summary.ExitCode)
}

func TestRun_TimeoutInNestedScenarioLetsParentContinue(t *testing.T) {
	f := newFixture(t, time.Second)
	tool := writeScript(t, "hang", hangingWrapper)

	s := parse(t, `
name: parent
steps:
  - scenario:
      name: child
      wrapper: {kind: command, program: %q}
      steps:
        - assert: {name: cat, probe: {kind: command_output, command: cat x}, expect: x}
  - assert: {name: after, probe: {kind: directory, path: /dev/pts}, expect: true}
`, tool)

	require.NoError(t, f.harness.Run(context.Background(), s))

	assert.Equal(t, StateAborted, f.harness.State("parent/child"))
	assert.Equal(t, StateCompleted, f.harness.State("parent"))

	rep := f.collector.Report()
	require.Len(t, rep.Outcomes, 2)
	assert.Equal(t, "parent", rep.Outcomes[1].Scenario)
	assert.Equal(t, check.StatusPass, rep.Outcomes[1].Status)
}

func TestRun_ExpectedTimeout(t *testing.T) {
	f := newFixture(t, time.Second)
	tool := writeScript(t, "hang", hangingWrapper)

	s := parse(t, `
name: hang
wrapper: {kind: command, program: %q}
policy: {expected_failure: {reason: known hang}}
steps:
  - assert: {name: cat, probe: {kind: command_output, command: cat x}, expect: x}
`, tool)

	require.NoError(t, f.harness.Run(context.Background(), s))

	rep := f.collector.Report()
	assert.Equal(t, check.StatusExpectedFail, rep.Outcomes[0].Status)
	require.Len(t, rep.Aborts, 1)
	assert.True(t, rep.Aborts[0].Expected)
	assert.Equal(t, report.ExitPass, rep.Summary.ExitCode)
}

func TestRun_FatalAbortsEnclosingScenarios(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	outer := parse(t, `
name: outer
steps:
  - scenario:
      name: inner
      steps:
        - assert: {name: console, probe: {kind: char_device, path: /dev/console}, expect: true, fatal: true}
        - assert: {name: skipped-sibling, probe: {kind: directory, path: /dev/pts}, expect: true}
  - assert: {name: skipped-after, probe: {kind: directory, path: /dev/pts}, expect: true}
`)
	next := parse(t, `
name: next
steps:
  - assert: {name: pts, probe: {kind: directory, path: /dev/pts}, expect: true}
`)

	require.NoError(t, f.harness.Run(context.Background(), outer, next))

	assert.Equal(t, StateAborted, f.harness.State("outer/inner"))
	assert.Equal(t, StateAborted, f.harness.State("outer"))
	assert.Equal(t, StateCompleted, f.harness.State("next"))

	rep := f.collector.Report()
	require.Len(t, rep.Outcomes, 2)
	assert.Equal(t, "console", rep.Outcomes[0].Name)
	assert.Equal(t, check.StatusFail, rep.Outcomes[0].Status)
	assert.Equal(t, "pts", rep.Outcomes[1].Name)

	require.Len(t, rep.Aborts, 2)
	assert.Equal(t, "outer/inner", rep.Aborts[0].Scenario)
	assert.Equal(t, "outer", rep.Aborts[1].Scenario)
	assert.Equal(t, report.AbortFatal, rep.Aborts[1].Kind)
	assert.Equal(t, report.ExitFailure, rep.Summary.ExitCode)
}

func TestRun_OrdinaryFailuresDoNotAbort(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	s := parse(t, `
name: devices
steps:
  - assert: {name: console, probe: {kind: char_device, path: /dev/console}, expect: true}
  - assert: {name: tty, probe: {kind: char_device, path: /dev/tty}, expect: true}
  - assert: {name: pts, probe: {kind: directory, path: /dev/pts}, expect: true}
`)

	require.NoError(t, f.harness.Run(context.Background(), s))

	rep := f.collector.Report()
	assert.Len(t, rep.Outcomes, 3)
	assert.Empty(t, rep.Aborts)
	assert.Equal(t, 2, rep.Summary.Failed)
	assert.Equal(t, 1, rep.Summary.Passed)
	assert.Equal(t, StateCompleted, f.harness.State("devices"))
}

func TestRun_LaunchErrorAbortsRun(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	first := parse(t, `
name: first
wrapper: {kind: command, program: /nonexistent/schroot}
steps:
  - assert: {name: cat, probe: {kind: command_output, command: cat x}, expect: x}
  - assert: {name: pts, probe: {kind: directory, path: /dev/pts}, expect: true}
`)
	second := parse(t, `
name: second
steps:
  - assert: {name: pts, probe: {kind: directory, path: /dev/pts}, expect: true}
`)

	err := f.harness.Run(context.Background(), first, second)
	var abortErr *AbortError
	require.True(t, errors.As(err, &abortErr))
	assert.Equal(t, report.AbortLaunch, abortErr.Kind)
	var launchErr *runner.LaunchError
	assert.True(t, errors.As(err, &launchErr))

	assert.Equal(t, StateAborted, f.harness.State("first"))
	assert.Equal(t, StateNotStarted, f.harness.State("second"))

	rep := f.collector.Report()
	assert.Len(t, rep.Outcomes, 1)
	assert.Equal(t, report.ExitHarnessError, rep.Summary.ExitCode)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := parse(t, `
name: s
steps:
  - assert: {name: pts, probe: {kind: directory, path: /dev/pts}, expect: true}
`)

	err := f.harness.Run(ctx, s)
	require.ErrorIs(t, err, context.Canceled)

	rep := f.collector.Report()
	assert.Empty(t, rep.Outcomes)
	require.Len(t, rep.Aborts, 1)
	assert.Equal(t, report.AbortInterrupted, rep.Aborts[0].Kind)
	assert.Equal(t, report.ExitHarnessError, rep.Summary.ExitCode)
}

func TestRun_NestedScenarioInheritsWrapperAndPolicy(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	tool := writeScript(t, "echo-wrapper", echoWrapper)

	s := parse(t, `
name: parent
wrapper: {kind: command, program: %q, args: ["{root}"]}
policy: {expected_failure: {reason: parent policy}}
steps:
  - scenario:
      name: child
      steps:
        - assert: {name: cat, probe: {kind: command_output, command: cat /etc/debian_version}, expect: bookworm}
        - assert: {name: required, probe: {kind: command_output, command: cat /etc/debian_version}, expect: trixie/sid, policy: {}}
`, tool)

	require.NoError(t, f.harness.Run(context.Background(), s))

	rep := f.collector.Report()
	require.Len(t, rep.Outcomes, 2)
	assert.Equal(t, "parent/child", rep.Outcomes[0].Scenario)
	assert.Equal(t, "trixie/sid", rep.Outcomes[0].Actual)
	assert.Equal(t, check.StatusExpectedFail, rep.Outcomes[0].Status)
	assert.Equal(t, check.StatusPass, rep.Outcomes[1].Status)
	assert.Equal(t, report.ExitPass, rep.Summary.ExitCode)
}
