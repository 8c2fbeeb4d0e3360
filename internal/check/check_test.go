package check

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rootcheck/internal/envctx"
	"github.com/roach88/rootcheck/internal/probe"
	"github.com/roach88/rootcheck/internal/runner"
	"github.com/roach88/rootcheck/internal/wrapper"
)

type fakeBackend map[string]probe.Meta

func (fakeBackend) Name() string { return "fake" }

func (f fakeBackend) Lstat(_ context.Context, path string) (probe.Meta, error) {
	return f[path], nil
}

var plainEnv = envctx.Context{
	KernelRelease: "6.1.0",
	KernelMajor:   6,
	KernelMinor:   1,
	Capabilities:  map[envctx.Capability]bool{envctx.CapMknod: true, envctx.CapRoot: true},
}

var lxcEnv = envctx.Context{
	KernelRelease: "6.1.0",
	KernelMajor:   6,
	KernelMinor:   1,
	Container:     "lxc",
	Capabilities:  map[envctx.Capability]bool{envctx.CapRoot: true},
}

func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dev/pts"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/debian_version"), []byte("trixie/sid\n"), 0644))
	return root
}

func symlink(t *testing.T, root, target, link string) {
	t.Helper()
	require.NoError(t, os.Symlink(target, filepath.Join(root, link)))
}

func TestEvaluate_RequiredPassesIffEqual(t *testing.T) {
	root := newRoot(t)
	eng := NewEngine(probe.New(root, runner.New()), nil)

	tests := []struct {
		name   string
		a      Assertion
		status Status
	}{
		{"bool match", Assertion{Name: "pts-dir", Probe: probe.Spec{Kind: probe.KindDirectory, Path: "/dev/pts"}, Expect: Literal(true)}, StatusPass},
		{"bool mismatch", Assertion{Name: "pts-dir", Probe: probe.Spec{Kind: probe.KindDirectory, Path: "/dev/pts"}, Expect: Literal(false)}, StatusFail},
		{"string match", Assertion{Name: "version", Probe: probe.Spec{Kind: probe.KindReadFile, Path: "/etc/debian_version"}, Expect: Literal("trixie/sid")}, StatusPass},
		{"string mismatch", Assertion{Name: "version", Probe: probe.Spec{Kind: probe.KindReadFile, Path: "/etc/debian_version"}, Expect: Literal("bookworm")}, StatusFail},
		{"pattern", Assertion{Name: "version", Probe: probe.Spec{Kind: probe.KindReadFile, Path: "/etc/debian_version"}, Expect: Literal(`^[a-z]+/sid$`), Match: MatchPattern}, StatusPass},
		{"missing path", Assertion{Name: "tty", Probe: probe.Spec{Kind: probe.KindCharDevice, Path: "/dev/tty"}, Expect: Literal(true)}, StatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := eng.Evaluate(context.Background(), tt.a, plainEnv)
			require.NoError(t, err)
			assert.Equal(t, tt.status, out.Status, out.Detail)
			assert.Equal(t, tt.a.Name, out.Name)
		})
	}
}

func TestEvaluate_MismatchDetailHasExpectedAndActual(t *testing.T) {
	eng := NewEngine(probe.New(newRoot(t), runner.New()), nil)
	out, err := eng.Evaluate(context.Background(), Assertion{
		Name:   "version",
		Probe:  probe.Spec{Kind: probe.KindReadFile, Path: "/etc/debian_version"},
		Expect: Literal("bookworm"),
	}, plainEnv)
	require.NoError(t, err)

	assert.Equal(t, StatusFail, out.Status)
	assert.Equal(t, "bookworm", out.Expected)
	assert.Equal(t, "trixie/sid", out.Actual)
	assert.Equal(t, `version: expected "bookworm", got "trixie/sid"`, out.Detail)
}

func TestEvaluate_SymlinkTargetEquivalence(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		expected string
		status   Status
	}{
		{"relative matches relative", "pts/ptmx", "pts/ptmx", StatusPass},
		{"absolute matches relative", "/dev/pts/ptmx", "pts/ptmx", StatusPass},
		{"relative matches absolute", "pts/ptmx", "/dev/pts/ptmx", StatusPass},
		{"dot segments", "./pts/../pts/ptmx", "pts/ptmx", StatusPass},
		{"tty rejected", "/dev/tty", "pts/ptmx", StatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRoot(t)
			symlink(t, root, tt.target, "dev/ptmx")
			eng := NewEngine(probe.New(root, runner.New()), nil)

			out, err := eng.Evaluate(context.Background(), Assertion{
				Name:   "ptmx-target",
				Probe:  probe.Spec{Kind: probe.KindSymlinkTarget, Path: "/dev/ptmx"},
				Expect: Literal(tt.expected),
			}, plainEnv)
			require.NoError(t, err)
			assert.Equal(t, tt.status, out.Status, out.Detail)
		})
	}
}

func TestSameLinkTarget(t *testing.T) {
	assert.True(t, SameLinkTarget("/dev/ptmx", "/dev/pts/ptmx", "pts/ptmx"))
	assert.True(t, SameLinkTarget("/dev/fd", "/proc/self/fd", "../proc/self/fd"))
	assert.False(t, SameLinkTarget("/dev/ptmx", "/dev/tty", "pts/ptmx"))
}

func TestEvaluate_DeviceTriple(t *testing.T) {
	backend := fakeBackend{
		"/srv/root/dev/full": {Exists: true, Type: probe.TypeCharDevice, Major: 1, Minor: 7, Perm: 0o666},
	}
	eng := NewEngine(probe.New("/srv/root", runner.New(), probe.WithBackend(backend)), nil)
	spec := probe.Spec{Kind: probe.KindDevice, Path: "/dev/full"}

	tests := []struct {
		expected string
		status   Status
	}{
		{"1,7,0666", StatusPass},
		{"1,7,0o666", StatusPass},
		{"1,7,0644", StatusFail},
		{"1,8,0666", StatusFail},
		{"5,7,0666", StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			out, err := eng.Evaluate(context.Background(), Assertion{Name: "full", Probe: spec, Expect: Literal(tt.expected)}, plainEnv)
			require.NoError(t, err)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, "1,7,0666", out.Actual)
		})
	}

	out, err := eng.Evaluate(context.Background(), Assertion{
		Name: "full", Probe: spec, Expect: Literal(probe.DeviceID{Major: 1, Minor: 7, Perm: 0o666}),
	}, plainEnv)
	require.NoError(t, err)
	assert.Equal(t, StatusPass, out.Status)
}

func TestEvaluate_ExpectedFailurePolicy(t *testing.T) {
	root := newRoot(t)
	symlink(t, root, "pts/ptmx", "dev/ptmx")
	eng := NewEngine(probe.New(root, runner.New()), nil)
	policy := ExpectedFailureUnder("ptmx is a symlink in containers", Condition{Container: []string{"*"}})

	isDevice := Assertion{
		Name:   "ptmx-device",
		Probe:  probe.Spec{Kind: probe.KindCharDevice, Path: "/dev/ptmx"},
		Expect: Literal(true),
		Policy: policy,
	}
	isSymlink := Assertion{
		Name:   "ptmx-symlink",
		Probe:  probe.Spec{Kind: probe.KindSymlink, Path: "/dev/ptmx"},
		Expect: Literal(true),
		Policy: policy,
	}

	t.Run("mismatch under active condition is xfail", func(t *testing.T) {
		out, err := eng.Evaluate(context.Background(), isDevice, lxcEnv)
		require.NoError(t, err)
		assert.Equal(t, StatusExpectedFail, out.Status)
		assert.Contains(t, out.Detail, "ptmx is a symlink in containers")
	})

	t.Run("match under active condition is fail", func(t *testing.T) {
		out, err := eng.Evaluate(context.Background(), isSymlink, lxcEnv)
		require.NoError(t, err)
		assert.Equal(t, StatusFail, out.Status)
		assert.Contains(t, out.Detail, "expected failure did not occur")
	})

	t.Run("inactive condition behaves as required", func(t *testing.T) {
		out, err := eng.Evaluate(context.Background(), isDevice, plainEnv)
		require.NoError(t, err)
		assert.Equal(t, StatusFail, out.Status)

		out, err = eng.Evaluate(context.Background(), isSymlink, plainEnv)
		require.NoError(t, err)
		assert.Equal(t, StatusPass, out.Status)
	})

	t.Run("probe error under active condition is xfail", func(t *testing.T) {
		missing := isDevice
		missing.Probe.Path = "/dev/console"
		out, err := eng.Evaluate(context.Background(), missing, lxcEnv)
		require.NoError(t, err)
		assert.Equal(t, StatusExpectedFail, out.Status)
	})
}

func TestEvaluate_SkipUnless(t *testing.T) {
	eng := NewEngine(probe.New(newRoot(t), runner.New()), nil)
	a := Assertion{
		Name:       "mknod-only",
		Probe:      probe.Spec{Kind: probe.KindCharDevice, Path: "/dev/null"},
		Expect:     Literal(true),
		SkipUnless: []Condition{{MissingCapability: []envctx.Capability{envctx.CapMknod}}},
	}

	out, err := eng.Evaluate(context.Background(), a, plainEnv)
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, out.Status)

	out, err = eng.Evaluate(context.Background(), a, lxcEnv)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
}

func TestEvaluate_WrappedMatchesReference(t *testing.T) {
	root := newRoot(t)
	tool := filepath.Join(t.TempDir(), "fake-schroot")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\nprintf 'trixie/sid\\r\\n'\n"), 0755))

	p := probe.New(root, runner.New()).WithWrapper(wrapper.Template{Program: tool})
	eng := NewEngine(p, nil)

	out, err := eng.Evaluate(context.Background(), Assertion{
		Name:   "script-under-schroot",
		Probe:  probe.Spec{Kind: probe.KindCommandOutput, Command: []string{"cat", "/etc/debian_version"}},
		Expect: ReferenceTo(probe.Spec{Kind: probe.KindReadFile, Path: "/etc/debian_version"}),
	}, plainEnv)
	require.NoError(t, err)
	assert.Equal(t, StatusPass, out.Status, out.Detail)
	assert.Equal(t, "trixie/sid", out.Expected)
}

func TestEvaluate_TimeoutIsReturned(t *testing.T) {
	tool := filepath.Join(t.TempDir(), "hang")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\nsleep 30\n"), 0755))

	p := probe.New(newRoot(t), runner.New(), probe.WithTimeout(200*time.Millisecond)).WithWrapper(wrapper.Template{Program: tool})
	eng := NewEngine(p, nil)
	a := Assertion{
		Name:   "hang",
		Probe:  probe.Spec{Kind: probe.KindCommandOutput, Command: []string{"true"}},
		Expect: Literal(""),
	}

	out, err := eng.Evaluate(context.Background(), a, plainEnv)
	var timeoutErr *runner.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.True(t, IsAbort(err))
	assert.Equal(t, StatusFail, out.Status)

	a.Policy = ExpectedFailureUnder("known hang")
	out, err = eng.Evaluate(context.Background(), a, plainEnv)
	require.Error(t, err)
	assert.Equal(t, StatusExpectedFail, out.Status)
}

func TestEvaluate_BadExpectationIsFail(t *testing.T) {
	eng := NewEngine(probe.New(newRoot(t), runner.New()), nil)

	out, err := eng.Evaluate(context.Background(), Assertion{
		Name:   "pts",
		Probe:  probe.Spec{Kind: probe.KindDirectory, Path: "/dev/pts"},
		Expect: Literal("yes please"),
		Policy: ExpectedFailureUnder("always"),
	}, plainEnv)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
	assert.Contains(t, out.Detail, "needs a boolean expectation")

	out, err = eng.Evaluate(context.Background(), Assertion{
		Name:  "pts",
		Probe: probe.Spec{Kind: probe.KindDirectory, Path: "/dev/pts"},
	}, plainEnv)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
	assert.Contains(t, out.Detail, "no expected value")
}
