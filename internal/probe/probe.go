// Package probe answers single questions about a path inside a target
// root: does it exist, what type is it, which device does it name, where
// does it point, what does it contain. The command_output kind runs a
// command through a wrapper and reports its normalized output.
//
// Metadata queries never follow a final symlink. Paths are always
// resolved lexically inside the root; ".." cannot climb out of it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/rootcheck/internal/runner"
	"github.com/roach88/rootcheck/internal/wrapper"
)

// Kind selects what a probe asks.
type Kind string

const (
	KindExists        Kind = "exists"
	KindCharDevice    Kind = "char_device"
	KindDirectory     Kind = "directory"
	KindSymlink       Kind = "symlink"
	KindSymlinkTarget Kind = "symlink_target"
	KindDevice        Kind = "device"
	KindReadFile      Kind = "read_file"
	KindCommandOutput Kind = "command_output"
)

// Kinds lists every probe kind.
var Kinds = []Kind{
	KindExists, KindCharDevice, KindDirectory, KindSymlink,
	KindSymlinkTarget, KindDevice, KindReadFile, KindCommandOutput,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown probe kind %q", s)
}

// IsBool reports whether the kind yields a boolean fact.
func (k Kind) IsBool() bool {
	switch k {
	case KindExists, KindCharDevice, KindDirectory, KindSymlink:
		return true
	}
	return false
}

// Spec describes one probe.
type Spec struct {
	Kind    Kind
	Path    string
	Command []string
}

func (s Spec) String() string {
	if s.Kind == KindCommandOutput {
		return fmt.Sprintf("%s(%s)", s.Kind, strings.Join(s.Command, " "))
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Path)
}

// DeviceID is a device number plus permission bits.
type DeviceID struct {
	Major uint32
	Minor uint32
	Perm  os.FileMode
}

// String renders the triple as "major,minor,0mode", e.g. "1,7,0666".
func (d DeviceID) String() string {
	return fmt.Sprintf("%d,%d,%#o", d.Major, d.Minor, uint32(d.Perm))
}

// ParseDeviceID parses the String form. The mode is always octal.
func ParseDeviceID(s string) (DeviceID, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return DeviceID{}, fmt.Errorf("device %q: want major,minor,mode", s)
	}
	major, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device %q: major: %w", s, err)
	}
	minor, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device %q: minor: %w", s, err)
	}
	mode := strings.TrimPrefix(strings.TrimSpace(parts[2]), "0o")
	perm, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device %q: mode: %w", s, err)
	}
	if perm > 0o7777 {
		return DeviceID{}, fmt.Errorf("device %q: mode %o out of range", s, perm)
	}
	return DeviceID{Major: uint32(major), Minor: uint32(minor), Perm: os.FileMode(perm)}, nil
}

// Fact is a probe answer. Which field is meaningful depends on Kind.
type Fact struct {
	Kind   Kind
	Path   string
	Bool   bool
	Text   string
	Device DeviceID
}

// String renders the meaningful field.
func (f Fact) String() string {
	switch {
	case f.Kind.IsBool():
		return strconv.FormatBool(f.Bool)
	case f.Kind == KindDevice:
		return f.Device.String()
	default:
		return f.Text
	}
}

// ProbeError reports a failed probe, typically a missing path.
type ProbeError struct {
	Path   string
	Kind   Kind
	Reason string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s %s: %s: %v", e.Kind, e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("probe %s %s: %s", e.Kind, e.Path, e.Reason)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// ErrNotExist is wrapped by ProbeError when the probed path is missing.
var ErrNotExist = errors.New("no such file or directory")

// Prober runs probes against one root. A Prober is immutable; WithWrapper
// returns a copy.
type Prober struct {
	root    string
	backend Backend
	runner  runner.Runner
	wrapper wrapper.Wrapper
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithBackend selects the metadata backend. Default is Native.
func WithBackend(b Backend) Option {
	return func(p *Prober) {
		p.backend = b
	}
}

// WithTimeout bounds each command run by the prober.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		p.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

// New creates a Prober for root. r runs wrapped commands.
func New(root string, r runner.Runner, opts ...Option) *Prober {
	p := &Prober{
		root:    root,
		backend: Native{},
		runner:  r,
		wrapper: wrapper.None{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Root returns the target root.
func (p *Prober) Root() string {
	return p.root
}

// Wrapper returns the wrapper used for command_output probes.
func (p *Prober) Wrapper() wrapper.Wrapper {
	return p.wrapper
}

// WithWrapper returns a copy of p that runs command_output probes
// through w.
func (p *Prober) WithWrapper(w wrapper.Wrapper) *Prober {
	cp := *p
	cp.wrapper = w
	return &cp
}

// Unwrapped returns a copy of p without a wrapper, for reference probes.
func (p *Prober) Unwrapped() *Prober {
	return p.WithWrapper(wrapper.None{})
}

// HostPath maps a path inside the root to the host path.
func (p *Prober) HostPath(path string) string {
	return filepath.Join(p.root, filepath.Clean("/"+path))
}

// Probe answers spec.
func (p *Prober) Probe(ctx context.Context, spec Spec) (Fact, error) {
	fact := Fact{Kind: spec.Kind, Path: spec.Path}

	switch spec.Kind {
	case KindCommandOutput:
		return p.commandOutput(ctx, spec)
	case KindReadFile:
		data, err := os.ReadFile(p.HostPath(spec.Path))
		if err != nil {
			return fact, p.fsError(spec, err)
		}
		fact.Text = NormalizeText(string(data))
		return fact, nil
	case KindSymlinkTarget:
		target, err := os.Readlink(p.HostPath(spec.Path))
		if err != nil {
			return fact, p.fsError(spec, err)
		}
		fact.Text = target
		return fact, nil
	}

	meta, err := p.backend.Lstat(ctx, p.HostPath(spec.Path))
	if err != nil {
		return fact, &ProbeError{Path: spec.Path, Kind: spec.Kind, Reason: "metadata query failed", Err: err}
	}

	switch spec.Kind {
	case KindExists:
		fact.Bool = meta.Exists
		return fact, nil
	case KindCharDevice, KindDirectory, KindSymlink, KindDevice:
		if !meta.Exists {
			return fact, &ProbeError{Path: spec.Path, Kind: spec.Kind, Reason: "path does not exist", Err: ErrNotExist}
		}
	default:
		return fact, &ProbeError{Path: spec.Path, Kind: spec.Kind, Reason: "unknown probe kind"}
	}

	switch spec.Kind {
	case KindCharDevice:
		fact.Bool = meta.Type == TypeCharDevice
	case KindDirectory:
		fact.Bool = meta.Type == TypeDirectory
	case KindSymlink:
		fact.Bool = meta.Type == TypeSymlink
	case KindDevice:
		if meta.Type != TypeCharDevice && meta.Type != TypeBlockDevice {
			return fact, &ProbeError{Path: spec.Path, Kind: spec.Kind, Reason: fmt.Sprintf("not a device node (%s)", meta.Type)}
		}
		fact.Device = DeviceID{Major: meta.Major, Minor: meta.Minor, Perm: meta.Perm}
	}
	return fact, nil
}

func (p *Prober) fsError(spec Spec, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return &ProbeError{Path: spec.Path, Kind: spec.Kind, Reason: "path does not exist", Err: ErrNotExist}
	}
	return &ProbeError{Path: spec.Path, Kind: spec.Kind, Reason: "read failed", Err: err}
}

// commandOutput runs spec.Command through the wrapper. Launch and timeout
// errors are returned unwrapped so callers can abort on them.
func (p *Prober) commandOutput(ctx context.Context, spec Spec) (Fact, error) {
	fact := Fact{Kind: spec.Kind, Path: spec.Path}
	if len(spec.Command) == 0 {
		return fact, &ProbeError{Kind: spec.Kind, Reason: "no command given"}
	}

	p.logger.Debug("running wrapped command", "wrapper", p.wrapper.Name(), "root", p.root, "command", spec.Command)
	res, err := wrapper.Launch(ctx, p.runner, p.wrapper, p.root, spec.Command, runner.Options{Timeout: p.timeout})
	if err != nil {
		return fact, err
	}
	if res.ExitCode != 0 {
		return fact, &ProbeError{
			Path:   strings.Join(spec.Command, " "),
			Kind:   spec.Kind,
			Reason: fmt.Sprintf("exit status %d under %s: %s", res.ExitCode, p.wrapper.Name(), strings.TrimSpace(string(res.Stderr))),
		}
	}
	fact.Text = NormalizeText(string(res.Stdout))
	return fact, nil
}

// NormalizeText converts CRLF and CR line endings to LF and drops
// trailing newlines. Other whitespace is kept. Terminal sessions such as
// script(1) emit CRLF.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimRight(s, "\n")
}
