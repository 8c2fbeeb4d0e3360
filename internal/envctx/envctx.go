// Package envctx captures the facts about the host that decide whether a
// known failure is expected: kernel version, virtualization, container
// type, and capabilities such as device node creation.
//
// A Context is detected once at startup and passed explicitly to every
// policy decision.
package envctx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/roach88/rootcheck/internal/runner"
)

// Capability names a host capability.
type Capability string

const (
	// CapMknod is set when character device nodes can be created.
	CapMknod Capability = "mknod"
	// CapRoot is set when the harness runs with euid 0.
	CapRoot Capability = "root"
	// CapPtmxSymlink is set when the host's /dev/ptmx is a symlink, as
	// container managers arrange it.
	CapPtmxSymlink Capability = "ptmx_symlink"
)

// Context is the immutable host description.
type Context struct {
	KernelRelease  string              `json:"kernel_release"`
	KernelMajor    int                 `json:"kernel_major"`
	KernelMinor    int                 `json:"kernel_minor"`
	Virtualization string              `json:"virtualization,omitempty"`
	Container      string              `json:"container,omitempty"`
	Capabilities   map[Capability]bool `json:"capabilities"`
}

// Has reports whether capability was detected.
func (c Context) Has(capability Capability) bool {
	return c.Capabilities[capability]
}

// KernelBelow reports whether the kernel is older than major.minor. An
// unparseable kernel release is never below anything.
func (c Context) KernelBelow(major, minor int) bool {
	if c.KernelMajor == 0 && c.KernelMinor == 0 {
		return false
	}
	if c.KernelMajor != major {
		return c.KernelMajor < major
	}
	return c.KernelMinor < minor
}

// CapabilityList returns the detected capabilities in sorted order.
func (c Context) CapabilityList() []string {
	var caps []string
	for name, ok := range c.Capabilities {
		if ok {
			caps = append(caps, string(name))
		}
	}
	sort.Strings(caps)
	return caps
}

func (c Context) String() string {
	virt := c.Virtualization
	if virt == "" {
		virt = "none"
	}
	container := c.Container
	if container == "" {
		container = "none"
	}
	return fmt.Sprintf("kernel=%s virt=%s container=%s caps=%s",
		c.KernelRelease, virt, container, strings.Join(c.CapabilityList(), ","))
}

// ParseKernelVersion extracts major and minor from a release string such
// as "6.1.0-13-amd64".
func ParseKernelVersion(release string) (int, int, error) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("kernel release %q: want major.minor", release)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("kernel release %q: %w", release, err)
	}
	minor, err := strconv.Atoi(leadingDigits(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("kernel release %q: %w", release, err)
	}
	return major, minor, nil
}

func leadingDigits(s string) string {
	for i, r := range s {
		if r < '0' || r > '9' {
			return s[:i]
		}
	}
	return s
}

// Detector gathers a Context. The zero value is not usable; use
// NewDetector.
type Detector struct {
	runner  runner.Runner
	logger  *slog.Logger
	scratch string
	timeout time.Duration

	// Overridable for tests.
	rootDir string
	uname   func() (string, error)
	euid    func() int
}

// NewDetector creates a Detector. scratch is a writable directory used
// for the device node creation probe.
func NewDetector(r runner.Runner, scratch string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{
		runner:  r,
		logger:  logger,
		scratch: scratch,
		timeout: 10 * time.Second,
		rootDir: "/",
		uname:   uname,
		euid:    os.Geteuid,
	}
}

// Detect never fails: facts that cannot be determined are left empty.
// It returns an error only when ctx is done.
func (d *Detector) Detect(ctx context.Context) (Context, error) {
	c := Context{Capabilities: make(map[Capability]bool)}

	release, err := d.uname()
	if err != nil {
		d.logger.Warn("uname failed", "error", err)
	} else {
		c.KernelRelease = release
		if c.KernelMajor, c.KernelMinor, err = ParseKernelVersion(release); err != nil {
			d.logger.Warn("unparseable kernel release", "release", release, "error", err)
		}
	}

	if c.Virtualization, err = d.detectVirt(ctx, "--vm"); err != nil {
		return Context{}, err
	}
	if c.Container, err = d.detectVirt(ctx, "--container"); err != nil {
		return Context{}, err
	}
	if c.Container == "" {
		c.Container = d.containerFromFiles()
	}

	c.Capabilities[CapRoot] = d.euid() == 0
	c.Capabilities[CapMknod] = d.canMknod()
	c.Capabilities[CapPtmxSymlink] = d.ptmxIsSymlink()

	d.logger.Info("environment detected", "env", c.String())
	return c, nil
}

// detectVirt asks systemd-detect-virt. The tool prints "none" and exits
// non-zero when nothing is detected.
func (d *Detector) detectVirt(ctx context.Context, flag string) (string, error) {
	res, err := d.runner.Run(ctx, []string{"systemd-detect-virt", flag}, runner.Options{Timeout: d.timeout})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		d.logger.Debug("systemd-detect-virt unavailable", "flag", flag, "error", err)
		return "", nil
	}
	out := strings.TrimSpace(string(res.Stdout))
	if res.ExitCode != 0 || out == "none" {
		return "", nil
	}
	return out, nil
}

func (d *Detector) containerFromFiles() string {
	if data, err := os.ReadFile(filepath.Join(d.rootDir, "run/systemd/container")); err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			return name
		}
	}
	if _, err := os.Stat(filepath.Join(d.rootDir, ".dockerenv")); err == nil {
		return "docker"
	}
	return ""
}

func (d *Detector) canMknod() bool {
	if d.scratch == "" {
		return false
	}
	node := filepath.Join(d.scratch, fmt.Sprintf(".rootcheck-mknod-%d", os.Getpid()))
	err := unix.Mknod(node, unix.S_IFCHR|0o666, int(unix.Mkdev(1, 3)))
	if err != nil {
		d.logger.Debug("mknod probe failed", "error", err)
		return false
	}
	_ = os.Remove(node)
	return true
}

func (d *Detector) ptmxIsSymlink() bool {
	info, err := os.Lstat(filepath.Join(d.rootDir, "dev/ptmx"))
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

func uname() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}
