// Package rootfs owns the lifecycle of the target root: creating or
// adopting it, bootstrapping it with debootstrap, tracking mounts made
// below it, and tearing it down.
package rootfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/roach88/rootcheck/internal/runner"
)

// DefaultBootstrapTimeout bounds a debootstrap run.
const DefaultBootstrapTimeout = 30 * time.Minute

// ErrStillMounted is returned by Cleanup when something is still mounted
// below the root after unmounting.
var ErrStillMounted = errors.New("filesystems still mounted below root")

// Options configures Bootstrap.
type Options struct {
	Suite   string
	Variant string
	Mirror  string
	Include []string

	// Program defaults to "debootstrap".
	Program string
	Timeout time.Duration
}

// Root is a target root directory.
type Root struct {
	path    string
	owned   bool
	mounts  []string
	cleaned bool

	mountTable MountTable
	unmount    func(target string, flags int) error
	mount      func(source, target, fstype string, flags uintptr, data string) error
	logger     *slog.Logger
}

func newRoot(path string, owned bool, logger *slog.Logger) *Root {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Root{
		path:       path,
		owned:      owned,
		mountTable: mountinfo.GetMounts,
		unmount:    unix.Unmount,
		mount:      unix.Mount,
		logger:     logger,
	}
}

// Create makes a new, empty root below parent. Cleanup removes it.
func Create(parent string, logger *slog.Logger) (*Root, error) {
	dir, err := os.MkdirTemp(parent, "rootcheck-root-")
	if err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	// debootstrap needs a world-readable root.
	if err := os.Chmod(dir, 0755); err != nil {
		os.Remove(dir)
		return nil, fmt.Errorf("create root: %w", err)
	}
	return newRoot(dir, true, logger), nil
}

// Adopt uses an existing directory as the root. Cleanup unmounts what the
// harness mounted but never removes the directory.
func Adopt(path string, logger *slog.Logger) (*Root, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("adopt root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("adopt root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("adopt root: %s is not a directory", abs)
	}
	return newRoot(abs, false, logger), nil
}

// Path returns the root directory.
func (r *Root) Path() string {
	return r.path
}

// Owned reports whether Cleanup removes the directory.
func (r *Root) Owned() bool {
	return r.owned
}

// Keep stops Cleanup from removing the directory.
func (r *Root) Keep() {
	r.owned = false
}

// BootstrapCommand returns the debootstrap argv for opts.
func (r *Root) BootstrapCommand(opts Options) []string {
	program := opts.Program
	if program == "" {
		program = "debootstrap"
	}
	argv := []string{program}
	if opts.Variant != "" {
		argv = append(argv, "--variant="+opts.Variant)
	}
	if len(opts.Include) > 0 {
		argv = append(argv, "--include="+strings.Join(opts.Include, ","))
	}
	argv = append(argv, opts.Suite, r.path)
	if opts.Mirror != "" {
		argv = append(argv, opts.Mirror)
	}
	return argv
}

// Bootstrap runs debootstrap into the root.
func (r *Root) Bootstrap(ctx context.Context, run runner.Runner, opts Options) error {
	if opts.Suite == "" {
		return fmt.Errorf("bootstrap: suite is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultBootstrapTimeout
	}

	argv := r.BootstrapCommand(opts)
	r.logger.Info("bootstrapping root", "root", r.path, "suite", opts.Suite, "mirror", opts.Mirror, "variant", opts.Variant)
	res, err := run.Run(ctx, argv, runner.Options{Timeout: timeout})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bootstrap: %s exited with status %d: %s", argv[0], res.ExitCode, lastLines(res.Stderr, 5))
	}
	r.logger.Info("bootstrap finished", "root", r.path, "duration", res.Duration)
	return nil
}

// Mount mounts source on target, a path inside the root, and records it
// for Cleanup.
func (r *Root) Mount(source, target, fstype string, flags uintptr, data string) error {
	hostTarget := filepath.Join(r.path, filepath.Clean("/"+target))
	if err := os.MkdirAll(hostTarget, 0755); err != nil {
		return fmt.Errorf("mount %s: %w", target, err)
	}
	if err := r.mount(source, hostTarget, fstype, flags, data); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, hostTarget, err)
	}
	r.mounts = append(r.mounts, hostTarget)
	r.logger.Debug("mounted", "source", source, "target", hostTarget, "fstype", fstype)
	return nil
}

// Mounts returns the tracked mount points in mount order.
func (r *Root) Mounts() []string {
	return append([]string(nil), r.mounts...)
}

// Cleanup unmounts tracked mounts in reverse order, then removes the root
// if it is owned. An owned root is not removed while any filesystem is
// still mounted below it. Calling Cleanup again after success is a no-op.
func (r *Root) Cleanup() error {
	if r.cleaned {
		return nil
	}

	var errs []error
	var remaining []string
	for i := len(r.mounts) - 1; i >= 0; i-- {
		target := r.mounts[i]
		if err := r.unmount(target, unix.MNT_DETACH); err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("unmount %s: %w", target, err))
			remaining = append([]string{target}, remaining...)
			continue
		}
		r.logger.Debug("unmounted", "target", target)
	}
	r.mounts = remaining

	if !r.owned {
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		r.cleaned = true
		return nil
	}

	busy, err := MountsUnder(r.mountTable, r.path)
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	if len(busy) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrStillMounted, strings.Join(busy, ", ")))
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := os.RemoveAll(r.path); err != nil {
		return fmt.Errorf("remove root: %w", err)
	}
	r.logger.Debug("removed root", "root", r.path)
	r.cleaned = true
	return nil
}

// MountTable returns the mounts that pass filter.
type MountTable func(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error)

// MountsUnder lists mount points at or below root according to table.
func MountsUnder(table MountTable, root string) ([]string, error) {
	infos, err := table(mountinfo.PrefixFilter(filepath.Clean(root)))
	if err != nil {
		return nil, fmt.Errorf("read mountinfo: %w", err)
	}
	found := make([]string, 0, len(infos))
	for _, info := range infos {
		found = append(found, info.Mountpoint)
	}
	return found, nil
}

func lastLines(b []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}
