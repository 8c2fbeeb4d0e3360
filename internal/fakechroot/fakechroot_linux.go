//go:build linux

package fakechroot

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

// DevptsOptions are the mount options of a new devpts instance.
const DevptsOptions = "newinstance,ptmxmode=666,mode=620,gid=5"

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Plan returns the mounts for opts in order.
func Plan(opts Options) ([]MountStep, error) {
	var steps []MountStep
	if !opts.NoProc {
		steps = append(steps, MountStep{Source: "proc", Target: "proc", FSType: "proc", Flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC})
	}

	switch opts.Style {
	case StyleSchroot:
		steps = append(steps, MountStep{Source: "/dev/pts", Target: "dev/pts", Flags: unix.MS_BIND})
	case StylePbuilder:
		steps = append(steps, MountStep{
			Source: "devpts",
			Target: "dev/pts",
			FSType: "devpts",
			Flags:  unix.MS_NOSUID | unix.MS_NOEXEC,
			Data:   DevptsOptions,
		})
		if opts.BindPtmx {
			steps = append(steps, MountStep{Source: "dev/pts/ptmx", Target: "dev/ptmx", Flags: unix.MS_BIND})
		}
	default:
		return nil, fmt.Errorf("unknown chroot style %q", opts.Style)
	}
	return steps, nil
}

// Exec sets up the session and replaces the current process with
// opts.Argv. It only returns on failure. The caller needs CAP_SYS_ADMIN
// and CAP_SYS_CHROOT.
func Exec(opts Options, logger *slog.Logger) error {
	if len(opts.Argv) == 0 {
		return fmt.Errorf("no command given")
	}
	if opts.Root == "" {
		return fmt.Errorf("root is required")
	}
	steps, err := Plan(opts)
	if err != nil {
		return err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// Namespace membership is per thread until exec.
	runtime.LockOSThread()

	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("unshare mount namespace: %w", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}

	for _, step := range steps {
		target := filepath.Join(opts.Root, step.Target)
		source := step.Source
		if step.Flags&unix.MS_BIND != 0 && !filepath.IsAbs(source) {
			source = filepath.Join(opts.Root, source)
		}
		if err := ensureTarget(source, target, step.Flags&unix.MS_BIND != 0); err != nil {
			return err
		}
		logger.Debug("mounting", "style", opts.Style, "step", step.String())
		if err := unix.Mount(source, target, step.FSType, step.Flags, step.Data); err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
	}

	if err := unix.Chroot(opts.Root); err != nil {
		return fmt.Errorf("chroot %s: %w", opts.Root, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	env := os.Environ()
	if os.Getenv("PATH") == "" {
		env = append(env, "PATH="+defaultPath)
		os.Setenv("PATH", defaultPath)
	}
	if opts.ToolVersion != "" {
		env = append(env, "ROOTCHECK_TOOL_VERSION="+opts.ToolVersion)
	}

	path, err := exec.LookPath(opts.Argv[0])
	if err != nil {
		return fmt.Errorf("inside %s: %w", opts.Root, err)
	}
	logger.Debug("exec in chroot", "root", opts.Root, "argv", opts.Argv)
	return unix.Exec(path, opts.Argv, env)
}

// ensureTarget creates the mount point. Bind mounts of files need a file.
func ensureTarget(source, target string, bind bool) error {
	if bind {
		info, err := os.Stat(source)
		if err != nil {
			return fmt.Errorf("bind source: %w", err)
		}
		if !info.IsDir() {
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if _, err := os.Lstat(target); err == nil {
				return nil
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("create mount point: %w", err)
			}
			return f.Close()
		}
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	return nil
}
