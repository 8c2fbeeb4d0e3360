package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/roach88/rootcheck/internal/runner"
)

// FileType classifies a path.
type FileType string

const (
	TypeRegular     FileType = "regular"
	TypeDirectory   FileType = "directory"
	TypeSymlink     FileType = "symlink"
	TypeCharDevice  FileType = "char_device"
	TypeBlockDevice FileType = "block_device"
	TypeFIFO        FileType = "fifo"
	TypeSocket      FileType = "socket"
	TypeOther       FileType = "other"
)

// Meta is the lstat view of a path.
type Meta struct {
	Exists bool
	Type   FileType
	Major  uint32
	Minor  uint32
	Perm   os.FileMode
}

// Backend queries path metadata without following a final symlink. A
// missing path is reported as Meta{Exists: false} with a nil error.
type Backend interface {
	Name() string
	Lstat(ctx context.Context, path string) (Meta, error)
}

// BackendByName returns the named backend. stat needs a runner.
func BackendByName(name string, r runner.Runner, timeout time.Duration) (Backend, error) {
	switch name {
	case "", "native":
		return Native{}, nil
	case "stat":
		return &Stat{Runner: r, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown probe backend %q (want native or stat)", name)
	}
}

// Native uses lstat(2).
type Native struct{}

func (Native) Name() string { return "native" }

func (Native) Lstat(_ context.Context, path string) (Meta, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return Meta{}, nil
		}
		return Meta{}, fmt.Errorf("lstat %s: %w", path, err)
	}

	meta := Meta{
		Exists: true,
		Type:   typeFromMode(uint32(st.Mode)),
		Perm:   os.FileMode(st.Mode & 0o7777),
	}
	if meta.Type == TypeCharDevice || meta.Type == TypeBlockDevice {
		rdev := uint64(st.Rdev)
		meta.Major = unix.Major(rdev)
		meta.Minor = unix.Minor(rdev)
	}
	return meta, nil
}

func typeFromMode(mode uint32) FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return TypeRegular
	case unix.S_IFDIR:
		return TypeDirectory
	case unix.S_IFLNK:
		return TypeSymlink
	case unix.S_IFCHR:
		return TypeCharDevice
	case unix.S_IFBLK:
		return TypeBlockDevice
	case unix.S_IFIFO:
		return TypeFIFO
	case unix.S_IFSOCK:
		return TypeSocket
	default:
		return TypeOther
	}
}

// statFormat asks GNU stat for the raw mode (hex) and device numbers
// (hex), separated by '|'.
const statFormat = "%f|%t|%T"

// Stat delegates to the external stat(1) command.
type Stat struct {
	Runner  runner.Runner
	Timeout time.Duration
}

func (s *Stat) Name() string { return "stat" }

func (s *Stat) Lstat(ctx context.Context, path string) (Meta, error) {
	res, err := s.Runner.Run(ctx, []string{"stat", "--format=" + statFormat, "--", path}, runner.Options{
		Timeout: s.Timeout,
		Env:     map[string]string{"LC_ALL": "C"},
	})
	if err != nil {
		return Meta{}, err
	}
	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(string(res.Stderr))
		if strings.Contains(stderr, "No such file or directory") || strings.Contains(stderr, "Not a directory") {
			return Meta{}, nil
		}
		return Meta{}, fmt.Errorf("stat %s: exit status %d: %s", path, res.ExitCode, stderr)
	}
	return parseStatOutput(string(res.Stdout))
}

func parseStatOutput(out string) (Meta, error) {
	fields := strings.Split(strings.TrimSpace(out), "|")
	if len(fields) != 3 {
		return Meta{}, fmt.Errorf("unexpected stat output %q", out)
	}
	mode, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return Meta{}, fmt.Errorf("stat mode %q: %w", fields[0], err)
	}
	meta := Meta{
		Exists: true,
		Type:   typeFromMode(uint32(mode)),
		Perm:   os.FileMode(mode & 0o7777),
	}
	if meta.Type == TypeCharDevice || meta.Type == TypeBlockDevice {
		major, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			return Meta{}, fmt.Errorf("stat major %q: %w", fields[1], err)
		}
		minor, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			return Meta{}, fmt.Errorf("stat minor %q: %w", fields[2], err)
		}
		meta.Major = uint32(major)
		meta.Minor = uint32(minor)
	}
	return meta, nil
}
