// Package wrapper assembles the command line for running a program inside
// a target root through a chroot tool.
//
// Variants:
//   - none: run the program on the host, in the root directory
//   - chroot: chroot(8)
//   - schroot, pbuilder: look-alikes of those tools provided by the
//     harness binary's fake-chroot command
//   - command: any program, with "{root}" substituted in its arguments
package wrapper

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/rootcheck/internal/runner"
)

// Kind names a wrapper variant.
type Kind string

const (
	KindNone     Kind = "none"
	KindChroot   Kind = "chroot"
	KindSchroot  Kind = "schroot"
	KindPbuilder Kind = "pbuilder"
	KindCommand  Kind = "command"
)

// RootPlaceholder is replaced with the target root in command templates.
const RootPlaceholder = "{root}"

// FakeChrootCommand is the harness subcommand implementing the schroot
// and pbuilder look-alikes.
const FakeChrootCommand = "fake-chroot"

// Wrapper turns a command meant to run inside root into a host command.
type Wrapper interface {
	Name() string
	Command(root string, argv []string) []string
}

// Spec is the declarative form of a wrapper, as written in scenario files.
type Spec struct {
	Kind    Kind     `yaml:"kind" json:"kind"`
	Program string   `yaml:"program,omitempty" json:"program,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
	Version string   `yaml:"version,omitempty" json:"version,omitempty"`
}

// FromSpec builds a Wrapper. self is the harness executable, used as the
// program for the schroot and pbuilder look-alikes unless spec.Program
// overrides it.
func FromSpec(spec Spec, self string) (Wrapper, error) {
	switch spec.Kind {
	case "", KindNone:
		return None{}, nil
	case KindChroot:
		program := spec.Program
		if program == "" {
			program = "chroot"
		}
		return Chroot{Program: program, Args: spec.Args}, nil
	case KindSchroot, KindPbuilder:
		program := spec.Program
		if program == "" {
			program = self
		}
		if program == "" {
			return nil, fmt.Errorf("wrapper %s: no program and harness executable unknown", spec.Kind)
		}
		return Fake{Style: string(spec.Kind), Program: program, Flags: spec.Args, Version: spec.Version}, nil
	case KindCommand:
		if spec.Program == "" {
			return nil, fmt.Errorf("wrapper command: program is required")
		}
		return Template{Program: spec.Program, Args: spec.Args}, nil
	default:
		return nil, fmt.Errorf("unknown wrapper kind %q", spec.Kind)
	}
}

// Launch runs argv inside root through w.
func Launch(ctx context.Context, r runner.Runner, w Wrapper, root string, argv []string, opts runner.Options) (*runner.Result, error) {
	if _, ok := w.(None); ok && opts.Dir == "" {
		opts.Dir = root
	}
	return r.Run(ctx, w.Command(root, argv), opts)
}

// None runs commands directly on the host.
type None struct{}

func (None) Name() string { return string(KindNone) }

func (None) Command(_ string, argv []string) []string {
	return append([]string(nil), argv...)
}

// Chroot runs commands through chroot(8).
type Chroot struct {
	Program string
	Args    []string
}

func (c Chroot) Name() string { return string(KindChroot) }

func (c Chroot) Command(root string, argv []string) []string {
	cmd := []string{c.Program}
	cmd = append(cmd, c.Args...)
	cmd = append(cmd, root)
	return append(cmd, argv...)
}

// Fake runs commands through the harness's chroot-tool look-alike.
type Fake struct {
	Style   string
	Program string
	Flags   []string
	Version string
}

func (f Fake) Name() string {
	if f.Version != "" {
		return f.Style + "-" + f.Version
	}
	return f.Style
}

func (f Fake) Command(root string, argv []string) []string {
	cmd := []string{f.Program, FakeChrootCommand, "--style", f.Style, "--root", root}
	if f.Version != "" {
		cmd = append(cmd, "--tool-version", f.Version)
	}
	cmd = append(cmd, f.Flags...)
	cmd = append(cmd, "--")
	return append(cmd, argv...)
}

// Template runs commands through an arbitrary program.
type Template struct {
	Program string
	Args    []string
}

func (t Template) Name() string { return t.Program }

func (t Template) Command(root string, argv []string) []string {
	cmd := []string{t.Program}
	for _, arg := range t.Args {
		cmd = append(cmd, strings.ReplaceAll(arg, RootPlaceholder, root))
	}
	return append(cmd, argv...)
}
