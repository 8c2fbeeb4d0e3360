// Package fakechroot imitates how chroot tools prepare a session before
// running a command: a private mount namespace, /proc, and a /dev/pts
// that is either the host's (schroot) or a new devpts instance
// (pbuilder). It then chroots into the root and execs the command.
package fakechroot

import "fmt"

// Style selects which tool to imitate.
type Style string

const (
	StyleSchroot  Style = "schroot"
	StylePbuilder Style = "pbuilder"
)

// ParseStyle validates a style name.
func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case StyleSchroot, StylePbuilder:
		return Style(s), nil
	default:
		return "", fmt.Errorf("unknown chroot style %q (want schroot or pbuilder)", s)
	}
}

// Options describes one session.
type Options struct {
	Style Style
	Root  string

	// ToolVersion is exported to the session as ROOTCHECK_TOOL_VERSION.
	ToolVersion string

	// BindPtmx bind-mounts dev/pts/ptmx over dev/ptmx, as pbuilder does
	// when the root's ptmx is a plain device node.
	BindPtmx bool

	// NoProc skips mounting /proc.
	NoProc bool

	Argv []string
}

// MountStep is one mount performed before the chroot. Target is relative
// to the root.
type MountStep struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
}

func (m MountStep) String() string {
	if m.FSType == "" {
		return fmt.Sprintf("bind %s -> %s", m.Source, m.Target)
	}
	if m.Data == "" {
		return fmt.Sprintf("%s on %s", m.FSType, m.Target)
	}
	return fmt.Sprintf("%s on %s (%s)", m.FSType, m.Target, m.Data)
}
