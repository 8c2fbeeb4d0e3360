package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/rootcheck/internal/fakechroot"
	"github.com/roach88/rootcheck/internal/wrapper"
)

// FakeChrootOptions holds flags for the fake-chroot command.
type FakeChrootOptions struct {
	*RootOptions
	Style       string
	Root        string
	ToolVersion string
	BindPtmx    bool
	NoProc      bool
}

// NewFakeChrootCommand creates the hidden command behind the schroot and
// pbuilder wrappers.
func NewFakeChrootCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FakeChrootOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   wrapper.FakeChrootCommand + " --style STYLE --root ROOT -- COMMAND [ARG]...",
		Short: "Run a command in a root the way schroot or pbuilder would",
		Long: `Run a command inside ROOT after preparing /dev/pts the way the named
chroot tool does: schroot bind-mounts the host /dev/pts, pbuilder mounts
a new devpts instance. Mounts happen in a private mount namespace and
disappear when the command exits. Requires root.`,
		Hidden:        true,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFakeChroot(opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Style, "style", "", "chroot tool to imitate (schroot|pbuilder)")
	cmd.Flags().StringVar(&opts.Root, "root", "", "root directory to enter")
	cmd.Flags().StringVar(&opts.ToolVersion, "tool-version", "", "tool version exported to the session")
	cmd.Flags().BoolVar(&opts.BindPtmx, "bind-ptmx", false, "bind dev/pts/ptmx over dev/ptmx")
	cmd.Flags().BoolVar(&opts.NoProc, "no-proc", false, "do not mount /proc")
	_ = cmd.MarkFlagRequired("style")
	_ = cmd.MarkFlagRequired("root")

	return cmd
}

func runFakeChroot(opts *FakeChrootOptions, argv []string) error {
	style, err := fakechroot.ParseStyle(opts.Style)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --style", err)
	}

	logger := newLogger(os.Stderr, opts.Verbose)
	err = fakechroot.Exec(fakechroot.Options{
		Style:       style,
		Root:        opts.Root,
		ToolVersion: opts.ToolVersion,
		BindPtmx:    opts.BindPtmx,
		NoProc:      opts.NoProc,
		Argv:        argv,
	}, logger)
	// Exec only returns on failure.
	return WrapExitError(ExitCommandError, "fake chroot session failed", err)
}
