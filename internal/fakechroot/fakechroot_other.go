//go:build !linux

package fakechroot

import (
	"errors"
	"log/slog"
)

var errUnsupported = errors.New("fake chroot sessions need linux mount namespaces")

// Plan is only available on linux.
func Plan(Options) ([]MountStep, error) {
	return nil, errUnsupported
}

// Exec is only available on linux.
func Exec(Options, *slog.Logger) error {
	return errUnsupported
}
