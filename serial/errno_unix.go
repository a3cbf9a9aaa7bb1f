//go:build unix

package serial

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isVanishedErrno(err error) bool {
	return errors.Is(err, unix.EIO) ||
		errors.Is(err, unix.ENXIO) ||
		errors.Is(err, unix.ENODEV) ||
		errors.Is(err, unix.EBADF)
}

func isBusyErrno(err error) bool {
	return errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.EACCES) ||
		errors.Is(err, unix.EPERM)
}
