package serial

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"go.bug.st/serial"
)

var (
	// ErrReadTimeout is returned by Read when no data arrived within the read timeout
	ErrReadTimeout = errors.New("read timeout")

	// ErrPortClosed is returned when using a port after Close
	ErrPortClosed = errors.New("port closed")
)

func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		return pe.Code(), true
	}
	return 0, false
}

// IsTimeout reports whether err is a read timeout that should simply be retried
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrReadTimeout) || errors.Is(err, os.ErrDeadlineExceeded)
}

// IsVanished reports whether err means the device is gone (unplugged, handle
// closed underneath the reader, or the driver reporting an I/O failure).
func IsVanished(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, ErrPortClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		}
	}
	return isVanishedErrno(err)
}

// IsBusy reports whether an open failed because the port is held by another
// process or the caller lacks permission.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortBusy, serial.PermissionDenied:
			return true
		}
	}
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	return isBusyErrno(err)
}

// IsNotFound reports whether an open failed because the device does not exist
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := portErrorCode(err); ok && code == serial.PortNotFound {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// OpenFailureReason maps an open error to a short human readable reason
func OpenFailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "device not found"
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	}

	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PermissionDenied:
			return "permission denied"
		case serial.PortBusy:
			return "port busy"
		case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
			return "unsupported port settings"
		}
	}

	if IsBusy(err) {
		return "port busy"
	}
	return err.Error()
}
