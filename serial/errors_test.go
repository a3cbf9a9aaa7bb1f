//go:build unix

package serial

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantTimeout  bool
		wantVanished bool
		wantBusy     bool
		wantNotFound bool
	}{
		{name: "nil", err: nil},
		{name: "read timeout", err: ErrReadTimeout, wantTimeout: true},
		{name: "wrapped read timeout", err: fmt.Errorf("read: %w", ErrReadTimeout), wantTimeout: true},
		{name: "eof", err: io.EOF, wantVanished: true},
		{name: "port closed", err: ErrPortClosed, wantVanished: true},
		{name: "eio", err: unix.EIO, wantVanished: true},
		{name: "enxio", err: fmt.Errorf("read /dev/ttyUSB0: %w", unix.ENXIO), wantVanished: true},
		{name: "enodev", err: unix.ENODEV, wantVanished: true},
		{name: "ebadf", err: unix.EBADF, wantVanished: true},
		{name: "ebusy", err: unix.EBUSY, wantBusy: true},
		{name: "eacces", err: unix.EACCES, wantBusy: true},
		{name: "eperm", err: unix.EPERM, wantBusy: true},
		{name: "enoent", err: fmt.Errorf("failed to open COM9: %w", unix.ENOENT), wantNotFound: true},
		{name: "not exist", err: fs.ErrNotExist, wantNotFound: true},
		{name: "other", err: errors.New("framing error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.wantTimeout {
				t.Errorf("IsTimeout() = %v, want %v", got, tt.wantTimeout)
			}
			if got := IsVanished(tt.err); got != tt.wantVanished {
				t.Errorf("IsVanished() = %v, want %v", got, tt.wantVanished)
			}
			if got := IsBusy(tt.err); got != tt.wantBusy {
				t.Errorf("IsBusy() = %v, want %v", got, tt.wantBusy)
			}
			if got := IsNotFound(tt.err); got != tt.wantNotFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.wantNotFound)
			}
		})
	}
}

func TestOpenFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: unix.ENOENT, want: "device not found"},
		{err: unix.EACCES, want: "permission denied"},
		{err: unix.EBUSY, want: "port busy"},
		{err: errors.New("boom"), want: "boom"},
	}

	for _, tt := range tests {
		if got := OpenFailureReason(tt.err); got != tt.want {
			t.Errorf("OpenFailureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
