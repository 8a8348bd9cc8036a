package ctlfs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error is a failure visible to the client as an errno.
type Error struct {
	Op    string
	Errno unix.Errno
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, unix.ErrnoName(e.Errno), e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, unix.ErrnoName(e.Errno))
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, errno unix.Errno, err error) *Error {
	return &Error{Op: op, Errno: errno, Err: err}
}

// Errno maps err to a wire status. nil is 0; errors that are not an *Error
// become EIO.
func Errno(err error) uint32 {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return uint32(e.Errno)
	}
	return uint32(unix.EIO)
}
