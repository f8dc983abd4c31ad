package common

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNotFound is returned for unknown names and inodes.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned for every write-class operation.
	ErrUnsupported = errors.New("operation not supported on a read-only filesystem")

	// ErrTransient wraps a remote failure that survived every retry.
	ErrTransient = errors.New("remote call failed")

	// ErrStale marks an inode whose remote object disappeared from a
	// refreshed listing.
	ErrStale = errors.New("stale reference")

	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrBadHandle    = errors.New("unknown file handle")
)

// Errno maps an error onto the errno the kernel should see.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStale):
		return syscall.ENOENT
	case errors.Is(err, ErrUnsupported):
		return syscall.EROFS
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrBadHandle):
		return syscall.EBADF
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

// ReportError logs the formatted message with err appended and returns it.
func ReportError(format string, err error, args ...interface{}) string {
	allArgs := make([]interface{}, len(args)+1)
	copy(allArgs, args)
	allArgs[len(allArgs)-1] = err
	message := fmt.Sprintf(format+": %v", allArgs...)
	Logger.Error(message)
	return message
}
