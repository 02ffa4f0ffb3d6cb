package app

import (
	"errors"
	"syscall"
)

// Syncing a logger that writes to a terminal or pipe fails with EINVAL or
// ENOTTY; there is nothing to flush in that case.
func isStdSyncErr(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF)
}
