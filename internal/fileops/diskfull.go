package fileops

import (
	"errors"
	"syscall"
)

// isDiskFull reports whether err ultimately wraps ENOSPC, the platform's
// out-of-space condition (spec.md §4.5).
func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
