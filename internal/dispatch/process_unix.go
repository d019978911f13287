//go:build unix

package dispatch

import (
	"errors"
	"syscall"
)

// processAlive sends signal 0 to pid. EPERM means the process exists
// under another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || !errors.Is(err, syscall.ESRCH)
}
