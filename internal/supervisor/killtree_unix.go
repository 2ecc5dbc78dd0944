//go:build unix

package supervisor

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// killGrace is the window between the group SIGTERM and the SIGKILL.
const killGrace = 100 * time.Millisecond

func sysProcAttr() *syscall.SysProcAttr {
	// Own process group so the whole tree is signalable at once.
	return &syscall.SysProcAttr{Setpgid: true}
}

// KillTree terminates pid and every descendant: SIGTERM to the process
// group, a short grace, then SIGKILL to the group. When the group signal
// fails (root is not a group leader) the root pid is signalled directly.
// Idempotent; an already-gone root is success.
func KillTree(pid int) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return signalDirect(pid)
	}

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return signalDirect(pid)
	}
	time.Sleep(killGrace)
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return signalDirect(pid)
	}
	return nil
}

func signalDirect(pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	time.Sleep(killGrace)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
