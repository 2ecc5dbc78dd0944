//go:build windows

package supervisor

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// KillTree terminates pid and every descendant. Direct children are
// enumerated from a toolhelp snapshot and their trees killed first, then
// the root, forcefully. Idempotent; an already-gone root is success.
func KillTree(pid int) error {
	children, err := childPids(uint32(pid))
	if err == nil {
		for _, child := range children {
			KillTree(int(child))
		}
	}
	return terminate(uint32(pid))
}

func childPids(parent uint32) ([]uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, err
	}

	var out []uint32
	for {
		if entry.ParentProcessID == parent {
			out = append(out, entry.ProcessID)
		}
		if err := windows.Process32Next(snap, &entry); err != nil {
			return out, nil
		}
	}
}

func terminate(pid uint32) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, pid)
	if err != nil {
		// Already exited, or never ours to begin with.
		return nil
	}
	defer windows.CloseHandle(h)
	windows.TerminateProcess(h, 1)
	return nil
}
