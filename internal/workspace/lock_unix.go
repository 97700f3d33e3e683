//go:build !windows

package workspace

import "golang.org/x/sys/unix"

// processAlive reports whether pid names a live process on this host, using
// signal 0 which the kernel delivers no-op but still validates the target
// (unlike a bare os.FindProcess, which never fails on POSIX). Grounded on
// original_source/vex/workspace.py's _is_process_alive POSIX branch
// (os.kill(pid, 0)).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM // exists but owned by another user
}
