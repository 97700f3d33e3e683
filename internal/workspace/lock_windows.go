//go:build windows

package workspace

import "golang.org/x/sys/windows"

// processAlive reports whether pid names a live process on this host by
// attempting to open a query handle, matching
// original_source/vex/workspace.py's _is_process_alive Windows branch
// (ctypes OpenProcess).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	const stillActive = 259
	return exitCode == stillActive
}
