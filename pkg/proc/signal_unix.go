//go:build linux || darwin || freebsd || netbsd || openbsd

package proc

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalName returns the symbolic name of a signal number, for logs and
// error messages.
func signalName(sig int) string {
	if name := unix.SignalName(syscall.Signal(sig)); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", sig)
}

// SignalByName returns the signal number for a symbolic name like
// "SIGUSR1", or 0 if the name is unknown.
func SignalByName(name string) int {
	return int(unix.SignalNum(name))
}
