//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package proc

import "fmt"

func signalName(sig int) string {
	return fmt.Sprintf("signal %d", sig)
}

// SignalByName is not supported on this platform.
func SignalByName(name string) int {
	return 0
}
