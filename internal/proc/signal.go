package proc

import (
	"fmt"
	"strings"
	"syscall"
)

// ParseSignal converts a signal name such as "HUP" or "SIGUSR1" into its
// number. Names are case-insensitive and the SIG prefix is optional.
func ParseSignal(name string) (syscall.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return 0, fmt.Errorf("proc: empty signal name")
	}
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := signalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("proc: unknown signal %q", name)
	}
	return sig, nil
}
