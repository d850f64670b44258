package launcher

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var signalsByName = map[string]syscall.Signal{
	"TERM": syscall.SIGTERM,
	"INT":  syscall.SIGINT,
	"KILL": syscall.SIGKILL,
	"HUP":  syscall.SIGHUP,
	"QUIT": syscall.SIGQUIT,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// ParseSignal accepts TERM, SIGTERM, term or a decimal signal number. An
// empty name means TERM.
func ParseSignal(name string) (os.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return syscall.SIGTERM, nil
	}
	if n, err := strconv.Atoi(name); err == nil {
		if n <= 0 {
			return nil, fmt.Errorf("invalid signal number %d", n)
		}
		return syscall.Signal(n), nil
	}
	if sig, ok := signalsByName[strings.TrimPrefix(name, "SIG")]; ok {
		return sig, nil
	}
	return nil, fmt.Errorf("unsupported signal %q", name)
}
