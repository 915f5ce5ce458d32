package activation

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor passed by systemd (after stdin, stdout, stderr)
const firstFD = 3

// activatedFDs returns how many sockets systemd passed to this process.
// Zero means the process was not socket activated.
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: negative count", fdsStr)
	}
	return n, nil
}

// Listeners returns the sockets passed by systemd socket activation, or nil when
// the process was not activated. The activation environment is cleared so child
// processes don't inherit it.
func Listeners() ([]net.Listener, error) {
	n, err := activatedFDs()
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		l, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, l)
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listen returns the first socket-activated listener when there is one, and a
// TCP listener on addr otherwise. Extra activated sockets are closed.
func Listen(addr string, logger *slog.Logger) (net.Listener, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		if len(listeners) > 1 {
			logger.Warn("ignoring extra activated sockets", "count", len(listeners)-1)
			closeAll(listeners[1:])
		}
		logger.Info("using socket-activated listener", "addr", listeners[0].Addr().String())
		return listeners[0], nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
