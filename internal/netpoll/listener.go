//go:build linux

package netpoll

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Listener owns a bound, listening, non-blocking IPv4 stream socket.
type Listener struct {
	log  *slog.Logger
	fd   int
	port int

	closeOnce sync.Once
}

// Listen creates a TCP socket with SO_REUSEADDR, binds it to 0.0.0.0:port,
// makes it non-blocking and starts listening with the system's maximum
// backlog. Port 0 binds an ephemeral port; Port reports the one chosen.
// On failure the partially created socket is closed before returning a
// *SocketError or *BindError. If log is nil, slog.Default() is used.
func Listen(port int, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &SocketError{Op: "socket", Err: err}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, &SocketError{Op: "setsockopt SO_REUSEADDR", Err: err}
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, &BindError{Port: port, Err: err}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, &SocketError{Op: "fcntl O_NONBLOCK", Err: err}
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, &SocketError{Op: "listen", Err: err}
	}

	bound := port
	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			bound = in4.Port
		}
	}

	l := &Listener{
		log:  log.With("component", "listener"),
		fd:   fd,
		port: bound,
	}
	l.log.Info("listening", "port", bound)
	return l, nil
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int { return l.fd }

// Port returns the bound TCP port.
func (l *Listener) Port() int { return l.port }

// Close closes the listening socket. It is safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = unix.Close(l.fd)
		l.log.Info("stopped listening", "port", l.port)
	})
	return err
}
