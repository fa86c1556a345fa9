//go:build linux

package netpoll

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Conn is an accepted, non-blocking client connection.
type Conn struct {
	fd     int
	peer   string
	closed bool
}

// Accept accepts one pending connection on the listening descriptor fd.
// The returned connection is non-blocking and close-on-exec. ErrWouldBlock
// is returned when no connection is pending.
func Accept(fd int) (*Conn, error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			return &Conn{fd: nfd, peer: sockaddrString(sa)}, nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, ErrWouldBlock
		default:
			return nil, &SocketError{Op: "accept4", Err: err}
		}
	}
}

// Fd returns the connection descriptor.
func (c *Conn) Fd() int { return c.fd }

// Peer returns the remote address as ip:port.
func (c *Conn) Peer() string { return c.peer }

// Read reads into p. It returns ErrWouldBlock when no data is available and
// (0, nil) when the peer has shut down its side of the connection.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

// Write writes as much of p as the socket accepts without blocking. A short
// count with a nil error means the send buffer is full.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(c.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		default:
			return 0, err
		}
	}
}

// Close closes the descriptor. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	default:
		return "unknown"
	}
}
