package netpoll

import (
	"errors"
	"fmt"
)

// ErrWouldBlock is returned by Accept and Conn.Read when the operation would
// block on a non-blocking descriptor.
var ErrWouldBlock = errors.New("netpoll: operation would block")

// ErrClosed is returned when operating on a closed descriptor.
var ErrClosed = errors.New("netpoll: use of closed descriptor")

// SocketError reports a failed socket system call while creating or
// configuring the listening socket.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("netpoll: %s failed: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// BindError reports a failure to bind the listening socket to its port.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("netpoll: bind 0.0.0.0:%d failed: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// PollError reports a failed epoll system call.
type PollError struct {
	Op  string
	Err error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("netpoll: %s failed: %v", e.Op, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}
