// Package netpoll wraps the Linux socket and epoll system calls used by the
// streaming reactor: a non-blocking listening socket, non-blocking client
// connections, and an edge-triggered readiness poller.
//
// Nothing in this package interprets the bytes it moves; protocol handling
// lives in [github.com/zsiec/framecast/internal/rtsp].
package netpoll
