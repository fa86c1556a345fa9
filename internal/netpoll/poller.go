//go:build linux

package netpoll

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is a set of readiness conditions.
type Interest uint32

// Readiness conditions. Hangup covers peer half-close, full hangup and
// socket errors.
const (
	Readable Interest = 1 << iota
	Writable
	Hangup
	EdgeTriggered
)

// Ready is one descriptor reported ready by Wait.
type Ready struct {
	Fd     int
	Events Interest
}

// Has reports whether all bits of i are set.
func (r Ready) Has(i Interest) bool {
	return r.Events&i == i
}

// Poller is an epoll instance. It is not safe for concurrent use except
// for Close.
type Poller struct {
	fd     int
	events []unix.EpollEvent
	ready  []Ready

	closeOnce sync.Once
}

// NewPoller creates an epoll instance that reports at most maxEvents
// descriptors per Wait.
func NewPoller(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 32
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &PollError{Op: "epoll_create1", Err: err}
	}
	return &Poller{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Ready, 0, maxEvents),
	}, nil
}

// Add registers fd for the given readiness conditions.
func (p *Poller) Add(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return &PollError{Op: "epoll_ctl add", Err: err}
	}
	return nil
}

// Remove deregisters fd.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return &PollError{Op: "epoll_ctl del", Err: err}
	}
	return nil
}

// Wait blocks for at most timeout and returns the descriptors that became
// ready. The returned slice is reused by the next call. An interrupted wait
// returns an empty batch.
func (p *Poller) Wait(timeout time.Duration) ([]Ready, error) {
	n, err := unix.EpollWait(p.fd, p.events, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return p.ready[:0], nil
		}
		return nil, &PollError{Op: "epoll_wait", Err: err}
	}

	p.ready = p.ready[:0]
	for _, ev := range p.events[:n] {
		p.ready = append(p.ready, Ready{Fd: int(ev.Fd), Events: fromEpoll(ev.Events)})
	}
	return p.ready, nil
}

// Close closes the epoll instance. It is safe to call more than once.
func (p *Poller) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = unix.Close(p.fd)
	})
	return err
}

func toEpoll(i Interest) uint32 {
	var ev uint32
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if i&Hangup != 0 {
		ev |= unix.EPOLLRDHUP | unix.EPOLLHUP
	}
	if i&EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	return ev
}

func fromEpoll(ev uint32) Interest {
	var i Interest
	if ev&unix.EPOLLIN != 0 {
		i |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		i |= Writable
	}
	if ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		i |= Hangup
	}
	return i
}
