//go:build linux

package netpoll

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

func listen(t *testing.T) *Listener {
	t.Helper()
	l, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func acceptWithin(t *testing.T, fd int) *Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := Accept(fd)
		if err == nil {
			t.Cleanup(func() { c.Close() })
			return c
		}
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("Accept: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no connection accepted")
	return nil
}

func TestListenEphemeralPort(t *testing.T) {
	t.Parallel()
	l := listen(t)
	if l.Port() == 0 {
		t.Fatal("expected a bound port")
	}
	if l.Fd() < 0 {
		t.Fatalf("fd = %d", l.Fd())
	}
}

func TestListenPortInUse(t *testing.T) {
	t.Parallel()
	l := listen(t)

	_, err := Listen(l.Port(), nil)
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("got %v, want *BindError", err)
	}
	if bindErr.Port != l.Port() {
		t.Errorf("port = %d, want %d", bindErr.Port, l.Port())
	}
}

func TestListenerCloseIdempotent(t *testing.T) {
	t.Parallel()
	l, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestAcceptWouldBlock(t *testing.T) {
	t.Parallel()
	l := listen(t)
	if _, err := Accept(l.Fd()); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("got %v, want ErrWouldBlock", err)
	}
}

func TestConnReadWrite(t *testing.T) {
	t.Parallel()
	l := listen(t)
	client := dial(t, l.Port())
	c := acceptWithin(t, l.Fd())

	if c.Peer() == "" || c.Peer() == "unknown" {
		t.Errorf("peer = %q", c.Peer())
	}

	buf := make([]byte, 64)
	if _, err := c.Read(buf); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("empty read: got %v, want ErrWouldBlock", err)
	}

	if _, err := client.Write([]byte("OPTIONS * RTSP/1.0\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 20 && time.Now().Before(deadline) {
		n, err := c.Read(buf)
		if errors.Is(err, ErrWouldBlock) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "OPTIONS * RTSP/1.0\r\n" {
		t.Fatalf("read %q", got)
	}

	n, err := c.Write([]byte("RTSP/1.0 200 OK\r\n"))
	if err != nil || n != 17 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 17)
	if _, err := client.Read(reply); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(reply) != "RTSP/1.0 200 OK\r\n" {
		t.Errorf("reply = %q", reply)
	}
}

func TestConnClosed(t *testing.T) {
	t.Parallel()
	l := listen(t)
	dial(t, l.Port())
	c := acceptWithin(t, l.Fd())

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.Read(make([]byte, 4)); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after close: got %v, want ErrClosed", err)
	}
	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close: got %v, want ErrClosed", err)
	}
}

func TestPollerReadableAndHangup(t *testing.T) {
	t.Parallel()
	l := listen(t)
	p, err := NewPoller(8)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	if err := p.Add(l.Fd(), Readable|EdgeTriggered); err != nil {
		t.Fatalf("Add listener: %v", err)
	}

	client := dial(t, l.Port())
	ready := waitFor(t, p, l.Fd(), Readable)
	if ready.Fd != l.Fd() {
		t.Fatalf("fd = %d, want %d", ready.Fd, l.Fd())
	}

	c := acceptWithin(t, l.Fd())
	if err := p.Add(c.Fd(), Readable|Writable|Hangup|EdgeTriggered); err != nil {
		t.Fatalf("Add conn: %v", err)
	}
	waitFor(t, p, c.Fd(), Writable)

	client.Close()
	waitFor(t, p, c.Fd(), Hangup)

	if err := p.Remove(c.Fd()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	var pollErr *PollError
	if err := p.Remove(c.Fd()); !errors.As(err, &pollErr) {
		t.Errorf("second Remove: got %v, want *PollError", err)
	}
}

func TestPollerTimeout(t *testing.T) {
	t.Parallel()
	p, err := NewPoller(0)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	start := time.Now()
	ready, err := p.Wait(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("got %d ready, want 0", len(ready))
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Errorf("Wait returned before the timeout")
	}
}

func TestInterestRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   Interest
		want Interest
	}{
		{Readable, Readable},
		{Writable, Writable},
		{Hangup, Hangup},
		{Readable | Writable | Hangup, Readable | Writable | Hangup},
		{Readable | EdgeTriggered, Readable},
	}
	for _, tt := range tests {
		if got := fromEpoll(toEpoll(tt.in)); got != tt.want {
			t.Errorf("round trip %b: got %b, want %b", tt.in, got, tt.want)
		}
	}
}

func waitFor(t *testing.T, p *Poller, fd int, want Interest) Ready {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ready, err := p.Wait(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		for _, r := range ready {
			if r.Fd == fd && r.Has(want) {
				return r
			}
		}
	}
	t.Fatalf("fd %d never reported %b", fd, want)
	return Ready{}
}
