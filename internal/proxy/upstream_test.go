package proxy

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/drillsense/witsgate/internal/wits"
)

// fakeUpstream is a loopback TCP listener standing in for a WITS feed.
type fakeUpstream struct {
	t     *testing.T
	ln    net.Listener
	conns chan net.Conn
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	u := &fakeUpstream{t: t, ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			u.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return u
}

func (u *fakeUpstream) hostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(u.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// accept waits for the gateway to dial in.
func (u *fakeUpstream) accept() net.Conn {
	u.t.Helper()
	select {
	case conn := <-u.conns:
		u.t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		u.t.Fatal("timed out waiting for upstream connection")
		return nil
	}
}

// deadPort returns a loopback port with nothing listening on it.
func deadPort(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func testSessionConfig(host string, port int, delim []byte) SessionConfig {
	return SessionConfig{
		Host:              host,
		Port:              port,
		Delimiter:         delim,
		Multiplexed:       true,
		BufferSize:        wits.DefaultBufferSize,
		SubscriberQueue:   64,
		WriteQueue:        16,
		DialTimeout:       2 * time.Second,
		SocketTimeout:     time.Minute,
		KeepaliveInterval: 30 * time.Second,
		MaxReconnects:     10,
	}
}

// nextEvent pulls one event or fails the test.
func nextEvent(t *testing.T, sub *Subscription, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// nextEventOfKind skips events until one of the wanted kind arrives.
func nextEventOfKind(t *testing.T, sub *Subscription, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for %v event", kind)
		}
		ev := nextEvent(t, sub, remaining)
		if ev.Kind == kind {
			return ev
		}
	}
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
