package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/drillsense/witsgate/internal/monitoring"
	"github.com/drillsense/witsgate/internal/wits"
)

// SessionState tracks where an upstream session is in its lifecycle.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Errors surfaced by Publish. Both are transient: the caller reports them to
// its client and moves on, it does not tear anything down.
var (
	ErrNotWritable = errors.New("upstream socket is not writable")
	ErrQueueFull   = errors.New("upstream write queue is full")
)

const sessionWriteWait = 5 * time.Second

// SessionConfig carries everything a Session needs at construction.
type SessionConfig struct {
	Host        string
	Port        int
	Delimiter   []byte
	Multiplexed bool

	BufferSize        int           // framer carry-over cap
	SubscriberQueue   int           // per-subscriber event queue length
	WriteQueue        int           // client→upstream publish queue length
	DialTimeout       time.Duration
	SocketTimeout     time.Duration
	KeepaliveInterval time.Duration
	MaxReconnects     int
}

// Session owns one upstream TCP connection and fans framed records out to
// its subscribers. A single run goroutine drives the state machine
// (idle → connecting → connected → reconnecting → connecting → …, terminal
// closed) and is the only emitter of events, so per-subscriber ordering
// matches the upstream byte stream by construction.
type Session struct {
	cfg         SessionConfig
	key         string
	logger      zerolog.Logger
	framer      *wits.Framer
	reconnector *Reconnector

	mu   sync.Mutex
	subs map[string]*Subscription
	conn net.Conn

	state        atomic.Int32
	started      atomic.Bool
	lastActivity atomic.Int64
	overflowMark int64

	writeCh      chan []byte
	reconnectNow chan struct{}
	retryFired   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession constructs an unstarted session. Subscribe at least once, then
// Start.
func NewSession(cfg SessionConfig, logger zerolog.Logger) *Session {
	key := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:          cfg,
		key:          key,
		logger:       logger.With().Str("component", "tcp_session").Str("upstream", key).Logger(),
		reconnector:  NewReconnector(cfg.MaxReconnects),
		subs:         make(map[string]*Subscription),
		writeCh:      make(chan []byte, cfg.WriteQueue),
		reconnectNow: make(chan struct{}, 1),
		retryFired:   make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.framer = wits.NewFramer(cfg.Delimiter, cfg.BufferSize, s.logger)
	s.state.Store(int32(StateIdle))
	return s
}

// Key returns the upstream "host:port" identity of the session.
func (s *Session) Key() string { return s.key }

// Host returns the upstream host.
func (s *Session) Host() string { return s.cfg.Host }

// Port returns the upstream port.
func (s *Session) Port() int { return s.cfg.Port }

// Delimiter returns the record delimiter negotiated for this upstream.
func (s *Session) Delimiter() []byte { return s.cfg.Delimiter }

// Multiplexed reports whether this session is shared between clients.
func (s *Session) Multiplexed() bool { return s.cfg.Multiplexed }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Subscribe adds a subscriber and returns its receive handle. Safe to call
// concurrently with the run loop; the new subscriber sees events from the
// next emit onward — buffered, not-yet-framed upstream bytes are never
// replayed.
func (s *Session) Subscribe(id string) *Subscription {
	sub := &Subscription{
		id: id,
		ch: make(chan Event, s.cfg.SubscriberQueue),
	}
	s.mu.Lock()
	s.subs[id] = sub
	n := len(s.subs)
	s.mu.Unlock()
	s.logger.Debug().Str("subscriber", id).Int("subscribers", n).Msg("Subscriber attached")
	return sub
}

// Unsubscribe removes a subscriber and returns how many remain.
func (s *Session) Unsubscribe(id string) int {
	s.mu.Lock()
	delete(s.subs, id)
	n := len(s.subs)
	s.mu.Unlock()
	s.logger.Debug().Str("subscriber", id).Int("subscribers", n).Msg("Subscriber detached")
	return n
}

// SubscriberCount returns the current subscriber set size.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish enqueues bytes for transmission to the upstream. It never blocks:
// callers get ErrNotWritable when the socket is down and ErrQueueFull when
// the write queue is saturated.
func (s *Session) Publish(data []byte) error {
	if s.State() != StateConnected {
		return ErrNotWritable
	}
	select {
	case s.writeCh <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// ForceReconnect drops the current socket (if any) and wakes a session that
// is waiting out a backoff delay or sitting in the terminal closed state.
func (s *Session) ForceReconnect() {
	select {
	case s.reconnectNow <- struct{}{}:
	default:
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// Start launches the run loop. Call exactly once.
func (s *Session) Start() {
	s.started.Store(true)
	monitoring.UpstreamsActive.Inc()
	go s.run()
}

// Close tears the session down and, if it was started, waits for the run
// loop to exit.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	if s.started.Load() {
		<-s.done
	}
}

// Done is closed when the run loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// run drives the connect/read/reconnect state machine. It is the sole
// emitter of subscriber events and the sole writer of session state.
func (s *Session) run() {
	defer monitoring.RecoverPanic(s.logger, "session_run", map[string]any{"upstream": s.key})
	defer func() {
		s.reconnector.Cancel()
		s.setState(StateClosed)
		monitoring.UpstreamsActive.Dec()
		s.mu.Lock()
		for id, sub := range s.subs {
			close(sub.ch)
			delete(s.subs, id)
		}
		s.mu.Unlock()
		close(s.done)
		s.logger.Info().Msg("Upstream session stopped")
	}()

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		conn, err := s.dial()
		if err == nil {
			attempt = 0
			served := s.serveConn(conn)
			if !served {
				return // context cancelled
			}
			s.emit(Event{Kind: EventDisconnected})
			s.setState(StateReconnecting)
		} else {
			s.logger.Warn().Err(err).Msg("Upstream connect failed")
			s.setState(StateReconnecting)
		}

		attempt++
		// Drain a stale wakeup from a timer that fired after being
		// replaced, so it cannot short-circuit this delay.
		select {
		case <-s.retryFired:
		default:
		}
		delay, serr := s.reconnector.Schedule(attempt, s.signalRetry)
		if serr != nil {
			monitoring.UpstreamFailures.Inc()
			s.logger.Error().
				Int("attempts", attempt-1).
				Msg("Upstream reconnect attempts exhausted")
			s.emit(Event{
				Kind: EventFatal,
				Err:  fmt.Errorf("upstream %s unreachable after %d attempts: %w", s.key, attempt-1, ErrAttemptsExhausted),
			})
			s.setState(StateClosed)
			// Stay parked until a client explicitly asks for a reconnect
			// or the session is torn down.
			select {
			case <-s.reconnectNow:
				attempt = 0
				continue
			case <-s.ctx.Done():
				return
			}
		}

		monitoring.ReconnectAttempts.Inc()
		s.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", s.reconnector.MaxAttempts()).
			Dur("delay", delay).
			Msg("Scheduling upstream reconnect")
		s.emit(Event{
			Kind:        EventReconnecting,
			Attempt:     attempt,
			MaxAttempts: s.reconnector.MaxAttempts(),
			Delay:       delay,
		})

		select {
		case <-s.retryFired:
		case <-s.reconnectNow:
			s.reconnector.Cancel()
			attempt = 0
		case <-s.ctx.Done():
			s.reconnector.Cancel()
			return
		}
	}
}

func (s *Session) signalRetry() {
	select {
	case s.retryFired <- struct{}{}:
	default:
	}
}

// dial opens and tunes the upstream socket: bounded connect, keep-alive on,
// Nagle off.
func (s *Session) dial() (net.Conn, error) {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(s.ctx, "tcp", s.key)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(s.cfg.KeepaliveInterval)
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

// serveConn owns one connected epoch: announces the connection, runs the
// writer, and pumps upstream bytes through the framer until the socket
// errors. Returns false when the session context was cancelled.
func (s *Session) serveConn(conn net.Conn) bool {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateConnected)
	s.framer.Reset()
	s.touch()
	s.logger.Info().Msg("Upstream connected")
	s.emit(Event{
		Kind:        EventConnected,
		Host:        s.cfg.Host,
		Port:        s.cfg.Port,
		Multiplexed: s.cfg.Multiplexed,
	})

	// Noralis endpoints expect a CRLF handshake before they start
	// streaming; written on every (re)connect.
	if bytes.Equal(s.cfg.Delimiter, wits.DelimiterCRLF) {
		conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
		if _, err := conn.Write(wits.DelimiterCRLF); err != nil {
			s.logger.Warn().Err(err).Msg("Noralis handshake write failed")
		}
		conn.SetWriteDeadline(time.Time{})
	}

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go s.writeLoop(conn, stop, writerDone)

	err := s.readLoop(conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	conn.Close()
	close(stop)
	<-writerDone

	if s.ctx.Err() != nil {
		return false
	}
	s.logger.Warn().Err(err).Msg("Upstream connection lost")
	return true
}

// readLoop reads upstream bytes, frames them, and fans records out. Each
// read is bounded by the idle socket timeout; expiry counts as an error and
// triggers the reconnect path.
func (s *Session) readLoop(conn net.Conn) error {
	buf := make([]byte, 4096)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.SocketTimeout)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if n > 0 {
			s.touch()
			monitoring.BytesFromUpstream.Add(float64(n))
			records := s.framer.Feed(buf[:n])
			if ov := s.framer.Overflows(); ov > s.overflowMark {
				monitoring.FramerOverflows.Add(float64(ov - s.overflowMark))
				s.overflowMark = ov
			}
			for _, rec := range records {
				monitoring.RecordsForwarded.Inc()
				s.emit(Event{Kind: EventRecord, Record: rec})
			}
		}
		if err != nil {
			return err
		}
	}
}

// writeLoop drains the publish queue into the socket for one connected
// epoch. A write failure closes the socket, which surfaces in readLoop and
// drives the shared reconnect path.
func (s *Session) writeLoop(conn net.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer monitoring.RecoverPanic(s.logger, "session_write", map[string]any{"upstream": s.key})
	defer close(done)
	for {
		select {
		case data := <-s.writeCh:
			conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if _, err := conn.Write(data); err != nil {
				s.logger.Warn().Err(err).Msg("Upstream write failed")
				conn.Close()
				return
			}
			monitoring.BytesToUpstream.Add(float64(len(data)))
		case <-stop:
			return
		}
	}
}

// emit delivers an event to every subscriber without ever blocking the read
// loop. A subscriber whose queue is full is dropped on the spot: its channel
// is closed and the owning client treats that as a disconnect. Other
// subscribers are unaffected.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	var overflowed []*Subscription
	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Store(true)
			delete(s.subs, id)
			overflowed = append(overflowed, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range overflowed {
		close(sub.ch)
		monitoring.SlowClientsDisconnected.Inc()
		s.logger.Warn().
			Str("subscriber", sub.id).
			Int("queue_cap", cap(sub.ch)).
			Msg("Subscriber queue overflow, dropping subscriber")
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last byte received from upstream.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}
