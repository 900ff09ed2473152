package proxy

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/drillsense/witsgate/internal/config"
	"github.com/drillsense/witsgate/internal/monitoring"
)

const (
	// Time allowed to write a frame to the client before it is treated as
	// dead.
	clientWriteWait = 5 * time.Second

	// Frames beyond this are a protocol violation; dashboards send small
	// JSON control objects and short WITS commands.
	maxClientFrame = 1 << 20
)

// outFrame is one queued outbound WebSocket frame. The write pump is the
// only goroutine that touches the socket for writes.
type outFrame struct {
	op      ws.OpCode
	payload []byte
}

// controlMessage is the decoded shape of an inbound JSON control frame.
// Frames that do not decode to an object are relayed upstream verbatim.
type controlMessage struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	Timestamp int64  `json:"timestamp"`
}

// connectionStatus is the control vocabulary sent to clients.
type connectionStatus struct {
	Type        string `json:"type"`
	Status      string `json:"status,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Multiplexed *bool  `json:"multiplexed,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	Delay       int64  `json:"delay,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Client owns one WebSocket connection: the inbound reader, the outbound
// writer with the heartbeat ticker, and the subscription to its upstream
// session.
type Client struct {
	id      string
	conn    net.Conn
	logger  zerolog.Logger
	cfg     *config.Config
	reg     *Registry
	session *Session
	sub     *Subscription

	noralis bool
	version string
	delim   []byte

	send    chan outFrame
	alive   atomic.Bool
	limiter *rate.Limiter

	lastPingAt atomic.Int64

	createdAt time.Time
	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Client)
}

// newClient wires a freshly upgraded WebSocket to its upstream session.
func newClient(id string, conn net.Conn, cfg *config.Config, reg *Registry, sess *Session, sub *Subscription, noralis bool, version string, logger zerolog.Logger, onClose func(*Client)) *Client {
	return &Client{
		id:        id,
		conn:      conn,
		logger:    logger.With().Str("component", "client").Str("client_id", id).Str("upstream", sess.Key()).Logger(),
		cfg:       cfg,
		reg:       reg,
		session:   sess,
		sub:       sub,
		noralis:   noralis,
		version:   version,
		delim:     sess.Delimiter(),
		send:      make(chan outFrame, cfg.ClientQueueSize),
		limiter:   rate.NewLimiter(rate.Limit(cfg.ClientFrameRate), cfg.ClientFrameBurst),
		createdAt: time.Now(),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// start launches the read and write pumps. A client that joined an already
// live session gets the connection status immediately instead of waiting
// for the next state transition.
func (c *Client) start(joined bool) {
	if joined && c.session.State() == StateConnected {
		m := c.session.Multiplexed()
		c.enqueueJSON(connectionStatus{
			Type:        "connection",
			Status:      "connected",
			Host:        c.session.Host(),
			Port:        c.session.Port(),
			Multiplexed: &m,
		})
	}
	go c.writePump()
	go c.readPump()
}

// shutdown is the single teardown path for a client, whatever triggered it:
// read error, write error, liveness failure, queue overflow, or supervisor
// shutdown.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.reg.Detach(c.session, c.id)
		monitoring.ClientsActive.Dec()
		c.logger.Info().
			Dur("connected_for", time.Since(c.createdAt)).
			Msg("Client disconnected")
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// closeWith queues a close frame; the write pump sends it and exits.
func (c *Client) closeWith(status ws.StatusCode, reason string) {
	select {
	case c.send <- outFrame{op: ws.OpClose, payload: ws.NewCloseFrameBody(status, reason)}:
	default:
	}
}

// readPump consumes inbound WebSocket frames until the socket dies.
func (c *Client) readPump() {
	defer monitoring.RecoverPanic(c.logger, "client_read", map[string]any{"client_id": c.id})
	defer c.shutdown()

	for {
		hdr, rdr, err := wsutil.NextReader(c.conn, ws.StateServerSide)
		if err != nil {
			return
		}

		if hdr.OpCode.IsControl() {
			payload, rerr := io.ReadAll(rdr)
			if rerr != nil {
				return
			}
			switch hdr.OpCode {
			case ws.OpPing:
				c.enqueue(outFrame{op: ws.OpPong, payload: payload})
			case ws.OpPong:
				// Protocol-level pongs count for liveness just like
				// JSON pongs.
				c.markAlive()
			case ws.OpClose:
				return
			}
			continue
		}

		if hdr.Length > maxClientFrame {
			c.logger.Warn().Int64("frame_bytes", hdr.Length).Msg("Client frame too large")
			c.closeWith(ws.StatusMessageTooBig, "frame exceeds limit")
			return
		}

		payload, rerr := io.ReadAll(rdr)
		if rerr != nil {
			return
		}

		if !c.limiter.Allow() {
			monitoring.RateLimitedFrames.Inc()
			c.logger.Warn().Msg("Client frame rate limited")
			c.enqueueJSON(connectionStatus{Type: "error", Message: "too many messages, frame dropped"})
			continue
		}

		c.handleFrame(payload)
	}
}

// handleFrame dispatches one inbound data frame: JSON control objects are
// interpreted, everything else is relayed upstream with the session
// delimiter appended.
func (c *Client) handleFrame(payload []byte) {
	var ctl controlMessage
	if err := json.Unmarshal(payload, &ctl); err != nil {
		c.forwardUpstream(payload)
		return
	}

	switch {
	case ctl.Type == "ping":
		ts := ctl.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		c.enqueueJSON(connectionStatus{Type: "pong", Timestamp: ts})

	case ctl.Type == "pong":
		c.markAlive()

	case ctl.Command == "disconnect":
		c.logger.Info().Msg("Client requested disconnect")
		c.closeWith(ws.StatusNormalClosure, "client requested disconnect")

	case ctl.Command == "reconnect":
		c.logger.Info().Msg("Client requested upstream reconnect")
		c.session.ForceReconnect()

	case ctl.Command != "":
		// Unknown commands belong to the upstream's vocabulary, not
		// ours; relay the original JSON verbatim.
		c.forwardUpstream(payload)

	default:
		c.logger.Debug().
			Str("type", ctl.Type).
			Msg("Ignoring JSON frame with no command")
	}
}

// forwardUpstream relays client bytes to the upstream socket, delimiter
// appended. Publish failures are reported back to the client rather than
// dropped silently.
func (c *Client) forwardUpstream(payload []byte) {
	data := make([]byte, 0, len(payload)+len(c.delim))
	data = append(data, payload...)
	data = append(data, c.delim...)
	if err := c.session.Publish(data); err != nil {
		c.logger.Warn().Err(err).Msg("Upstream publish failed")
		c.enqueueJSON(connectionStatus{Type: "error", Message: "upstream not writable: " + err.Error()})
	}
}

// writePump owns all writes to the WebSocket: queued control frames,
// upstream session events, and the heartbeat ticker.
func (c *Client) writePump() {
	defer monitoring.RecoverPanic(c.logger, "client_write", map[string]any{"client_id": c.id})
	defer c.shutdown()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	missed := 0

	for {
		select {
		case <-c.done:
			return

		case f := <-c.send:
			if !c.writeFrame(f) {
				return
			}

		case ev, ok := <-c.sub.Events():
			if !ok {
				if c.sub.Dropped() {
					c.logger.Warn().Msg("Dropped by upstream session for slow consumption")
					c.writeFrame(outFrame{op: ws.OpClose, payload: ws.NewCloseFrameBody(ws.StatusPolicyViolation, "client too slow")})
				} else {
					c.writeFrame(outFrame{op: ws.OpClose, payload: ws.NewCloseFrameBody(ws.StatusGoingAway, "upstream session closed")})
				}
				return
			}
			if !c.writeEvent(ev) {
				return
			}

		case <-ticker.C:
			if c.alive.Swap(false) {
				missed = 0
			} else {
				missed++
				if missed >= c.cfg.MaxMissedPongs {
					monitoring.HeartbeatTimeouts.Inc()
					c.logger.Warn().
						Int("missed_pongs", missed).
						Msg("Client failed heartbeat, terminating")
					c.writeFrame(outFrame{op: ws.OpClose, payload: ws.NewCloseFrameBody(ws.StatusGoingAway, "heartbeat timeout")})
					return
				}
			}
			now := time.Now().UnixMilli()
			c.lastPingAt.Store(now)
			data, _ := json.Marshal(connectionStatus{Type: "ping", Timestamp: now})
			if !c.writeFrame(outFrame{op: ws.OpText, payload: data}) {
				return
			}
		}
	}
}

// writeEvent translates an upstream session event into its WebSocket form.
// Records go out verbatim as single messages; lifecycle events become JSON
// control objects.
func (c *Client) writeEvent(ev Event) bool {
	switch ev.Kind {
	case EventRecord:
		return c.writeFrame(outFrame{op: ws.OpText, payload: ev.Record})

	case EventConnected:
		m := ev.Multiplexed
		return c.writeJSON(connectionStatus{
			Type:        "connection",
			Status:      "connected",
			Host:        ev.Host,
			Port:        ev.Port,
			Multiplexed: &m,
		})

	case EventDisconnected:
		return c.writeJSON(connectionStatus{Type: "connection", Status: "disconnected"})

	case EventReconnecting:
		return c.writeJSON(connectionStatus{
			Type:        "connection",
			Status:      "reconnecting",
			Attempt:     ev.Attempt,
			MaxAttempts: ev.MaxAttempts,
			Delay:       ev.Delay.Milliseconds(),
		})

	case EventFatal:
		return c.writeJSON(connectionStatus{Type: "error", Message: ev.Err.Error()})

	default:
		return true
	}
}

func (c *Client) writeJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal control message")
		return true
	}
	return c.writeFrame(outFrame{op: ws.OpText, payload: data})
}

func (c *Client) writeFrame(f outFrame) bool {
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if f.op == ws.OpClose {
		ws.WriteFrame(c.conn, ws.NewCloseFrame(f.payload))
		return false
	}
	if err := wsutil.WriteServerMessage(c.conn, f.op, f.payload); err != nil {
		c.logger.Debug().Err(err).Msg("Client write failed")
		return false
	}
	return true
}

// enqueue queues an outbound frame without blocking the reader; a full
// queue drops the frame (the subscriber queue, not this one, is the
// backpressure authority).
func (c *Client) enqueue(f outFrame) {
	select {
	case c.send <- f:
	default:
	}
}

func (c *Client) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(outFrame{op: ws.OpText, payload: data})
}

// markAlive records a pong, however it arrived. Late pongs (after the
// configured pong timeout) are logged but still count.
func (c *Client) markAlive() {
	if last := c.lastPingAt.Load(); last > 0 {
		elapsed := time.Since(time.UnixMilli(last))
		if elapsed > c.cfg.PongTimeout {
			c.logger.Debug().Dur("elapsed", elapsed).Msg("Late pong")
		}
	}
	c.alive.Store(true)
}
