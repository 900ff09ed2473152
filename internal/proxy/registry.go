package proxy

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps upstream "host:port" keys to shared TCP sessions. With
// multiplexing enabled, clients requesting the same upstream share one
// session; with it disabled every attach creates a private session.
//
// Attach and Detach are serialized by the registry mutex, which makes the
// subscriber-set bookkeeping atomic with respect to session creation and
// removal: a session is only ever in the map with at least one subscriber.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	multiplex bool
	newConfig func(host string, port int, delim []byte, multiplexed bool) SessionConfig
	logger    zerolog.Logger
}

// NewRegistry creates a registry. configFor builds the SessionConfig for a
// new upstream from the process configuration.
func NewRegistry(multiplex bool, configFor func(host string, port int, delim []byte, multiplexed bool) SessionConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		multiplex: multiplex,
		newConfig: configFor,
		logger:    logger.With().Str("component", "registry").Logger(),
	}
}

// Attach subscribes a client to the session for host:port, creating and
// starting the session if needed. The returned session carries the
// delimiter of its first subscriber; later subscribers inherit it. shared
// reports whether the client joined a pre-existing session.
func (r *Registry) Attach(host string, port int, delim []byte, clientID string) (sess *Session, sub *Subscription, shared bool) {
	key := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.multiplex {
		if sess, ok := r.sessions[key]; ok && sess.State() != StateClosed {
			sub := sess.Subscribe(clientID)
			r.logger.Info().
				Str("upstream", key).
				Str("client", clientID).
				Int("subscribers", sess.SubscriberCount()).
				Msg("Client joined shared upstream session")
			return sess, sub, true
		}
		// A terminally closed session left in the map is replaced; its
		// remaining subscribers keep their handle until they detach.
	}

	mapKey := key
	if !r.multiplex {
		// Private sessions get a per-client map identity so they never
		// collide or share.
		mapKey = key + "#" + clientID
	}

	sess = NewSession(r.newConfig(host, port, delim, r.multiplex), r.logger)
	sub = sess.Subscribe(clientID)
	r.sessions[mapKey] = sess
	sess.Start()
	r.logger.Info().
		Str("upstream", key).
		Str("client", clientID).
		Bool("multiplexed", r.multiplex).
		Msg("Created upstream session")
	return sess, sub, false
}

// Detach removes a client from its session. When the subscriber set empties
// the session is removed from the registry and shut down.
func (r *Registry) Detach(sess *Session, clientID string) {
	r.mu.Lock()
	remaining := sess.Unsubscribe(clientID)
	var closing bool
	if remaining == 0 {
		for mapKey, cur := range r.sessions {
			if cur == sess {
				delete(r.sessions, mapKey)
				break
			}
		}
		closing = true
	}
	r.mu.Unlock()

	if closing {
		sess.Close()
		r.logger.Info().Str("upstream", sess.Key()).Msg("Last client left, upstream session closed")
	}
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll shuts down every session. Used during supervisor shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for mapKey, sess := range r.sessions {
		sessions = append(sessions, sess)
		delete(r.sessions, mapKey)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
