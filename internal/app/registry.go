package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

var ErrNotConnected = errors.New("client not connected")

type clientEntry struct {
	conn         core.ClientConn
	info         domain.ClientInfo
	connectedAt  time.Time
	lastActivity time.Time
	cancel       context.CancelFunc
}

// Registry is the single owner of client transport handles. All other
// components reach a connection only through it.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.ClientID]*clientEntry
	nowFn   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[domain.ClientID]*clientEntry),
		nowFn:   time.Now,
	}
}

// Register inserts bookkeeping for an already-established transport.
// A zero id asks for a fresh one; a supplied id (reconnect) is kept,
// replacing a stale entry for the same id if one is still around.
func (r *Registry) Register(id domain.ClientID, conn core.ClientConn, info domain.ClientInfo, cancel context.CancelFunc) domain.ClientID {
	if id == "" {
		id = domain.NewClientID()
	}
	r.mu.Lock()
	old := r.clients[id]
	now := r.nowFn()
	r.clients[id] = &clientEntry{
		conn:         conn,
		info:         info,
		connectedAt:  now,
		lastActivity: now,
		cancel:       cancel,
	}
	r.mu.Unlock()

	if old != nil {
		if old.cancel != nil {
			old.cancel()
		}
		old.conn.Close()
		log.Warn().Str("module", "app.registry").Str("client", string(id)).Msg("replaced stale connection")
	}
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("client registered")
	return id
}

// Unregister removes a client and closes its transport. Idempotent:
// repeat calls for an already-removed id are a no-op.
func (r *Registry) Unregister(id domain.ClientID) {
	r.remove(id, nil)
}

// Release removes the entry only while it still holds conn. A departing
// read loop must use this instead of Unregister: after a reconnect the id
// maps to the replacement transport, which must stay registered. Reports
// whether the entry was actually removed.
func (r *Registry) Release(id domain.ClientID, conn core.ClientConn) bool {
	return r.remove(id, conn)
}

func (r *Registry) remove(id domain.ClientID, conn core.ClientConn) bool {
	r.mu.Lock()
	e, ok := r.clients[id]
	if ok && conn != nil && e.conn != conn {
		r.mu.Unlock()
		log.Debug().Str("module", "app.registry").Str("client", string(id)).Msg("release ignored, connection already replaced")
		return false
	}
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.conn.Close()
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("client unregistered")
	return true
}

func (r *Registry) Get(id domain.ClientID) (core.ClientConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Info(id domain.ClientID) (domain.ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[id]
	if !ok {
		return domain.ClientInfo{}, false
	}
	return e.info, true
}

// Touch updates the last-activity timestamp for a client.
func (r *Registry) Touch(id domain.ClientID) {
	r.mu.Lock()
	if e, ok := r.clients[id]; ok {
		e.lastActivity = r.nowFn()
	}
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Send delivers one frame to one client. Backpressure drops the frame,
// it never blocks the caller.
func (r *Registry) Send(id domain.ClientID, frame core.Frame) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrNotConnected
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("client", string(id)).Msg("send dropped")
		return err
	}
	return nil
}

// SendJSON marshals and delivers a server envelope to one client.
func (r *Registry) SendJSON(id domain.ClientID, v any) error {
	frame, err := core.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("marshal envelope")
		return err
	}
	return r.Send(id, frame)
}

// Broadcast sends a frame to every client matching the predicate and
// returns the number of successful deliveries. A nil predicate matches all.
func (r *Registry) Broadcast(pred func(domain.ClientID, domain.ClientInfo) bool, frame core.Frame) int {
	type target struct {
		id   domain.ClientID
		conn core.ClientConn
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.clients))
	for id, e := range r.clients {
		if pred == nil || pred(id, e.info) {
			targets = append(targets, target{id: id, conn: e.conn})
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, t := range targets {
		if err := t.conn.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("client", string(t.id)).Msg("broadcast dropped")
			continue
		}
		sent++
	}
	return sent
}
