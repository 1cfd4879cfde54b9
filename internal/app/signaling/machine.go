package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

// Sender delivers server envelopes to registered clients. Satisfied by
// app.Registry; narrowed here to keep the machine transport-free.
type Sender interface {
	SendJSON(id domain.ClientID, v any) error
}

// Event is a typed state-change notification published to subscribers.
type Event struct {
	CallID domain.CallID
	Kind   domain.SessionKind
	State  domain.CallState
	Reason string
}

// Config tunes the machine. Zero values fall back to defaults.
type Config struct {
	// OfferTimeout bounds how long a session may sit in Offering or
	// Answering before the sweep force-ends it.
	OfferTimeout  time.Duration
	SweepInterval time.Duration
	Observer      core.CallObserver
	Brain         core.Brain
}

const (
	defaultOfferTimeout  = 30 * time.Second
	defaultSweepInterval = 5 * time.Second
)

type ownerKey struct {
	owner domain.ClientID
	kind  domain.SessionKind
}

// Machine holds every live negotiated session and applies the
// offer/answer/end transitions. One instance serves all connections.
type Machine struct {
	sender   Sender
	offers   core.OfferProvider
	observer core.CallObserver
	brain    core.Brain

	offerTimeout  time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	sessions map[domain.CallID]*session
	byOwner  map[ownerKey]domain.CallID

	events chan Event
	nowFn  func() time.Time
}

func NewMachine(sender Sender, offers core.OfferProvider, cfg Config) *Machine {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = defaultOfferTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Observer == nil {
		cfg.Observer = core.NopObserver{}
	}
	return &Machine{
		sender:        sender,
		offers:        offers,
		observer:      cfg.Observer,
		brain:         cfg.Brain,
		offerTimeout:  cfg.OfferTimeout,
		sweepInterval: cfg.SweepInterval,
		sessions:      make(map[domain.CallID]*session),
		byOwner:       make(map[ownerKey]domain.CallID),
		events:        make(chan Event, 64),
		nowFn:         time.Now,
	}
}

// Events exposes the state-change stream. The channel is buffered; slow
// subscribers lose events rather than stalling signaling.
func (m *Machine) Events() <-chan Event { return m.events }

func (m *Machine) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Debug().Str("module", "signaling").Str("call", string(ev.CallID)).Msg("event dropped, subscriber slow")
	}
}

// Run drives the timeout sweep until ctx is canceled.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Machine) sweep() {
	now := m.nowFn()
	m.mu.Lock()
	var expired []domain.CallID
	for id, s := range m.sessions {
		if s.state != domain.StateOffering && s.state != domain.StateAnswering {
			continue
		}
		if now.Sub(s.changedAt) > m.offerTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		log.Info().Str("module", "signaling").Str("call", string(id)).Msg("negotiation timed out")
		m.End(id, "timeout")
	}
}

// transitionLocked advances a session state; the machine mutex must be held.
func (m *Machine) transitionLocked(s *session, to domain.CallState, reason string) bool {
	if !s.state.CanTransition(to) {
		return false
	}
	s.state = to
	s.changedAt = m.nowFn()
	log.Info().
		Str("module", "signaling").
		Str("call", string(s.id)).
		Str("kind", string(s.kind)).
		Str("state", to.String()).
		Msg("session transition")
	m.publish(Event{CallID: s.id, Kind: s.kind, State: to, Reason: reason})
	return true
}

// HandleCall starts a new VoIP session for the owner connection.
func (m *Machine) HandleCall(owner domain.ClientID, env *core.Envelope) {
	callID, err := domain.ParseCallID(env.CallID)
	if err != nil {
		m.sendJSON(owner, core.Error(err.Error()))
		return
	}
	m.start(owner, callID, domain.KindVoIP, env)
}

// HandleVRConnect starts a new VR audio session. The session id defaults
// to the owner's client id, as VR clients usually have one session.
func (m *Machine) HandleVRConnect(owner domain.ClientID, env *core.Envelope) {
	sid := env.SessionID
	if sid == "" {
		sid = string(owner)
	}
	vrEnv := *env
	vrEnv.SessionID = sid
	m.start(owner, domain.CallID(sid), domain.KindVR, &vrEnv)
}

func (m *Machine) start(owner domain.ClientID, callID domain.CallID, kind domain.SessionKind, env *core.Envelope) {
	if callID == "" {
		callID = domain.NewCallID()
	}
	target := owner
	if env.Target != "" {
		target = domain.ClientID(env.Target)
	}
	passthrough := env.SDP != ""

	now := m.nowFn()
	key := ownerKey{owner: owner, kind: kind}
	m.mu.Lock()
	if active, ok := m.byOwner[key]; ok {
		m.mu.Unlock()
		log.Warn().Str("module", "signaling").Str("client", string(owner)).Str("active_call", string(active)).Msg("rejecting second concurrent session")
		m.sendJSON(owner, core.CallError(string(callID), "another call is already active"))
		return
	}
	if _, dup := m.sessions[callID]; dup {
		m.mu.Unlock()
		m.sendJSON(owner, core.CallError(string(callID), "call id already in use"))
		return
	}
	s := &session{
		id:          callID,
		kind:        kind,
		owner:       owner,
		target:      target,
		state:       domain.StateOffering,
		passthrough: passthrough,
		direction:   env.Direction,
		deviceInfo:  env.DeviceInfo,
		offerSDP:    env.SDP,
		offerType:   env.SDPType,
		createdAt:   now,
		changedAt:   now,
	}
	if s.offerType == "" {
		s.offerType = "offer"
	}
	m.sessions[callID] = s
	m.byOwner[key] = callID
	m.mu.Unlock()

	m.publish(Event{CallID: callID, Kind: kind, State: domain.StateOffering})
	if kind == domain.KindVoIP {
		m.observer.ReportIncoming(callID, owner)
	}

	offerSDP, offerType := s.offerSDP, s.offerType
	if !passthrough {
		if m.offers == nil {
			m.sendJSON(owner, core.CallError(string(callID), "media engine unavailable"))
			m.End(callID, "offer_failed")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.offerTimeout)
		defer cancel()
		sdp, typ, err := m.offers.CreateOffer(ctx, string(callID))
		if err != nil {
			log.Error().Err(err).Str("module", "signaling").Str("call", string(callID)).Msg("create offer")
			m.sendJSON(owner, core.CallError(string(callID), "failed to create call"))
			m.End(callID, "offer_failed")
			return
		}
		offerSDP, offerType = sdp, typ

		m.mu.Lock()
		cur, ok := m.sessions[callID]
		if !ok || cur.state != domain.StateOffering {
			// Swept or ended while gathering; nothing to deliver.
			m.mu.Unlock()
			m.offers.Drop(string(callID))
			return
		}
		cur.offerSDP, cur.offerType = offerSDP, offerType
		m.mu.Unlock()
	}

	var offerMsg any
	if kind == domain.KindVR {
		offerMsg = core.VROffer(env.SessionID, offerSDP, offerType)
	} else {
		offerMsg = core.VoipOffer(string(callID), offerSDP, offerType)
	}
	if err := m.sendJSON(target, offerMsg); err != nil {
		log.Warn().Err(err).Str("module", "signaling").Str("call", string(callID)).Str("target", string(target)).Msg("offer undeliverable")
		if target != owner {
			m.sendJSON(owner, core.CallError(string(callID), "callee unavailable"))
		}
		m.End(callID, "target_unavailable")
	}
}

// HandleAnswer accepts a VoIP answer. Only a session still in Offering
// may connect; duplicate or late answers get an error and no transition.
func (m *Machine) HandleAnswer(from domain.ClientID, env *core.Envelope) {
	callID := domain.CallID(env.CallID)
	sdpType := env.SDPType
	if sdpType == "" {
		sdpType = "answer"
	}
	if s, ok := m.accept(from, callID, env.SDP, sdpType); ok {
		connected := core.VoipConnected(string(callID))
		m.sendJSON(s.target, connected)
		if s.relayed() {
			// The caller needs the peer's answer to finish its own setup.
			ownerCopy := connected
			ownerCopy.SDP = env.SDP
			ownerCopy.SDPType = sdpType
			m.sendJSON(s.owner, ownerCopy)
		}
		m.observer.ReportConnected(callID)
	}
}

// accept runs the shared Offering -> Answering -> Connected path for both
// session kinds. Returns a snapshot of the session on success.
func (m *Machine) accept(from domain.ClientID, callID domain.CallID, sdp, sdpType string) (session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.state != domain.StateOffering {
		m.mu.Unlock()
		log.Warn().Str("module", "signaling").Str("call", string(callID)).Str("from", string(from)).Msg("answer without pending offer")
		m.sendJSON(from, core.CallError(string(callID), "no pending offer for call"))
		return session{}, false
	}
	if !s.participant(from) {
		m.mu.Unlock()
		m.sendJSON(from, core.CallError(string(callID), "not a call participant"))
		return session{}, false
	}
	m.transitionLocked(s, domain.StateAnswering, "")
	s.answerSDP, s.answerType = sdp, sdpType
	passthrough := s.passthrough
	m.mu.Unlock()

	if !passthrough && m.offers != nil {
		if err := m.offers.ApplyAnswer(string(callID), sdp, sdpType); err != nil {
			log.Error().Err(err).Str("module", "signaling").Str("call", string(callID)).Msg("apply answer")
			m.sendJSON(from, core.CallError(string(callID), "failed to accept call"))
			m.End(callID, "error")
			return session{}, false
		}
	}

	m.mu.Lock()
	s, ok = m.sessions[callID]
	if !ok || !m.transitionLocked(s, domain.StateConnected, "") {
		m.mu.Unlock()
		return session{}, false
	}
	snap := *s
	m.mu.Unlock()
	return snap, true
}

// HandleAudio relays in-call audio. Anything outside Connected is dropped
// and logged, never forwarded.
func (m *Machine) HandleAudio(from domain.ClientID, env *core.Envelope) {
	callID := domain.CallID(env.CallID)
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.state != domain.StateConnected || !s.participant(from) {
		m.mu.Unlock()
		state := "unknown"
		if ok {
			state = s.state.String()
		}
		log.Warn().Str("module", "signaling").Str("call", string(callID)).Str("state", state).Msg("dropping audio outside connected call")
		return
	}
	snap := *s
	m.mu.Unlock()

	if snap.relayed() {
		m.sendJSON(snap.other(from), core.VoipAudio(string(callID), env.Audio))
		return
	}
	if m.brain == nil {
		m.sendJSON(from, core.CallError(string(callID), "brain unavailable"))
		return
	}
	err := m.brain.Send(snap.owner, core.BrainRequest{
		Kind:   core.BrainCallAudio,
		Audio:  env.Audio,
		CallID: string(callID),
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "signaling").Str("call", string(callID)).Msg("call audio not forwarded")
		m.sendJSON(from, core.CallError(string(callID), "brain unavailable"))
	}
}

// HandleVRAudio serves the VR leg: an optional answer SDP completes the
// negotiation, audio is forwarded only while Connected.
func (m *Machine) HandleVRAudio(owner domain.ClientID, env *core.Envelope) {
	sid := env.SessionID
	callID := domain.CallID(sid)

	if env.SDP != "" {
		sdpType := env.SDPType
		if sdpType == "" {
			sdpType = "answer"
		}
		if _, ok := m.accept(owner, callID, env.SDP, sdpType); ok {
			m.observer.ReportConnected(callID)
			if env.Audio == "" {
				m.sendJSON(owner, core.VRResponse(sid, "", "connected"))
			}
		} else if env.Audio == "" {
			return
		}
	}

	if env.Audio == "" {
		if env.SDP == "" {
			m.mu.Lock()
			s, ok := m.sessions[callID]
			connected := ok && s.state == domain.StateConnected
			m.mu.Unlock()
			if connected {
				m.sendJSON(owner, core.VRResponse(sid, "", "connected"))
			} else {
				m.sendJSON(owner, core.Error("vr session not connected"))
			}
		}
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.state != domain.StateConnected || !s.participant(owner) {
		m.mu.Unlock()
		log.Warn().Str("module", "signaling").Str("session", sid).Msg("dropping vr audio outside connected session")
		return
	}
	m.mu.Unlock()

	if m.brain == nil {
		m.sendJSON(owner, core.Error("brain unavailable"))
		return
	}
	err := m.brain.Send(owner, core.BrainRequest{
		Kind:      core.BrainVRAudio,
		Audio:     env.Audio,
		SessionID: sid,
	})
	if err != nil {
		m.sendJSON(owner, core.Error("brain unavailable"))
	}
}

// HandleEnd hangs up. Unknown or already-terminal call ids are a no-op.
func (m *Machine) HandleEnd(from domain.ClientID, env *core.Envelope) {
	reason := env.Reason
	if reason == "" {
		reason = "normal"
	}
	m.End(domain.CallID(env.CallID), reason)
}

// End force-terminates a session: Ending, notify both parties, Ended,
// forget. Idempotent for unknown ids and repeated hangups.
func (m *Machine) End(callID domain.CallID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || !m.transitionLocked(s, domain.StateEnding, reason) {
		// Unknown, terminal, or already ending elsewhere.
		m.mu.Unlock()
		return
	}
	snap := *s
	m.mu.Unlock()

	var endedMsg any
	if snap.kind == domain.KindVR {
		endedMsg = core.VRResponse(string(callID), "", "ended")
	} else {
		endedMsg = core.VoipEnded(string(callID), reason)
	}
	m.sendJSON(snap.owner, endedMsg)
	if snap.relayed() {
		m.sendJSON(snap.target, endedMsg)
	}

	m.mu.Lock()
	if s, ok = m.sessions[callID]; ok {
		m.transitionLocked(s, domain.StateEnded, reason)
		delete(m.sessions, callID)
		delete(m.byOwner, ownerKey{owner: s.owner, kind: s.kind})
	}
	m.mu.Unlock()

	if !snap.passthrough && m.offers != nil {
		m.offers.Drop(string(callID))
	}
	m.observer.ReportEnded(callID, reason)
	log.Info().Str("module", "signaling").Str("call", string(callID)).Str("reason", reason).Msg("session ended")
}

// ConnectionLost finalizes every non-terminal session the connection
// participates in, exactly as if that party had sent an end.
func (m *Machine) ConnectionLost(id domain.ClientID) {
	m.mu.Lock()
	var affected []domain.CallID
	for callID, s := range m.sessions {
		if s.participant(id) && !s.state.Terminal() {
			affected = append(affected, callID)
		}
	}
	m.mu.Unlock()
	for _, callID := range affected {
		m.End(callID, "disconnect")
	}
}

// ActiveCount reports live (non-terminal) sessions.
func (m *Machine) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Calls snapshots every live session for the status API.
func (m *Machine) Calls() []domain.CallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CallInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	return out
}

func (m *Machine) sendJSON(id domain.ClientID, v any) error {
	return m.sender.SendJSON(id, v)
}
