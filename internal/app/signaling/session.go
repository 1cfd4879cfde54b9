// Package signaling drives offer/answer/end negotiation for VoIP calls
// and VR audio sessions. Both kinds share one machine; only the envelope
// vocabulary differs.
package signaling

import (
	"time"

	"github.com/dkeye/Relay/internal/domain"
)

// session is the mutable lifecycle record of one negotiated session.
// Guarded by the machine mutex; never escapes the package.
type session struct {
	id     domain.CallID
	kind   domain.SessionKind
	owner  domain.ClientID
	target domain.ClientID
	state  domain.CallState

	// passthrough means the caller supplied the offer SDP and the relay
	// never touches the media layer for this session.
	passthrough bool

	direction  string
	deviceInfo map[string]any

	offerSDP   string
	offerType  string
	answerSDP  string
	answerType string

	createdAt time.Time
	changedAt time.Time
}

// relayed reports whether media frames flow between two distinct client
// connections rather than between the owner and the backend.
func (s *session) relayed() bool { return s.target != s.owner }

// other returns the counterpart of the given participant.
func (s *session) other(id domain.ClientID) domain.ClientID {
	if id == s.owner {
		return s.target
	}
	return s.owner
}

// participant reports whether id is one of the two parties.
func (s *session) participant(id domain.ClientID) bool {
	return id == s.owner || id == s.target
}

func (s *session) info() domain.CallInfo {
	return domain.CallInfo{
		ID:         s.id,
		Kind:       s.kind,
		Owner:      s.owner,
		Target:     s.target,
		State:      s.state.String(),
		CreatedAt:  s.createdAt,
		ChangedAt:  s.changedAt,
		Direction:  s.direction,
		DeviceInfo: s.deviceInfo,
	}
}
