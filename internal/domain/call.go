package domain

import "time"

// SessionKind discriminates the two negotiated session flavors carried
// over the relay. Both share the same lifecycle.
type SessionKind string

const (
	KindVoIP SessionKind = "voip"
	KindVR   SessionKind = "vr"
)

// CallState is the lifecycle of a negotiated session. Transitions only
// move forward; once Ended the session is gone.
type CallState int

const (
	StateOffering CallState = iota
	StateAnswering
	StateConnected
	StateEnding
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s CallState) Terminal() bool { return s == StateEnded }

// CanTransition enforces forward-only lifecycle order.
func (s CallState) CanTransition(to CallState) bool {
	return to > s
}

// ClientInfo is the per-connection metadata kept by the registry.
type ClientInfo struct {
	Display string         `json:"display,omitempty"`
	Device  map[string]any `json:"device,omitempty"`
}

// CallInfo is a read-only view of a negotiated session (no transport fields).
type CallInfo struct {
	ID         CallID      `json:"call_id"`
	Kind       SessionKind `json:"kind"`
	Owner      ClientID    `json:"owner"`
	Target     ClientID    `json:"target"`
	State      string      `json:"state"`
	CreatedAt  time.Time   `json:"created_at"`
	ChangedAt  time.Time   `json:"changed_at"`
	Direction  string      `json:"direction,omitempty"`
	DeviceInfo map[string]any `json:"device_info,omitempty"`
}
