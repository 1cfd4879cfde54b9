package core

import (
	"context"
	"errors"

	"github.com/dkeye/Relay/internal/domain"
)

// ClientConn abstracts a client transport endpoint (WebSocket).
// Owned by the adapter; the adapter must Close() it.
type ClientConn interface {
	TrySend(Frame) error
	Close()
}

// ErrBrainUnavailable is returned when the upstream inference backend
// cannot take a request right now.
var ErrBrainUnavailable = errors.New("brain unavailable")

// Brain request kinds, matching the upstream wire protocol.
const (
	BrainChat      = "chat"
	BrainAudio     = "audio"
	BrainFile      = "file"
	BrainContext   = "context"
	BrainCallAudio = "call_audio"
	BrainVRAudio   = "vr_audio"
)

// BrainRequest is a client message translated for the inference backend.
// Results arrive out of band and are routed back by correlation.
type BrainRequest struct {
	Kind      string
	Text      string
	Audio     string
	FileName  string
	FileType  string
	FileData  string
	Task      string
	Remember  bool
	CallID    string
	SessionID string
}

// Brain is the asynchronous bridge to the inference backend.
type Brain interface {
	Send(id domain.ClientID, req BrainRequest) error
}

// OfferProvider creates and completes media offers on behalf of a
// negotiated session. SDP blobs are otherwise opaque to the relay.
type OfferProvider interface {
	CreateOffer(ctx context.Context, key string) (sdp, sdpType string, err error)
	ApplyAnswer(key, sdp, sdpType string) error
	Drop(key string)
}

// CallObserver is the native call-UI collaborator (CallKit and friends).
// Invoked on session state transitions; implementations must not block.
type CallObserver interface {
	ReportIncoming(id domain.CallID, caller domain.ClientID)
	ReportConnected(id domain.CallID)
	ReportEnded(id domain.CallID, reason string)
}

// NopObserver is used when no call UI is attached.
type NopObserver struct{}

func (NopObserver) ReportIncoming(domain.CallID, domain.ClientID) {}
func (NopObserver) ReportConnected(domain.CallID)                 {}
func (NopObserver) ReportEnded(domain.CallID, string)             {}
