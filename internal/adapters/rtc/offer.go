package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrUnknownSession = errors.New("unknown media session")

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// OfferEngine creates server-side media offers for negotiated sessions
// and applies the client answers. Implements core.OfferProvider.
type OfferEngine struct {
	cfg webrtc.Configuration

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
}

func NewOfferEngine(cfg webrtc.Configuration) *OfferEngine {
	return &OfferEngine{
		cfg:   cfg,
		peers: make(map[string]*webrtc.PeerConnection),
	}
}

// CreateOffer builds a peer connection with an audio transceiver and
// returns its local description once ICE gathering finishes.
func (e *OfferEngine) CreateOffer(ctx context.Context, key string) (string, string, error) {
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return "", "", err
	}
	if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return "", "", err
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("session", key).Str("ice_state", s.String()).Msg("ICE state")
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return "", "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return "", "", err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return "", "", ctx.Err()
	}

	e.mu.Lock()
	if old, ok := e.peers[key]; ok {
		_ = old.Close()
	}
	e.peers[key] = pc
	e.mu.Unlock()

	local := pc.LocalDescription()
	return local.SDP, local.Type.String(), nil
}

// ApplyAnswer sets the remote description received from the client.
func (e *OfferEngine) ApplyAnswer(key, sdp, sdpType string) error {
	e.mu.Lock()
	pc, ok := e.peers[key]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	desc := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sdpType),
		SDP:  sdp,
	}
	return pc.SetRemoteDescription(desc)
}

// Drop closes and forgets the peer connection for a session.
func (e *OfferEngine) Drop(key string) {
	e.mu.Lock()
	pc, ok := e.peers[key]
	if ok {
		delete(e.peers, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("session", key).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("session", key).Msg("closed")
	}
}
