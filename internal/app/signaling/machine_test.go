package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

// fakeSender collects decoded envelopes per client.
type fakeSender struct {
	mu   sync.Mutex
	sent map[domain.ClientID][]map[string]any
	gone map[domain.ClientID]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent: make(map[domain.ClientID][]map[string]any),
		gone: make(map[domain.ClientID]bool),
	}
}

func (f *fakeSender) SendJSON(id domain.ClientID, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[id] {
		return errors.New("client not connected")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f.sent[id] = append(f.sent[id], m)
	return nil
}

func (f *fakeSender) drop(id domain.ClientID) {
	f.mu.Lock()
	f.gone[id] = true
	f.mu.Unlock()
}

func (f *fakeSender) byType(id domain.ClientID, typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.sent[id] {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) count(id domain.ClientID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[id])
}

// stubOffers hands out canned SDP.
type stubOffers struct {
	mu       sync.Mutex
	answers  []string
	dropped  []string
	offerErr error
	applyErr error
}

func (s *stubOffers) CreateOffer(ctx context.Context, key string) (string, string, error) {
	if s.offerErr != nil {
		return "", "", s.offerErr
	}
	return "v=0 offer-" + key, "offer", nil
}

func (s *stubOffers) ApplyAnswer(key, sdp, sdpType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.answers = append(s.answers, key)
	return nil
}

func (s *stubOffers) Drop(key string) {
	s.mu.Lock()
	s.dropped = append(s.dropped, key)
	s.mu.Unlock()
}

// fakeBrain records forwarded audio.
type fakeBrain struct {
	mu   sync.Mutex
	reqs []core.BrainRequest
	down bool
}

func (b *fakeBrain) Send(id domain.ClientID, req core.BrainRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return core.ErrBrainUnavailable
	}
	b.reqs = append(b.reqs, req)
	return nil
}

func newMachine(t *testing.T, sender Sender, offers core.OfferProvider, cfg Config) *Machine {
	t.Helper()
	return NewMachine(sender, offers, cfg)
}

func callEnv(callID string) *core.Envelope {
	return &core.Envelope{Type: core.TypeVoipCall, CallID: callID}
}

func TestCallEmitsOfferToOwner(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleCall("alice", callEnv("c1"))

	offers := sender.byType("alice", "voip_offer")
	require.Len(t, offers, 1)
	assert.Equal(t, "c1", offers[0]["call_id"])
	assert.Equal(t, "v=0 offer-c1", offers[0]["sdp"])
	assert.Equal(t, "offer", offers[0]["sdp_type"])
	assert.Equal(t, 1, m.ActiveCount())
}

func TestSecondConcurrentCallRejected(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleCall("alice", callEnv("c1"))
	m.HandleCall("alice", callEnv("c2"))

	require.Len(t, sender.byType("alice", "error"), 1)
	assert.Equal(t, 1, m.ActiveCount())

	// The VR session slot is independent of the VoIP slot.
	m.HandleVRConnect("alice", &core.Envelope{Type: core.TypeVRConnect, SessionID: "vr1"})
	assert.Equal(t, 2, m.ActiveCount())
}

func TestAnswerConnectsBothParties(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	// Relayed call: alice offers her own SDP toward bob.
	m.HandleCall("alice", &core.Envelope{
		Type: core.TypeVoipCall, CallID: "c1", Target: "bob", SDP: "v=0 from-alice",
	})
	require.Len(t, sender.byType("bob", "voip_offer"), 1)

	m.HandleAnswer("bob", &core.Envelope{
		Type: core.TypeVoipAnswer, CallID: "c1", SDP: "v=0 from-bob", SDPType: "answer",
	})

	require.Len(t, sender.byType("bob", "voip_connected"), 1)
	aliceConnected := sender.byType("alice", "voip_connected")
	require.Len(t, aliceConnected, 1)
	assert.Equal(t, "v=0 from-bob", aliceConnected[0]["sdp"])
	assert.Equal(t, "c1", aliceConnected[0]["call_id"])
}

func TestLateAnswerRejected(t *testing.T) {
	sender := newFakeSender()
	offers := &stubOffers{}
	m := newMachine(t, sender, offers, Config{})

	m.HandleCall("alice", callEnv("c1"))
	m.HandleAnswer("alice", &core.Envelope{Type: core.TypeVoipAnswer, CallID: "c1", SDP: "x", SDPType: "answer"})
	require.Len(t, sender.byType("alice", "voip_connected"), 1)

	// Duplicate answer: error envelope, no second connect.
	m.HandleAnswer("alice", &core.Envelope{Type: core.TypeVoipAnswer, CallID: "c1", SDP: "x", SDPType: "answer"})
	assert.Len(t, sender.byType("alice", "voip_connected"), 1)
	assert.Len(t, sender.byType("alice", "error"), 1)

	// Answer for a call that never existed.
	m.HandleAnswer("alice", &core.Envelope{Type: core.TypeVoipAnswer, CallID: "ghost", SDP: "x", SDPType: "answer"})
	assert.Len(t, sender.byType("alice", "voip_connected"), 1)
}

func TestAnswerFromStrangerRejected(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleCall("alice", callEnv("c1"))
	m.HandleAnswer("mallory", &core.Envelope{Type: core.TypeVoipAnswer, CallID: "c1", SDP: "x", SDPType: "answer"})

	assert.Empty(t, sender.byType("alice", "voip_connected"))
	assert.Len(t, sender.byType("mallory", "error"), 1)
}

func TestAudioRelayedOnlyWhileConnected(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleCall("alice", &core.Envelope{
		Type: core.TypeVoipCall, CallID: "c1", Target: "bob", SDP: "v=0",
	})

	// Still Offering: dropped, nothing reaches bob.
	m.HandleAudio("alice", &core.Envelope{Type: core.TypeVoipAudio, CallID: "c1", Audio: "early"})
	assert.Empty(t, sender.byType("bob", "voip_audio"))

	m.HandleAnswer("bob", &core.Envelope{Type: core.TypeVoipAnswer, CallID: "c1", SDP: "a", SDPType: "answer"})

	m.HandleAudio("alice", &core.Envelope{Type: core.TypeVoipAudio, CallID: "c1", Audio: "frame1"})
	relayed := sender.byType("bob", "voip_audio")
	require.Len(t, relayed, 1)
	assert.Equal(t, "frame1", relayed[0]["audio"])

	// After hangup the relay stops for good.
	m.HandleEnd("alice", &core.Envelope{Type: core.TypeVoipEnd, CallID: "c1"})
	m.HandleAudio("alice", &core.Envelope{Type: core.TypeVoipAudio, CallID: "c1", Audio: "late"})
	assert.Len(t, sender.byType("bob", "voip_audio"), 1)
}

func TestConnectedAudioForwardsToBrainForBackendCalls(t *testing.T) {
	sender := newFakeSender()
	brain := &fakeBrain{}
	m := newMachine(t, sender, &stubOffers{}, Config{Brain: brain})

	m.HandleCall("alice", callEnv("c1"))
	m.HandleAnswer("alice", &core.Envelope{Type: core.TypeVoipAnswer, CallID: "c1", SDP: "a", SDPType: "answer"})

	m.HandleAudio("alice", &core.Envelope{Type: core.TypeVoipAudio, CallID: "c1", Audio: "aGVsbG8="})

	brain.mu.Lock()
	defer brain.mu.Unlock()
	require.Len(t, brain.reqs, 1)
	assert.Equal(t, core.BrainCallAudio, brain.reqs[0].Kind)
	assert.Equal(t, "c1", brain.reqs[0].CallID)
}

func TestEndIdempotent(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleCall("alice", callEnv("c1"))
	m.HandleEnd("alice", &core.Envelope{Type: core.TypeVoipEnd, CallID: "c1", Reason: "normal"})
	require.Len(t, sender.byType("alice", "voip_ended"), 1)
	assert.Equal(t, 0, m.ActiveCount())

	// Repeated hangups and unknown ids are silent no-ops.
	m.HandleEnd("alice", &core.Envelope{Type: core.TypeVoipEnd, CallID: "c1"})
	m.HandleEnd("alice", &core.Envelope{Type: core.TypeVoipEnd, CallID: "never-existed"})
	assert.Len(t, sender.byType("alice", "voip_ended"), 1)
	assert.Empty(t, sender.byType("alice", "error"))
}

func TestEndFreesOwnerForNewCall(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleCall("alice", callEnv("c1"))
	m.HandleEnd("alice", &core.Envelope{Type: core.TypeVoipEnd, CallID: "c1"})

	m.HandleCall("alice", callEnv("c2"))
	offers := sender.byType("alice", "voip_offer")
	require.Len(t, offers, 2)
	assert.Equal(t, "c2", offers[1]["call_id"])
}

func TestConnectionLossEndsOwnedSessions(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleCall("alice", &core.Envelope{
		Type: core.TypeVoipCall, CallID: "c1", Target: "bob", SDP: "v=0",
	})
	m.HandleAnswer("bob", &core.Envelope{Type: core.TypeVoipAnswer, CallID: "c1", SDP: "a", SDPType: "answer"})

	m.ConnectionLost("bob")

	ended := sender.byType("alice", "voip_ended")
	require.Len(t, ended, 1)
	assert.Equal(t, "disconnect", ended[0]["reason"])
	assert.Equal(t, 0, m.ActiveCount())
}

func TestStateSequenceIsMonotonic(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleCall("alice", callEnv("c1"))
	m.HandleAnswer("alice", &core.Envelope{Type: core.TypeVoipAnswer, CallID: "c1", SDP: "a", SDPType: "answer"})
	m.HandleEnd("alice", &core.Envelope{Type: core.TypeVoipEnd, CallID: "c1"})

	want := []domain.CallState{
		domain.StateOffering,
		domain.StateAnswering,
		domain.StateConnected,
		domain.StateEnding,
		domain.StateEnded,
	}
	var got []domain.CallState
	for range want {
		select {
		case ev := <-m.Events():
			require.Equal(t, domain.CallID("c1"), ev.CallID)
			got = append(got, ev.State)
		case <-time.After(time.Second):
			t.Fatal("missing state event")
		}
	}
	assert.Equal(t, want, got)
}

func TestOfferTimeoutEndsNegotiation(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{
		OfferTimeout:  30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.HandleCall("alice", callEnv("c1"))

	require.Eventually(t, func() bool {
		return len(sender.byType("alice", "voip_ended")) == 1
	}, time.Second, 5*time.Millisecond)
	ended := sender.byType("alice", "voip_ended")
	assert.Equal(t, "timeout", ended[0]["reason"])
	assert.Equal(t, 0, m.ActiveCount())

	// The slot is free again.
	m.HandleCall("alice", callEnv("c2"))
	assert.Len(t, sender.byType("alice", "voip_offer"), 2)
}

func TestConnectedCallSurvivesSweep(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{
		OfferTimeout:  20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.HandleCall("alice", callEnv("c1"))
	m.HandleAnswer("alice", &core.Envelope{Type: core.TypeVoipAnswer, CallID: "c1", SDP: "a", SDPType: "answer"})

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, sender.byType("alice", "voip_ended"))
	assert.Equal(t, 1, m.ActiveCount())
}

func TestOfferFailureReportsAndCleansUp(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{offerErr: errors.New("no codecs")}, Config{})

	m.HandleCall("alice", callEnv("c1"))

	require.Len(t, sender.byType("alice", "error"), 1)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestOfferToUnknownTargetFails(t *testing.T) {
	sender := newFakeSender()
	sender.drop("bob")
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleCall("alice", &core.Envelope{
		Type: core.TypeVoipCall, CallID: "c1", Target: "bob", SDP: "v=0",
	})

	require.Len(t, sender.byType("alice", "error"), 1)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestVRSessionSharesLifecycle(t *testing.T) {
	sender := newFakeSender()
	brain := &fakeBrain{}
	offers := &stubOffers{}
	m := newMachine(t, sender, offers, Config{Brain: brain})

	m.HandleVRConnect("hmd", &core.Envelope{Type: core.TypeVRConnect, SessionID: "vr1"})
	vrOffers := sender.byType("hmd", "vr_offer")
	require.Len(t, vrOffers, 1)
	assert.Equal(t, "vr1", vrOffers[0]["session_id"])

	// Audio before the answer is dropped.
	m.HandleVRAudio("hmd", &core.Envelope{Type: core.TypeVRAudio, SessionID: "vr1", Audio: "early"})
	brain.mu.Lock()
	assert.Empty(t, brain.reqs)
	brain.mu.Unlock()

	// The answer rides the vr_audio envelope.
	m.HandleVRAudio("hmd", &core.Envelope{Type: core.TypeVRAudio, SessionID: "vr1", SDP: "v=0 answer", SDPType: "answer"})
	connected := sender.byType("hmd", "vr_response")
	require.NotEmpty(t, connected)
	assert.Equal(t, "connected", connected[0]["status"])

	m.HandleVRAudio("hmd", &core.Envelope{Type: core.TypeVRAudio, SessionID: "vr1", Audio: "aGk="})
	brain.mu.Lock()
	require.Len(t, brain.reqs, 1)
	assert.Equal(t, core.BrainVRAudio, brain.reqs[0].Kind)
	assert.Equal(t, "vr1", brain.reqs[0].SessionID)
	brain.mu.Unlock()
}

func TestVRConnectDefaultsSessionToClient(t *testing.T) {
	sender := newFakeSender()
	m := newMachine(t, sender, &stubOffers{}, Config{})

	m.HandleVRConnect("hmd", &core.Envelope{Type: core.TypeVRConnect})
	vrOffers := sender.byType("hmd", "vr_offer")
	require.Len(t, vrOffers, 1)
	assert.Equal(t, "hmd", vrOffers[0]["session_id"])
}

func TestEndDropsMediaSession(t *testing.T) {
	sender := newFakeSender()
	offers := &stubOffers{}
	m := newMachine(t, sender, offers, Config{})

	m.HandleCall("alice", callEnv("c1"))
	m.HandleEnd("alice", &core.Envelope{Type: core.TypeVoipEnd, CallID: "c1"})

	offers.mu.Lock()
	defer offers.mu.Unlock()
	assert.Contains(t, offers.dropped, "c1")
}
