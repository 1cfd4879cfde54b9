// Package brain maintains the upstream connection to the inference
// backend and translates between client envelopes and backend
// request/response messages.
package brain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

// Deliver routes correlated responses back to the originating client.
// Satisfied by app.Registry.
type Deliver interface {
	SendJSON(id domain.ClientID, v any) error
}

// request is the upstream wire format.
type request struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	Audio     string `json:"audio,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	FileType  string `json:"file_type,omitempty"`
	FileData  string `json:"file_data,omitempty"`
	Task      string `json:"task,omitempty"`
	Remember  bool   `json:"remember,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// response is what the backend sends back; correlated by ID.
type response struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"` // "ok" or "error"
	Text        string          `json:"text,omitempty"`
	Audio       string          `json:"audio,omitempty"`
	AudioFormat string          `json:"audio_format,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type pendingReq struct {
	clientID  domain.ClientID
	kind      string
	fileName  string
	remember  bool
	callID    string
	sessionID string
	sentAt    time.Time
}

const (
	defaultRequestTimeout = 60 * time.Second
	minBackoff            = time.Second
	maxBackoff            = 30 * time.Second
)

// Bridge is the relay's client to the backend: one persistent WebSocket,
// a correlation map, reconnect with backoff. Implements core.Brain.
type Bridge struct {
	url     string
	deliver Deliver
	timeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]pendingReq

	writeMu sync.Mutex
	nowFn   func() time.Time
}

func New(url string, deliver Deliver, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Bridge{
		url:     url,
		deliver: deliver,
		timeout: timeout,
		pending: make(map[string]pendingReq),
		nowFn:   time.Now,
	}
}

// Available reports whether the upstream connection is currently up.
func (b *Bridge) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Send forwards one request upstream. Returns ErrBrainUnavailable when
// the backend connection is down; the caller decides how to degrade.
func (b *Bridge) Send(id domain.ClientID, req core.BrainRequest) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return core.ErrBrainUnavailable
	}

	reqID := uuid.NewString()
	wire := request{
		ID:        reqID,
		ClientID:  string(id),
		Kind:      req.Kind,
		Text:      req.Text,
		Audio:     req.Audio,
		FileName:  req.FileName,
		FileType:  req.FileType,
		FileData:  req.FileData,
		Task:      req.Task,
		Remember:  req.Remember,
		CallID:    req.CallID,
		SessionID: req.SessionID,
	}

	b.mu.Lock()
	b.pending[reqID] = pendingReq{
		clientID:  id,
		kind:      req.Kind,
		fileName:  req.FileName,
		remember:  req.Remember,
		callID:    req.CallID,
		sessionID: req.SessionID,
		sentAt:    b.nowFn(),
	}
	b.mu.Unlock()

	b.writeMu.Lock()
	err := conn.WriteJSON(wire)
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.pending, reqID)
		b.mu.Unlock()
		log.Warn().Err(err).Str("module", "brain").Msg("upstream write failed")
		return core.ErrBrainUnavailable
	}
	return nil
}

// Run dials the backend and keeps the connection alive until ctx is
// canceled. Also sweeps expired correlations.
func (b *Bridge) Run(ctx context.Context) {
	go b.sweepLoop(ctx)

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("module", "brain").Str("url", b.url).Dur("retry_in", backoff).Msg("backend dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff
		log.Info().Str("module", "brain").Str("url", b.url).Msg("backend connected")

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		b.readLoop(ctx, conn)

		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()
		log.Warn().Str("module", "brain").Msg("backend connection lost")
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			log.Debug().Err(err).Str("module", "brain").Msg("backend read")
			return
		}
		b.dispatch(resp)
	}
}

// dispatch builds the client-facing envelope for one backend response
// and delivers it through the registry.
func (b *Bridge) dispatch(resp response) {
	b.mu.Lock()
	p, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "brain").Str("id", resp.ID).Msg("response without pending request")
		return
	}

	if resp.Type == "error" {
		b.deliverError(p, resp.Message)
		return
	}

	var msg any
	switch p.kind {
	case core.BrainFile:
		msg = core.FileUploadResultMsg{
			Type:       core.TypeFileUploadResult,
			Success:    true,
			FileName:   p.fileName,
			Result:     resp.Result,
			Message:    resp.Message,
			Remembered: p.remember,
		}
	case core.BrainVRAudio:
		msg = core.VRResponse(p.sessionID, resp.Text, "processed")
	case core.BrainCallAudio:
		// The backend's synthesized voice comes back as the peer's audio.
		msg = core.VoipAudio(p.callID, resp.Audio)
	case core.BrainContext:
		msg = core.ContextMsg{Type: core.TypeContext, Data: resp.Data}
	default:
		msg = core.ResponseMsg{
			Type:        core.TypeResponse,
			Text:        resp.Text,
			Audio:       resp.Audio,
			AudioFormat: resp.AudioFormat,
			ClientID:    string(p.clientID),
		}
	}
	if err := b.deliver.SendJSON(p.clientID, msg); err != nil {
		log.Warn().Err(err).Str("module", "brain").Str("client", string(p.clientID)).Msg("response undeliverable")
	}
}

func (b *Bridge) deliverError(p pendingReq, message string) {
	if message == "" {
		message = "brain request failed"
	}
	var msg any
	if p.kind == core.BrainFile {
		msg = core.FileUploadError(message)
	} else {
		msg = core.Error(message)
	}
	_ = b.deliver.SendJSON(p.clientID, msg)
}

// sweepLoop fails correlations the backend never answered so clients get
// a bounded wait instead of silence.
func (b *Bridge) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := b.nowFn()
			b.mu.Lock()
			var expired []pendingReq
			for id, p := range b.pending {
				if now.Sub(p.sentAt) > b.timeout {
					expired = append(expired, p)
					delete(b.pending, id)
				}
			}
			b.mu.Unlock()
			for _, p := range expired {
				log.Warn().Str("module", "brain").Str("client", string(p.clientID)).Str("kind", p.kind).Msg("brain request timed out")
				b.deliverError(p, "brain request timed out")
			}
		}
	}
}
