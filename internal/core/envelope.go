package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is a raw wire payload (one JSON envelope).
type Frame []byte

var ErrMalformed = errors.New("malformed envelope")

// Client -> server envelope types.
const (
	TypeTextInput  = "text_input"
	TypeAudioChunk = "audio_chunk"
	TypeFileUpload = "file_upload"
	TypeVoipCall   = "voip_call"
	TypeVoipAnswer = "voip_answer"
	TypeVoipAudio  = "voip_audio"
	TypeVoipEnd    = "voip_end"
	TypeVRConnect  = "vr_connect"
	TypeVRAudio    = "vr_audio"
	TypeGetContext = "get_context"
	TypePing       = "ping"
)

// Server -> client envelope types.
const (
	TypeConnected        = "connected"
	TypeResponse         = "response"
	TypeError            = "error"
	TypeFileUploadResult = "file_upload_result"
	TypeFileUploadError  = "file_upload_error"
	TypeVoipOffer        = "voip_offer"
	TypeVoipConnected    = "voip_connected"
	TypeVoipEnded        = "voip_ended"
	TypeVROffer          = "vr_offer"
	TypeVRResponse       = "vr_response"
	TypeContext          = "context"
	TypePong             = "pong"
)

// Envelope is the decoded client -> server message. The wire format is
// flat JSON with a type discriminator; fields not used by a given type
// stay zero.
type Envelope struct {
	Type       string         `json:"type"`
	ClientID   string         `json:"client_id,omitempty"`
	Text       string         `json:"text,omitempty"`
	Audio      string         `json:"audio,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	FileName   string         `json:"file_name,omitempty"`
	FileType   string         `json:"file_type,omitempty"`
	FileData   string         `json:"file_data,omitempty"`
	Task       string         `json:"task,omitempty"`
	Remember   bool           `json:"remember,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	Direction  string         `json:"direction,omitempty"`
	Target     string         `json:"target,omitempty"`
	DeviceInfo map[string]any `json:"device_info,omitempty"`
	SDP        string         `json:"sdp,omitempty"`
	SDPType    string         `json:"sdp_type,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Decode parses and validates one inbound frame.
func Decode(data Frame) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// validate checks the required fields per envelope type. Payload contents
// beyond the discriminator are never interpreted here.
func (e *Envelope) validate() error {
	switch e.Type {
	case TypeTextInput:
		if e.Text == "" {
			return fmt.Errorf("%w: text_input requires text", ErrMalformed)
		}
	case TypeAudioChunk:
		if e.Audio == "" {
			return fmt.Errorf("%w: audio_chunk requires audio", ErrMalformed)
		}
	case TypeFileUpload:
		if e.FileData == "" {
			return fmt.Errorf("%w: file_upload requires file_data", ErrMalformed)
		}
	case TypeVoipAnswer:
		if e.CallID == "" || e.SDP == "" {
			return fmt.Errorf("%w: voip_answer requires call_id and sdp", ErrMalformed)
		}
	case TypeVoipAudio:
		if e.CallID == "" || e.Audio == "" {
			return fmt.Errorf("%w: voip_audio requires call_id and audio", ErrMalformed)
		}
	case TypeVoipEnd:
		if e.CallID == "" {
			return fmt.Errorf("%w: voip_end requires call_id", ErrMalformed)
		}
	case TypeVRAudio:
		if e.SessionID == "" {
			return fmt.Errorf("%w: vr_audio requires session_id", ErrMalformed)
		}
	}
	return nil
}

// Marshal encodes any server -> client message into a frame.
func Marshal(v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return Frame(b), nil
}

// Server -> client payloads.

type ConnectedMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Status   string `json:"status,omitempty"`
}

func Connected(clientID, status string) ConnectedMsg {
	return ConnectedMsg{Type: TypeConnected, ClientID: clientID, Status: status}
}

type ResponseMsg struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	UserText    string `json:"user_text,omitempty"`
	Audio       string `json:"audio,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	CallID  string `json:"call_id,omitempty"`
}

func Error(message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Message: message}
}

func CallError(callID, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Message: message, CallID: callID}
}

type FileUploadResultMsg struct {
	Type       string          `json:"type"`
	Success    bool            `json:"success"`
	FileName   string          `json:"file_name,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Message    string          `json:"message,omitempty"`
	Remembered bool            `json:"remembered,omitempty"`
}

type FileUploadErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func FileUploadError(message string) FileUploadErrorMsg {
	return FileUploadErrorMsg{Type: TypeFileUploadError, Message: message}
}

type VoipOfferMsg struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	SDP     string `json:"sdp"`
	SDPType string `json:"sdp_type"`
}

func VoipOffer(callID, sdp, sdpType string) VoipOfferMsg {
	return VoipOfferMsg{Type: TypeVoipOffer, CallID: callID, SDP: sdp, SDPType: sdpType}
}

type VoipConnectedMsg struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Status  string `json:"status,omitempty"`
	SDP     string `json:"sdp,omitempty"`
	SDPType string `json:"sdp_type,omitempty"`
}

func VoipConnected(callID string) VoipConnectedMsg {
	return VoipConnectedMsg{Type: TypeVoipConnected, CallID: callID, Status: "connected"}
}

type VoipEndedMsg struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

func VoipEnded(callID, reason string) VoipEndedMsg {
	return VoipEndedMsg{Type: TypeVoipEnded, CallID: callID, Reason: reason}
}

type VoipAudioMsg struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Audio  string `json:"audio"`
}

func VoipAudio(callID, audio string) VoipAudioMsg {
	return VoipAudioMsg{Type: TypeVoipAudio, CallID: callID, Audio: audio}
}

type VROfferMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	SDPType   string `json:"sdp_type"`
}

func VROffer(sessionID, sdp, sdpType string) VROfferMsg {
	return VROfferMsg{Type: TypeVROffer, SessionID: sessionID, SDP: sdp, SDPType: sdpType}
}

type VRResponseMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	Status    string `json:"status"`
}

func VRResponse(sessionID, text, status string) VRResponseMsg {
	return VRResponseMsg{Type: TypeVRResponse, SessionID: sessionID, Text: text, Status: status}
}

type ContextMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type PongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func Pong(timestamp int64) PongMsg {
	return PongMsg{Type: TypePong, Timestamp: timestamp}
}
