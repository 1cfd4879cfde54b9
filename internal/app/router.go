package app

import (
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app/signaling"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

// Router decides where each inbound envelope goes: signaling, the brain
// bridge, or straight back as an error. It looks at the type tag only.
type Router struct {
	Registry *Registry
	Signals  *signaling.Machine
	Brain    core.Brain
}

func NewRouter(reg *Registry, signals *signaling.Machine, brain core.Brain) *Router {
	return &Router{Registry: reg, Signals: signals, Brain: brain}
}

// Route handles one frame from one connection. Called synchronously from
// the connection's read loop, so per-connection order is preserved.
func (rt *Router) Route(id domain.ClientID, data core.Frame) {
	rt.Registry.Touch(id)

	env, err := core.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.router").Str("client", string(id)).Msg("bad envelope")
		rt.Registry.SendJSON(id, core.Error(err.Error()))
		return
	}

	switch {
	case strings.HasPrefix(env.Type, "voip_"), strings.HasPrefix(env.Type, "vr_"):
		rt.routeSignal(id, env)
	case env.Type == core.TypeFileUpload:
		rt.routeBrain(id, env, core.BrainRequest{
			Kind:     core.BrainFile,
			FileName: env.FileName,
			FileType: env.FileType,
			FileData: env.FileData,
			Task:     env.Task,
			Remember: env.Remember,
		})
	case env.Type == core.TypePing:
		rt.Registry.SendJSON(id, core.Pong(env.Timestamp))
	case env.Type == core.TypeTextInput:
		rt.routeBrain(id, env, core.BrainRequest{Kind: core.BrainChat, Text: env.Text})
	case env.Type == core.TypeAudioChunk:
		rt.routeBrain(id, env, core.BrainRequest{Kind: core.BrainAudio, Audio: env.Audio})
	case env.Type == core.TypeGetContext:
		rt.routeBrain(id, env, core.BrainRequest{Kind: core.BrainContext})
	default:
		log.Warn().Str("module", "app.router").Str("type", env.Type).Msg("unknown envelope type")
		rt.Registry.SendJSON(id, core.Error("unknown message type: "+env.Type))
	}
}

func (rt *Router) routeSignal(id domain.ClientID, env *core.Envelope) {
	switch env.Type {
	case core.TypeVoipCall:
		rt.Signals.HandleCall(id, env)
	case core.TypeVoipAnswer:
		rt.Signals.HandleAnswer(id, env)
	case core.TypeVoipAudio:
		rt.Signals.HandleAudio(id, env)
	case core.TypeVoipEnd:
		rt.Signals.HandleEnd(id, env)
	case core.TypeVRConnect:
		rt.Signals.HandleVRConnect(id, env)
	case core.TypeVRAudio:
		rt.Signals.HandleVRAudio(id, env)
	default:
		rt.Registry.SendJSON(id, core.Error("unknown signaling type: "+env.Type))
	}
}

// routeBrain forwards a generic request upstream tagged with the
// originating client. An unreachable brain degrades to an error envelope,
// it never drops the connection.
func (rt *Router) routeBrain(id domain.ClientID, env *core.Envelope, req core.BrainRequest) {
	if rt.Brain == nil {
		rt.replyBrainError(id, env)
		return
	}
	if err := rt.Brain.Send(id, req); err != nil {
		if !errors.Is(err, core.ErrBrainUnavailable) {
			log.Error().Err(err).Str("module", "app.router").Str("client", string(id)).Msg("brain send")
		}
		rt.replyBrainError(id, env)
	}
}

func (rt *Router) replyBrainError(id domain.ClientID, env *core.Envelope) {
	if env.Type == core.TypeFileUpload {
		rt.Registry.SendJSON(id, core.FileUploadError("brain unavailable"))
		return
	}
	rt.Registry.SendJSON(id, core.Error("brain unavailable"))
}

// Disconnected tells the router a connection is gone so sessions it owns
// can be finalized.
func (rt *Router) Disconnected(id domain.ClientID) {
	rt.Signals.ConnectionLost(id)
}
