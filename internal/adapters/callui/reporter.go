// Package callui is the boundary to native call presentation (CallKit
// and friends). The relay only reports transitions; rendering happens on
// the client platform.
package callui

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/domain"
)

// LogReporter implements core.CallObserver by logging transitions. It is
// the default collaborator when no native integration is attached.
type LogReporter struct{}

func (LogReporter) ReportIncoming(id domain.CallID, caller domain.ClientID) {
	log.Info().Str("module", "callui").Str("call", string(id)).Str("caller", string(caller)).Msg("incoming call")
}

func (LogReporter) ReportConnected(id domain.CallID) {
	log.Info().Str("module", "callui").Str("call", string(id)).Msg("call connected")
}

func (LogReporter) ReportEnded(id domain.CallID, reason string) {
	log.Info().Str("module", "callui").Str("call", string(id)).Str("reason", reason).Msg("call ended")
}
