package casil

import "github.com/arqonbus/bus/internal/events"

const eventType = "arqonbus.casil.decision"

// EmitDecision publishes outcome as a CloudEvent through emitter. source
// identifies the component that ran the pipeline (normally the socket bus
// connection handling the envelope).
func EmitDecision(emitter events.Emitter, source string, outcome Outcome) {
	if emitter == nil {
		return
	}
	data := buildEvent(outcome)
	emitter.Emit(eventType, source, outcome.Room, data)
}

// buildEvent mirrors the CASIL telemetry event shape: decision, reason
// code, room/channel, flags, and an optional internal error string.
func buildEvent(outcome Outcome) map[string]any {
	internalError := ""
	if outcome.InternalError != nil {
		internalError = outcome.InternalError.Error()
	}
	flags := outcome.Flags
	if flags == nil {
		flags = map[string]bool{}
	}
	return map[string]any{
		"decision":       string(outcome.Decision),
		"reason_code":    outcome.ReasonCode,
		"room":           outcome.Room,
		"channel":        outcome.Channel,
		"flags":          flags,
		"internal_error": internalError,
	}
}
