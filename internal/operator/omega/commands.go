package omega

import (
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
)

// RegisterHandlers installs the Tier-Omega lab pack commands. Mutating
// commands are not gated by the command registry's RequiredCapability —
// the feature gate must run first so a disabled lab always answers
// FEATURE_DISABLED regardless of the caller's permissions; admin
// enforcement happens inside each mutating handler once the gate passes.
func RegisterHandlers(cmdRegistry *command.Registry, lab *Lab) {
	cmdRegistry.Register("op.omega.register_substrate", command.Handler{
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			if err := requireAdminIfEnabled(ctx, lab); err != nil {
				return nil, err
			}
			kind, _ := env.Args["kind"].(string)
			sub, err := lab.RegisterSubstrate(ctx.TenantID, kind)
			if err != nil {
				return nil, translateError(err)
			}
			return map[string]any{"substrate_id": sub.ID}, nil
		},
	})

	cmdRegistry.Register("op.omega.emit_event", command.Handler{
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			if err := requireAdminIfEnabled(ctx, lab); err != nil {
				return nil, err
			}
			substrateID, _ := env.Args["substrate_id"].(string)
			kind, _ := env.Args["kind"].(string)
			data, _ := env.Args["data"].(map[string]any)
			event, err := lab.EmitEvent(ctx.TenantID, substrateID, kind, data)
			if err != nil {
				return nil, translateError(err)
			}
			return map[string]any{"event_id": event.ID}, nil
		},
	})

	cmdRegistry.Register("op.omega.list_events", command.Handler{
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			substrateID, _ := env.Args["substrate_id"].(string)
			events := lab.ListEvents(substrateID)
			out := make([]map[string]any, 0, len(events))
			for _, e := range events {
				out = append(out, map[string]any{
					"event_id":     e.ID,
					"substrate_id": e.SubstrateID,
					"kind":         e.Kind,
					"data":         e.Data,
					"recorded_at":  e.RecordedAt,
				})
			}
			return map[string]any{"events": out}, nil
		},
	})

	cmdRegistry.Register("op.omega.status", command.Handler{
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			return lab.Status(), nil
		},
	})
}

func requireAdminIfEnabled(ctx command.Context, lab *Lab) error {
	status := lab.Status()
	if !status["enabled"].(bool) {
		return &command.HandlerError{Code: "FEATURE_DISABLED", Message: "Tier-Omega lab pack is disabled"}
	}
	if ctx.Caller == nil || !ctx.Caller.HasCapability("admin") {
		return &command.HandlerError{Code: "PERMISSION_DENIED", Message: "Tier-Omega mutations require admin"}
	}
	return nil
}

func translateError(err error) error {
	switch err {
	case ErrFeatureDisabled:
		return &command.HandlerError{Code: "FEATURE_DISABLED", Message: err.Error()}
	case ErrUnavailable:
		return &command.HandlerError{Code: "OMEGA_UNAVAILABLE", Message: err.Error()}
	default:
		return &command.HandlerError{Code: "VALIDATION_ERROR", Message: err.Error()}
	}
}
