// Package casil exposes the policy engine's hot-reload commands:
// op.casil.reload and op.casil.get, both admin-only.
package casil

import (
	"github.com/arqonbus/bus/internal/casil"
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
)

// RegisterHandlers installs op.casil.reload/get against engine.
func RegisterHandlers(cmdRegistry *command.Registry, engine *casil.Engine) {
	cmdRegistry.Register("op.casil.reload", command.Handler{
		RequiredCapability: "casil.admin",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			cfg, err := decodeConfig(env.Args)
			if err != nil {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: err.Error()}
			}
			if err := engine.Reload(cfg); err != nil {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: err.Error()}
			}
			return map[string]any{"reloaded": true}, nil
		},
	})

	cmdRegistry.Register("op.casil.get", command.Handler{
		RequiredCapability: "casil.admin",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			return encodeConfig(engine.Snapshot()), nil
		},
	})
}

func decodeConfig(args map[string]any) (casil.Config, error) {
	cfg := casil.DefaultConfig()

	if mode, ok := args["mode"].(string); ok && mode != "" {
		cfg.Mode = casil.Mode(mode)
	}
	cfg.ScopeInclude = toStringSlice(args["scope_include"])
	cfg.ScopeExclude = toStringSlice(args["scope_exclude"])

	if policies, ok := args["policies"].(map[string]any); ok {
		if n, ok := policies["max_payload_bytes"].(float64); ok {
			cfg.Policies.MaxPayloadBytes = int(n)
		}
		if b, ok := policies["block_on_probable_secret"].(bool); ok {
			cfg.Policies.BlockOnProbableSecret = b
		}
		if redaction, ok := policies["redaction"].(map[string]any); ok {
			cfg.Policies.Redaction.Paths = toStringSlice(redaction["paths"])
			cfg.Policies.Redaction.Patterns = toStringSlice(redaction["patterns"])
			cfg.Policies.Redaction.NeverLogPayloadFor = toStringSlice(redaction["never_log_payload_for"])
			if b, ok := redaction["transport_redaction"].(bool); ok {
				cfg.Policies.Redaction.TransportRedaction = b
			}
		}
	}

	return cfg, cfg.Validate()
}

func encodeConfig(cfg casil.Config) map[string]any {
	return map[string]any{
		"mode":          string(cfg.Mode),
		"scope_include": cfg.ScopeInclude,
		"scope_exclude": cfg.ScopeExclude,
		"policies": map[string]any{
			"max_payload_bytes":        cfg.Policies.MaxPayloadBytes,
			"block_on_probable_secret": cfg.Policies.BlockOnProbableSecret,
			"redaction": map[string]any{
				"paths":                 cfg.Policies.Redaction.Paths,
				"patterns":              cfg.Policies.Redaction.Patterns,
				"transport_redaction":   cfg.Policies.Redaction.TransportRedaction,
				"never_log_payload_for": cfg.Policies.Redaction.NeverLogPayloadFor,
			},
		},
	}
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
