package webhook

import (
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
)

// RegisterHandlers installs op.webhook.register/list/unregister.
func RegisterHandlers(cmdRegistry *command.Registry, hookRegistry *Registry) {
	cmdRegistry.Register("op.webhook.register", command.Handler{
		RequiredCapability: "webhook.manage",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			url, _ := env.Args["url"].(string)
			if url == "" {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "url is required"}
			}
			room, _ := env.Args["room"].(string)
			channel, _ := env.Args["channel"].(string)
			secret, _ := env.Args["secret"].(string)

			rule := &Rule{
				URL:           url,
				Room:          room,
				Channel:       channel,
				Secret:        secret,
				TenantID:      ctx.TenantID,
				OwnerClientID: ctx.ClientID,
			}
			if err := hookRegistry.Register(rule); err != nil {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: err.Error()}
			}
			return map[string]any{"rule_id": rule.ID}, nil
		},
	})

	cmdRegistry.Register("op.webhook.list", command.Handler{
		RequiredCapability: "webhook.manage",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			rules := hookRegistry.List(ctx.TenantID)
			out := make([]map[string]any, 0, len(rules))
			for _, r := range rules {
				out = append(out, map[string]any{
					"rule_id":    r.ID,
					"url":        r.URL,
					"room":       r.Room,
					"channel":    r.Channel,
					"active":     r.Active,
					"fail_count": r.FailCount,
				})
			}
			return map[string]any{"rules": out}, nil
		},
	})

	cmdRegistry.Register("op.webhook.unregister", command.Handler{
		RequiredCapability: "webhook.manage",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			ruleID, _ := env.Args["rule_id"].(string)
			if ruleID == "" {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "rule_id is required"}
			}
			if err := hookRegistry.Unregister(ctx.TenantID, ruleID); err != nil {
				return nil, &command.HandlerError{Code: "NOT_FOUND", Message: err.Error()}
			}
			return map[string]any{"unregistered": true}, nil
		},
	})
}
