// Package history implements the standard operator history pack:
// op.history.get, op.history.replay, and the legacy history.get alias.
package history

import (
	"context"
	"time"

	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
	"github.com/arqonbus/bus/internal/storage"
)

// RegisterHandlers installs op.history.get, op.history.replay, and the
// legacy history.get alias against backend.
func RegisterHandlers(cmdRegistry *command.Registry, backend storage.Backend) {
	get := command.Handler{
		RequiredCapability: "history.read",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			room, _ := env.Args["room"].(string)
			if room == "" && !isAdmin(ctx) {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "room is required for non-admin callers"}
			}
			channel, _ := env.Args["channel"].(string)
			limit := intArg(env.Args["limit"], 100)

			entries, err := backend.GetHistory(context.Background(), room, channel, limit, nil, nil)
			if err != nil {
				return nil, &command.HandlerError{Code: "STORAGE_ERROR", Message: err.Error()}
			}
			return map[string]any{"entries": toPayload(entries)}, nil
		},
	}

	cmdRegistry.Register("op.history.get", get)
	cmdRegistry.Register("history.get", get)

	cmdRegistry.Register("op.history.replay", command.Handler{
		RequiredCapability: "history.read",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			room, _ := env.Args["room"].(string)
			if room == "" && !isAdmin(ctx) {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "room is required for non-admin callers"}
			}
			channel, _ := env.Args["channel"].(string)
			fromTS, ok := timeArg(env.Args["from_ts"])
			if !ok {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "from_ts is required"}
			}
			toTS, ok := timeArg(env.Args["to_ts"])
			if !ok {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "to_ts is required"}
			}
			limit := intArg(env.Args["limit"], 100)
			strict, _ := env.Args["strict_sequence"].(bool)

			entries, err := backend.GetHistoryReplay(context.Background(), room, channel, fromTS, toTS, limit, strict)
			if err != nil {
				return nil, &command.HandlerError{Code: "SEQUENCE_REGRESSION", Message: err.Error()}
			}
			return map[string]any{"entries": toPayload(entries)}, nil
		},
	})
}

func isAdmin(ctx command.Context) bool {
	return ctx.Caller != nil && ctx.Caller.HasCapability("admin")
}

func intArg(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func timeArg(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func toPayload(entries []storage.HistoryEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"envelope":  e.Envelope,
			"room":      e.Room,
			"channel":   e.Channel,
			"timestamp": e.Timestamp,
			"sequence":  e.Sequence,
		})
	}
	return out
}
