package cron

import (
	"time"

	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
)

// RegisterHandlers installs op.cron.schedule/cancel.
func RegisterHandlers(cmdRegistry *command.Registry, scheduler *Scheduler) {
	cmdRegistry.Register("op.cron.schedule", command.Handler{
		RequiredCapability: "cron.manage",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			room, _ := env.Args["room"].(string)
			channel, _ := env.Args["channel"].(string)
			if room == "" || channel == "" {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "room and channel are required"}
			}
			delaySeconds, ok := asFloat(env.Args["delay_seconds"])
			if !ok || delaySeconds < 0 {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "delay_seconds must be a non-negative number"}
			}
			payload, _ := env.Args["payload"].(map[string]any)

			job, err := scheduler.Schedule(ctx.TenantID, room, channel, payload, time.Duration(delaySeconds*float64(time.Second)))
			if err != nil {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: err.Error()}
			}
			return map[string]any{"job_id": job.ID, "fire_at": job.FireAt}, nil
		},
	})

	cmdRegistry.Register("op.cron.cancel", command.Handler{
		RequiredCapability: "cron.manage",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			jobID, _ := env.Args["job_id"].(string)
			if jobID == "" {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "job_id is required"}
			}
			cancelled := scheduler.Cancel(ctx.TenantID, jobID)
			return map[string]any{"cancelled": cancelled}, nil
		},
	})
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
