// Package rooms exposes the room/channel membership commands
// (op.rooms.join, op.rooms.leave) over the command lane. The managers
// themselves live in internal/rooms; this package is the thin operator
// surface a client uses to join before it can receive a broadcast.
package rooms

import (
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
	roomsmgr "github.com/arqonbus/bus/internal/rooms"
)

// RegisterHandlers installs op.rooms.join/leave against mgr.
func RegisterHandlers(cmdRegistry *command.Registry, mgr *roomsmgr.Manager) {
	cmdRegistry.Register("op.rooms.join", command.Handler{
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			room, _ := env.Args["room"].(string)
			channel, _ := env.Args["channel"].(string)
			if room == "" || channel == "" {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "room and channel are required"}
			}
			mgr.Join(room, channel, ctx.ClientID)
			return map[string]any{"joined": true, "room": room, "channel": channel}, nil
		},
	})

	cmdRegistry.Register("op.rooms.leave", command.Handler{
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			room, _ := env.Args["room"].(string)
			channel, _ := env.Args["channel"].(string)
			if room == "" || channel == "" {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "room and channel are required"}
			}
			mgr.Leave(room, channel, ctx.ClientID)
			return map[string]any{"left": true, "room": room, "channel": channel}, nil
		},
	})
}
