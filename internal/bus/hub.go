package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arqonbus/bus/internal/casil"
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/config"
	"github.com/arqonbus/bus/internal/dispatch"
	"github.com/arqonbus/bus/internal/envelope"
	"github.com/arqonbus/bus/internal/events"
	"github.com/arqonbus/bus/internal/metrics"
	"github.com/arqonbus/bus/internal/registry"
	"github.com/arqonbus/bus/internal/rooms"
	"github.com/arqonbus/bus/internal/storage"
	"github.com/arqonbus/bus/internal/timesync"
)

// WebhookEmitter is the subset of the webhook dispatcher the hub needs,
// kept as a local interface so a nil dispatcher (webhooks disabled) is a
// valid zero value.
type WebhookEmitter interface {
	Emit(tenantID, senderClientID string, env *envelope.Envelope)
}

// Hub owns every process-wide piece of mutable state the socket bus reads
// or writes per §5: the client registry, room/channel managers, the CASIL
// engine, the storage backend, the command registry, and the task
// dispatcher. One Hub serves every connection.
type Hub struct {
	cfg        *config.Config
	registry   *registry.Registry
	rooms      *rooms.Manager
	policy     *casil.Engine
	storage    storage.Backend
	commands   *command.Registry
	dispatcher *dispatch.Dispatcher
	webhooks   WebhookEmitter
	seq        *timesync.MonotonicSequenceGenerator
	eventsBus  events.Emitter
	metrics    *metrics.Metrics
	logger     *slog.Logger

	upgrader websocket.Upgrader
}

// NewHub wires every dependency a connection's receive loop touches. Any
// of webhooks/eventsBus/metricsCollector may be nil; the hub treats each
// as an optional integration.
func NewHub(
	cfg *config.Config,
	reg *registry.Registry,
	roomsMgr *rooms.Manager,
	policy *casil.Engine,
	backend storage.Backend,
	commands *command.Registry,
	dispatcher *dispatch.Dispatcher,
	webhooks WebhookEmitter,
	seq *timesync.MonotonicSequenceGenerator,
	eventsBus events.Emitter,
	metricsCollector *metrics.Metrics,
	logger *slog.Logger,
) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:        cfg,
		registry:   reg,
		rooms:      roomsMgr,
		policy:     policy,
		storage:    backend,
		commands:   commands,
		dispatcher: dispatcher,
		webhooks:   webhooks,
		seq:        seq,
		eventsBus:  eventsBus,
		metrics:    metricsCollector,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Publish implements cron.Publisher: a fired cron job is persisted and
// fanned out to its (room, channel) exactly like a client-sent message,
// except there is no sending client to exclude from the broadcast.
func (h *Hub) Publish(env *envelope.Envelope) {
	if h.storage != nil {
		seq := h.seq.Next(env.Metadata.TenantID)
		env.Metadata.Sequence = &seq
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := h.storage.Append(ctx, env); err != nil {
			h.logger.Warn("bus: storage append failed for cron delivery", "error", err, "room", env.Room)
		}
		cancel()
	}
	h.registry.BroadcastTo(h.rooms.Members(env.Room, env.Channel), env, "")
}

// checkOrigin allows every origin outside production; in production it
// restricts to cfg.Server.CORSAllowOrigins, rejecting everything else
// (a bare "*" in that list still allows all, matching the admin API's
// CORS behavior).
func (h *Hub) checkOrigin(r *http.Request) bool {
	if !h.cfg.IsProduction() {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.Server.CORSAllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("bus: rejected connection from disallowed origin", "origin", origin)
	return false
}

// PreflightCheck enforces the startup-time production/staging rules of
// §4.G: refuse to bind without an explicit SERVER_HOST outside local, and
// refuse to run JSON infra in staging/production unless explicitly
// allowed.
func PreflightCheck(cfg *config.Config) error {
	if !cfg.IsLocal() && cfg.Server.Host == "" {
		return fmt.Errorf("bus: refusing to bind: ARQONBUS_SERVER_HOST is unset outside the local environment")
	}
	if (cfg.IsStaging() || cfg.IsProduction()) && cfg.Server.InfraProtocol == "json" && !cfg.Server.AllowJSONInfra {
		return fmt.Errorf("bus: refusing to start: JSON infra protocol is not allowed in %s without ARQONBUS_ALLOW_JSON_INFRA", cfg.Server.Environment)
	}
	return nil
}

// HandleWebSocket upgrades the request, validates an optional bearer JWT,
// registers the client, and hands the connection to its receive loop.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("bus: websocket upgrade failed", "error", err)
		return
	}

	meta := registry.Metadata{
		Role:        identity.Role,
		TenantID:    identity.TenantID,
		Permissions: identity.Permissions,
		HasPerms:    identity.HasPerms,
	}

	conn2 := newConnection(h, conn, meta)
	conn2.run()
}

// authenticate extracts a bearer token from the Authorization header or
// the "token" query parameter and validates it when a JWT secret is
// configured. Absence of a token is only an error when RequireAuth is
// set.
func (h *Hub) authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if h.cfg.Security.RequireAuth {
			return Identity{}, fmt.Errorf("bus: missing bearer token")
		}
		return Identity{}, nil
	}
	if h.cfg.Security.JWTSecret == "" {
		return Identity{}, fmt.Errorf("bus: auth token presented but no JWT secret is configured")
	}
	return ValidateJWT(token, h.cfg.Security.JWTSecret)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)
