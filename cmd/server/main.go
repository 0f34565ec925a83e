// Command server boots the ArqonBus process: it wires storage, the client
// registry, room/channel membership, the CASIL policy engine, the task
// dispatcher, every standard operator pack, the socket bus, and the HTTP
// admin facade, then blocks until a termination signal asks it to drain
// and exit.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arqonbus/bus/internal/api"
	"github.com/arqonbus/bus/internal/bus"
	"github.com/arqonbus/bus/internal/casil"
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/config"
	"github.com/arqonbus/bus/internal/dispatch"
	"github.com/arqonbus/bus/internal/events"
	"github.com/arqonbus/bus/internal/metrics"
	casilop "github.com/arqonbus/bus/internal/operator/casil"
	"github.com/arqonbus/bus/internal/operator/cron"
	"github.com/arqonbus/bus/internal/operator/history"
	"github.com/arqonbus/bus/internal/operator/omega"
	roomsop "github.com/arqonbus/bus/internal/operator/rooms"
	"github.com/arqonbus/bus/internal/operator/store"
	"github.com/arqonbus/bus/internal/operator/webhook"
	"github.com/arqonbus/bus/internal/registry"
	"github.com/arqonbus/bus/internal/rooms"
	"github.com/arqonbus/bus/internal/storage"
	"github.com/arqonbus/bus/internal/timesync"
)

func main() {
	cfg := config.Get()
	logger := slog.Default()

	if err := bus.PreflightCheck(cfg); err != nil {
		logger.Error("server: preflight check failed", "error", err)
		os.Exit(1)
	}

	backend, err := storage.Create(context.Background(), storage.Config{
		Kind:        cfg.Storage.Backend,
		Mode:        storage.Mode(cfg.Storage.Mode),
		RingSize:    cfg.Storage.RingSize,
		PostgresURL: cfg.Storage.PostgresURL,
		RedisURL:    cfg.Storage.RedisURL,
	})
	if err != nil {
		logger.Error("server: failed to construct storage backend", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	roomsMgr := rooms.New()
	policy := casil.New(casil.Config{
		Mode:         casil.Mode(cfg.CASIL.Mode),
		ScopeInclude: cfg.CASIL.ScopeInclude,
		ScopeExclude: cfg.CASIL.ScopeExclude,
		Policies: casil.Policies{
			MaxPayloadBytes:       cfg.CASIL.MaxPayloadBytes,
			BlockOnProbableSecret: cfg.CASIL.BlockOnSecret,
		},
	})

	dispatcher := dispatch.New(func(clientID string) (dispatch.Sender, bool) {
		return reg.Get(clientID)
	})

	metricsCollector := metrics.New()
	eventsBus := events.NewBus()
	seq := timesync.NewMonotonicSequenceGenerator()

	webhookRegistry := webhook.NewRegistry()
	webhookDispatcher := webhook.NewDispatcher(webhookRegistry, cfg.Webhook.WorkerCount, cfg.Webhook.QueueSize,
		time.Duration(cfg.Webhook.TimeoutSec)*time.Second)

	cmdRegistry := command.NewRegistry()
	kvStore := store.New()
	store.RegisterHandlers(cmdRegistry, kvStore)
	webhook.RegisterHandlers(cmdRegistry, webhookRegistry)
	history.RegisterHandlers(cmdRegistry, backend)
	casilop.RegisterHandlers(cmdRegistry, policy)
	roomsop.RegisterHandlers(cmdRegistry, roomsMgr)

	omegaLab := omega.New(cfg.Omega.Enabled, cfg.Omega.Runtime, cfg.Omega.MaxEvents, cfg.Omega.MaxSubstrates)
	omega.RegisterHandlers(cmdRegistry, omegaLab)

	hub := bus.NewHub(cfg, reg, roomsMgr, policy, backend, cmdRegistry, dispatcher, webhookDispatcher,
		seq, eventsBus, metricsCollector, logger)

	cronScheduler := cron.New(hub)
	cron.RegisterHandlers(cmdRegistry, cronScheduler)

	app := &application{
		cfg:            cfg,
		hub:            hub,
		cron:           cronScheduler,
		dispatcher:     dispatcher,
		webhookDisp:    webhookDispatcher,
		storage:        backend,
		logger:         logger,
		shutdownSignal: make(chan struct{}, 1),
	}

	adminServer := api.New(cfg, app, logger)
	adminHTTP := &http.Server{
		Addr:    ":" + adminAddrPort(cfg),
		Handler: adminServer.Router(),
	}

	busMux := http.NewServeMux()
	busMux.HandleFunc("/ws", hub.HandleWebSocket)
	busHTTP := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: busMux,
	}

	go func() {
		logger.Info("server: admin facade listening", "addr", adminHTTP.Addr)
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server: admin facade stopped", "error", err)
		}
	}()
	go func() {
		logger.Info("server: socket bus listening", "addr", busHTTP.Addr)
		if err := busHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server: socket bus stopped", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("server: termination signal received")
	case <-app.shutdownSignal:
		logger.Info("server: admin-triggered shutdown received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	cronScheduler.Shutdown(logger)
	dispatcher.Shutdown()
	webhookDispatcher.Shutdown()
	_ = adminHTTP.Shutdown(shutdownCtx)
	_ = busHTTP.Shutdown(shutdownCtx)
	if backend != nil {
		_ = backend.Close()
	}

	logger.Info("server: shutdown complete")
}

// adminAddrPort chooses the admin facade's listen port, one above the
// socket bus's port by default so both can run without extra config.
func adminAddrPort(cfg *config.Config) string {
	if cfg.Server.Port == "" {
		return "8081"
	}
	return cfg.Server.Port + "1"
}

// application implements api.Controller: it is the admin facade's only
// handle on process lifecycle.
type application struct {
	cfg            *config.Config
	hub            *bus.Hub
	cron           *cron.Scheduler
	dispatcher     *dispatch.Dispatcher
	webhookDisp    *webhook.Dispatcher
	storage        storage.Backend
	logger         *slog.Logger
	shutdownSignal chan struct{}
}

func (a *application) Shutdown() {
	select {
	case a.shutdownSignal <- struct{}{}:
	default:
	}
}

func (a *application) Restart() {
	a.logger.Warn("server: restart requested; ArqonBus has no supervisor-level restart, shutting down for an external supervisor to relaunch")
	a.Shutdown()
}
