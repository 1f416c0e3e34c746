package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/princeshiamofficial/portal-sub000/internal/campaign"
	"github.com/princeshiamofficial/portal-sub000/internal/dispatch"
	"github.com/princeshiamofficial/portal-sub000/internal/engine"
	"github.com/princeshiamofficial/portal-sub000/internal/events"
	"github.com/princeshiamofficial/portal-sub000/internal/network/gateway"
	"github.com/princeshiamofficial/portal-sub000/internal/session"
	"github.com/princeshiamofficial/portal-sub000/internal/store"
	"github.com/princeshiamofficial/portal-sub000/pkg/config"
	"github.com/princeshiamofficial/portal-sub000/pkg/db"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
	"github.com/princeshiamofficial/portal-sub000/pkg/rmq"
	"github.com/princeshiamofficial/portal-sub000/services/messaging-engine/server"
	"github.com/princeshiamofficial/portal-sub000/services/messaging-engine/worker"
)

func main() {
	config.MustLoadEngine()
	cfg := config.Engine

	logx.Init(cfg.LogLevel, "messaging-engine")
	defer logx.Sync()
	log := logx.L()

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		log.Fatalw("db_open_error", "error", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			log.Warnw("db_close_error", "error", err)
		} else {
			log.Infow("db_closed")
		}
	}()

	st := store.New(sqlDB)
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Migrate(migrateCtx); err != nil {
		log.Fatalw("db_migrate_error", "error", err)
	}
	cancelMigrate()

	bus := events.NewBus()
	loc := cfg.Location()

	mgr := session.NewManager(gateway.New(cfg.GatewayURL, cfg.GatewayToken, log), st, session.Options{
		ReconnectEvery: cfg.ReconnectEvery,
		Bus:            bus,
		Log:            log,
	})
	disp := dispatch.New(mgr, mgr, st, dispatch.Options{
		PaceMin: cfg.PaceMin,
		PaceMax: cfg.PaceMax,
		Bus:     bus,
		Log:     log,
	})
	sched := campaign.New(st, disp, mgr, campaign.Options{
		RecurringSpec: cfg.RecurringSpec,
		ScheduledSpec: cfg.ScheduledSpec,
		Location:      loc,
		Bus:           bus,
		Log:           log,
	})
	eng := engine.New(mgr, disp, sched, st, engine.WithLocation(loc), engine.WithLogger(log))

	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	resumeCtx, cancelResume := context.WithTimeout(ctx, 30*time.Second)
	if err := mgr.Resume(resumeCtx); err != nil {
		log.Errorw("session_resume_error", "error", err)
	}
	cancelResume()

	if err := sched.Start(); err != nil {
		log.Fatalw("scheduler_start_error", "error", err)
	}

	if cfg.RMQURL != "" {
		closeRMQ := startRMQ(ctx, cfg, bus, eng)
		defer closeRMQ()
	} else {
		log.Infow("rmq_disabled")
	}

	hub := server.NewHub(bus)
	srv := server.NewHTTPServer(":"+cfg.Port, server.NewHandlers(eng, hub))

	go func() {
		log.Infow("engine_listen_start", "addr", ":"+cfg.Port, "timezone", loc.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Infow("signal_received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server_shutdown_error", "error", err)
	} else {
		log.Infow("server_shutdown_success")
	}
	hub.Close()
	stopBackground()
	sched.Stop()
	mgr.Close()

	log.Infow("messaging-engine stopped gracefully")
}

// startRMQ forwards engine events to the events exchange and consumes
// broadcast commands. The returned func closes every channel it opened.
func startRMQ(ctx context.Context, cfg config.EngineConfig, bus *events.Bus, eng *engine.Engine) func() {
	log := logx.L()
	var closers []func() error

	evPub, err := rmq.NewFanoutPublisher(cfg.RMQURL, cfg.EventsExchange)
	if err != nil {
		log.Fatalw("rmq_init_error", "exchange", cfg.EventsExchange, "error", err)
	}
	closers = append(closers, evPub.Close)
	go events.Forward(ctx, bus, evPub, log)

	cons, err := rmq.NewConsumer(cfg.RMQURL, cfg.CommandQueue)
	if err != nil {
		log.Fatalw("rmq_init_error", "queue", cfg.CommandQueue, "error", err)
	}
	closers = append(closers, cons.Close)

	retryPub, err := rmq.NewPublisher(cfg.RMQURL, cfg.CommandQueue)
	if err != nil {
		log.Fatalw("rmq_init_error", "queue", cfg.CommandQueue, "error", err)
	}
	closers = append(closers, retryPub.Close)

	w := worker.New(eng, cons, retryPub, cfg.CommandQueue)
	go func() {
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			log.Errorw("worker_error", "error", err)
		}
	}()

	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warnw("rmq_close_error", "error", err)
			}
		}
		log.Infow("rmq_closed")
	}
}
