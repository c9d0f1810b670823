package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lrcom/lrcom-server/internal/v1/call"
	"github.com/lrcom/lrcom-server/internal/v1/chat"
	"github.com/lrcom/lrcom-server/internal/v1/cleanup"
	"github.com/lrcom/lrcom-server/internal/v1/config"
	"github.com/lrcom/lrcom-server/internal/v1/fabric"
	"github.com/lrcom/lrcom-server/internal/v1/httpapi"
	"github.com/lrcom/lrcom-server/internal/v1/identity"
	"github.com/lrcom/lrcom-server/internal/v1/logging"
	"github.com/lrcom/lrcom-server/internal/v1/push"
	"github.com/lrcom/lrcom-server/internal/v1/ratelimit"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

func main() {
	// Load .env for local development; in production the environment is
	// injected directly.
	for _, path := range []string{".env", "../../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Debug); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// --- Storage ---
	pool, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "database connection failed", zap.Error(err))
	}
	st := store.New(pool)
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logging.Fatal(ctx, "migrations failed", zap.Error(err))
	}

	// --- Identity ---
	sessions := identity.NewSessionRegistry(cfg.SessionTTL, cfg.MaxSessionsPerUser)
	identitySvc := identity.NewService(st, identity.NewChallengeStore(), sessions)

	// --- Realtime fabric + call engine ---
	hub := fabric.NewHub(sessions, cfg.HeartbeatInterval, cfg.StaleSocketTimeout, cfg.Origins())
	engine := call.NewEngine(hub, hub, st)
	hub.SetCallHandler(engine)

	// --- Domain services ---
	chatSvc := chat.NewService(st)
	pushSvc := push.NewService(st, hub, cfg.PushEnabled())

	// --- Background workers ---
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	sweeper := cleanup.NewSweeper(st, cfg.CleanupInterval)
	go sweeper.Run(workerCtx)

	if cfg.PushEnabled() {
		gateway := push.NewWebpushGateway(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
		worker := push.NewWorker(st, gateway, cfg.AppName, cfg.PushWorkerInterval, cfg.PushCleanupInterval)
		go worker.Run(workerCtx)
		logging.Info(ctx, "web push enabled", zap.String("subject", cfg.VAPIDSubject))
	} else {
		logging.Info(ctx, "web push disabled, no VAPID key pair configured")
	}

	// --- HTTP front ---
	limits, err := ratelimit.New(cfg)
	if err != nil {
		logging.Fatal(ctx, "rate limiter configuration invalid", zap.Error(err))
	}
	api := httpapi.New(cfg, identitySvc, chatSvc, hub, engine, pushSvc, st)
	router := api.Router(limits, hub.ServeWs)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server starting", zap.String("addr", cfg.Addr()), zap.Bool("tls", cfg.TLSCertFile != ""))
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stopWorkers()
	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown", zap.Error(err))
	}
	logging.Info(ctx, "server exiting")
}
