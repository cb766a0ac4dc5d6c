package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/llmclub/arena-server/internal/config"
	"github.com/llmclub/arena-server/internal/httpapi"
	"github.com/llmclub/arena-server/internal/hub"
	"github.com/llmclub/arena-server/internal/metrics"
	"github.com/llmclub/arena-server/internal/rounds"
	"github.com/llmclub/arena-server/internal/store"
	"github.com/llmclub/arena-server/internal/votes"
	"github.com/llmclub/arena-server/internal/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	var st store.Store
	if cfg.DatabaseURL != "" {
		g, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database", zap.Error(err))
		}
		st = g
		log.Info("database connected")
	} else {
		st = store.NewMemory()
		log.Warn("DATABASE_URL not set, using in-memory store")
	}

	ctx := context.Background()
	h := hub.New(ctx, st, log, cfg.HeartbeatInterval)

	roundManager := rounds.NewManager(st, h, log)
	h.SetRecorder(roundManager)

	api := &httpapi.API{
		Store:     st,
		Hub:       h,
		Rounds:    roundManager,
		Votes:     votes.NewManager(st, log),
		Metrics:   metrics.NewManager(st),
		Log:       log,
		PinLength: cfg.PinLength,
	}
	wsHandler := ws.Handler(h, log, ws.Options{
		WriteTimeout:    cfg.WriteTimeout,
		ReadIdleTimeout: cfg.ReadIdleTimeout,
	})

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: httpapi.SetupRoutes(api, wsHandler),
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	h.Shutdown()
	log.Info("server stopped")
}
