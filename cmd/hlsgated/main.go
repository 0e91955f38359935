// SPDX-License-Identifier: MIT

// Command hlsgated runs the protected HLS gateway: the admission
// pipeline and delivery engine behind the proxy endpoint, plus the
// admin, monitoring and metrics surfaces.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vstreamlab/hlsgate/internal/accesslog"
	"github.com/vstreamlab/hlsgate/internal/admission"
	"github.com/vstreamlab/hlsgate/internal/api"
	"github.com/vstreamlab/hlsgate/internal/config"
	"github.com/vstreamlab/hlsgate/internal/delivery"
	"github.com/vstreamlab/hlsgate/internal/jswhitelist"
	"github.com/vstreamlab/hlsgate/internal/keyprotect"
	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/log"
	"github.com/vstreamlab/hlsgate/internal/replay"
	"github.com/vstreamlab/hlsgate/internal/session"
	"github.com/vstreamlab/hlsgate/internal/transfer"
	"github.com/vstreamlab/hlsgate/internal/whitelist"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.FromEnv()
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "hlsgate",
		Console: cfg.LogFormat == "console",
	})
	logger := log.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	store, err := kv.New(kv.Config{
		Addr:        cfg.Redis.Addr(),
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		UsePipeline: cfg.EnableRedisPipeline,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("control-plane store unavailable")
	}
	defer store.Close()

	tracker := transfer.NewTracker()
	engine, err := delivery.NewEngine(cfg, tracker)
	if err != nil {
		logger.Fatal().Err(err).Msg("delivery engine init failed")
	}

	writer := accesslog.NewWriter(store, 1024)
	wl := whitelist.New(store, cfg)
	sessions := session.New(store, cfg)
	js := jswhitelist.New(store, cfg)
	kp := keyprotect.New(store, writer)

	gate := admission.New(admission.Deps{
		Config:     cfg,
		KV:         store,
		Whitelist:  wl,
		Session:    sessions,
		Replay:     replay.New(store, writer),
		KeyProtect: kp,
		JS:         js,
		Engine:     engine,
		Writer:     writer,
	})

	router := api.NewRouter(api.Deps{
		Config:     cfg,
		KV:         store,
		Whitelist:  wl,
		Session:    sessions,
		JS:         js,
		KeyProtect: kp,
		Engine:     engine,
		Tracker:    tracker,
		Logs:       accesslog.NewReader(store),
		Gate:       gate,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info().
		Str("addr", cfg.ListenAddr).
		Str("backend", string(cfg.Backend.Mode)).
		Msg("gateway listening")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown incomplete")
	}
	writer.Close()
	logger.Info().Msg("shutdown complete")
}
