package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-relay/internal/platform/config"
	"stream-relay/internal/platform/logger"
	"stream-relay/internal/platform/metrics"
	"stream-relay/internal/relay"
	"stream-relay/internal/transform"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	cfg := relay.DefaultConfig()
	cfg.MaxFrameBytes = config.GetEnvInt("RELAY_MAX_FRAME_BYTES", relay.DefaultMaxFrameBytes)
	cfg.TransformTimeout = config.GetEnvDuration("RELAY_TRANSFORM_TIMEOUT", 0)
	cfg.FanoutConcurrency = config.GetEnvInt("RELAY_FANOUT_CONCURRENCY", relay.DefaultFanoutConcurrency)
	cfg.FrameSkippedNotices = config.GetEnvBool("RELAY_FRAME_SKIPPED_NOTICES", true)

	writeTimeout := config.GetEnvDuration("RELAY_WRITE_TIMEOUT", 10*time.Second)
	opts := relay.HandlerOptions{
		ReadLimit:    int64(config.GetEnvInt("RELAY_READ_LIMIT_BYTES", relay.DefaultReadLimit)),
		WriteTimeout: writeTimeout,
		MaxLifetime:  config.GetEnvDuration("RELAY_CONNECTION_MAX_LIFETIME", 0),
	}

	factory, err := newFactory(log,
		config.GetEnv("RELAY_TRANSFORMER", "passthrough"),
		config.GetEnv("RELAY_TRANSFORMER_URL", ""),
		cfg.TransformTimeout,
	)
	if err != nil {
		log.Error("invalid transformer configuration", "error", err)
		os.Exit(1)
	}

	enabled := []transform.ProcessorType{transform.ProcessorStandard}
	if config.GetEnvBool("RELAY_LIGHTNING_ENABLED", true) {
		enabled = append(enabled, transform.ProcessorLightning)
	}
	pool := transform.NewPool(factory, log, enabled...)

	met := metrics.New()
	rl := relay.New(cfg, pool, log, met)
	h := relay.NewHandler(rl, log, met, opts)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(rl.ActiveStreamCount()) }).ServeHTTP(w, r)
	})
	h.Mount(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"log_level", logLevel,
		"processors", pool.Available(),
		"max_frame_bytes", cfg.MaxFrameBytes,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := rl.Shutdown(ctx); err != nil {
		log.Error("relay shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// newFactory builds the processor factory selected by RELAY_TRANSFORMER.
func newFactory(log *slog.Logger, kind, url string, timeout time.Duration) (transform.Factory, error) {
	switch kind {
	case "remote":
		if url == "" {
			return nil, errors.New("RELAY_TRANSFORMER_URL is required for the remote transformer")
		}
		return transform.NewRemoteFactory(url, timeout), nil
	default:
		if kind != "passthrough" {
			log.Warn("unknown transformer, using passthrough", "transformer", kind)
		}
		return func(context.Context, transform.ProcessorType) (transform.Transformer, error) {
			return transform.Passthrough{}, nil
		}, nil
	}
}
