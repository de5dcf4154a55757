package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/cmd/broker/auth"
	oauthhttp "github.com/providentiaww/mcp-auth-broker/cmd/broker/oauth"
	"github.com/providentiaww/mcp-auth-broker/internal/broker"
	"github.com/providentiaww/mcp-auth-broker/internal/config"
	"github.com/providentiaww/mcp-auth-broker/internal/events"
	"github.com/providentiaww/mcp-auth-broker/internal/idp"
	"github.com/providentiaww/mcp-auth-broker/internal/logger"
	"github.com/providentiaww/mcp-auth-broker/internal/metrics"
	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
	"github.com/providentiaww/mcp-auth-broker/internal/storage"
)

const ServiceVersion = "v1.2.0"

func main() {
	bootLog, err := logger.New(logger.ConfigFromEnv())
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	config.LoadEnv(bootLog, "../../.env")

	// Rebuild now that .env and secrets may have set LOG_*.
	log, err := logger.New(logger.ConfigFromEnv())
	if err != nil {
		bootLog.Fatal("Failed to create logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", "mcp-auth-broker"), zap.String("version", ServiceVersion))

	cfg, err := oauth.LoadConfig()
	if err != nil {
		log.Fatal("Invalid OAuth configuration", zap.Error(err))
	}
	storeCfg, err := storage.LoadConfigFromEnv()
	if err != nil {
		log.Fatal("Invalid storage configuration", zap.Error(err))
	}
	publisher, err := events.NewPublisherFromEnv(log)
	if err != nil {
		log.Fatal("Failed to initialize audit events", zap.Error(err))
	}
	defer publisher.Close()

	m := metrics.New()
	var ready atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(&ready))
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsMiddleware(cfg.AllowedOrigins, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting broker",
			zap.String("addr", srv.Addr),
			zap.String("base_url", cfg.BaseURL),
			zap.String("metadata", cfg.BaseURL+oauthhttp.AuthorizationServerMetadataPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := storage.NewStoreFromConfig(initCtx, storeCfg, log)
	cancelInit()
	if err != nil {
		log.Fatal("Credential store init failed", zap.Error(err))
	}
	defer store.Close()

	entra := idp.NewEntra(idp.EntraConfig{
		Authority:    cfg.Authority,
		Issuer:       cfg.Issuer,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, log)
	b := broker.New(store, entra, broker.ConfigFrom(cfg),
		broker.WithEvents(publisher),
		broker.WithMetrics(m),
		broker.WithLogger(log))
	registry := oauth.NewRegistry(store, publisher, log)

	oauthServer := oauthhttp.NewServer(cfg, b, registry, log)
	oauthServer.Routes(mux, m)

	bearer := auth.RequireBearer(b, oauthServer.ResourceMetadataURL(), log)
	mux.Handle("/api/session", m.Middleware("session", bearer.HandlerFunc(handleSession)))

	ready.Store(true)
	log.Info("Credential store ready", zap.String("backend", storeCfg.Backend))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("Shutting down", zap.String("signal", s.String()))
	case err := <-serveErr:
		log.Error("Server failed", zap.Error(err))
	}

	ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
}
