package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"e2ee-relay/internal/authz"
	"e2ee-relay/internal/call"
	"e2ee-relay/internal/config"
	"e2ee-relay/internal/fanout"
	"e2ee-relay/internal/grace"
	"e2ee-relay/internal/observability/logging"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/session"
	"e2ee-relay/internal/store"
	transport "e2ee-relay/internal/transport/http"
	"e2ee-relay/internal/transport/ws"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "relay",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("relay")

	logger.Info("starting service")

	db, err := store.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		logger.Error("token verifier", "mode", cfg.JWTMode, "error", err)
		os.Exit(1)
	}

	registry := session.NewRegistry(st, cfg.PresenceDebounce, cfg.DedupWindow)
	engine := fanout.NewEngine(st, registry)
	calls := call.NewMachine(st, registry, cfg.RingTimeout)
	graceCtl := grace.NewController(calls, registry, st, cfg.DisconnectDelay, cfg.ReconnectGrace)

	wsHandler := ws.NewHandler(registry, engine, calls, graceCtl, verifier, cfg.ReplayBatchMax)
	router := transport.NewRouter(cfg, wsHandler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("relay listening", "addr", cfg.Addr,
		"ring_timeout", cfg.RingTimeout,
		"disconnect_delay", cfg.DisconnectDelay,
		"reconnect_grace", cfg.ReconnectGrace)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func buildVerifier(cfg config.Config) (authz.Verifier, error) {
	switch cfg.JWTMode {
	case "eddsa":
		return authz.NewEdDSAVerifier(cfg.JWTPublicKey, cfg.Issuer)
	case "dev":
		// Ephemeral in-process keypair; the signer's public key is logged
		// so a local client can mint matching tokens with relayctl.
		signer, err := authz.NewSignerFromBase64("", "dev", cfg.Issuer)
		if err != nil {
			return nil, err
		}
		slog.Warn("dev token mode", "public_key", signer.PublicBase64())
		return signer.Verifier(), nil
	default:
		return authz.NewHMACVerifier(cfg.JWTSecret, cfg.Issuer), nil
	}
}
