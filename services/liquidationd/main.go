package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"liquidationqueue/core"
	"liquidationqueue/core/events"
	"liquidationqueue/native/liquidation"
	"liquidationqueue/observability"
	"liquidationqueue/observability/logging"
	telemetry "liquidationqueue/observability/otel"
	"liquidationqueue/rpc"
	"liquidationqueue/services/liquidationd/config"
	"liquidationqueue/services/liquidationd/outbox"
	"liquidationqueue/storage"
)

const serviceName = "liquidationd"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/liquidationd/config.yaml", "path to liquidationd config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("liquidationd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("LIQ_ENV"))
	}
	logOpts := logging.Options{Level: cfg.Logging.Level}
	if cfg.Logging.File.Path != "" {
		logOpts.File = &logging.FileOptions{
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		}
	}
	logger := logging.Setup(serviceName, env, logOpts)

	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	headers := cfg.Telemetry.Headers
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	store, err := outbox.Open(cfg.Outbox.Driver, cfg.Outbox.DSN)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer store.Close()

	feed := events.NewFeed(cfg.FeedBuffer)

	host := core.NewHost(db, nil, logger)
	host.AddGuard(store)
	host.AddHook(core.FeedHook(feed))
	host.AddHook(metricsHook(observability.Liquidation()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrap(ctx, host, cfg.ModuleConfig, logger); err != nil {
		return err
	}
	checkOutbox(ctx, host, store, logger)

	auth, err := rpc.NewAuthenticator(rpc.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew,
	})
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}
	logger.Info("rpc auth configured",
		logging.MaskField("hmacSecret", cfg.Auth.HMACSecret),
		logging.MaskField("outboxDSN", cfg.Outbox.DSN),
		slog.String("issuer", cfg.Auth.Issuer),
		slog.String("audience", cfg.Auth.Audience))
	server, err := rpc.NewServer(host, rpc.Config{
		ServiceName: serviceName,
		Auth:        auth,
		RateLimit: rpc.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Outbox:         store,
		Feed:           feed,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("configure rpc: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext liquidationd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("liquidationd listening",
			slog.String("addr", listener.Addr().String()),
			slog.Bool("tls", cfg.TLS.Enabled()))
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func openStorage(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, err
		}
		return storage.NewLevelDB(cfg.Path)
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(cfg.Path, nil)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func bootstrap(ctx context.Context, host *core.Host, path string, logger *slog.Logger) error {
	moduleCfg, err := liquidation.LoadConfig(path)
	if err != nil {
		return err
	}
	genesis, err := moduleCfg.Genesis()
	if err != nil {
		return err
	}
	applied, err := host.InitGenesis(ctx, genesis)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		logger.Info("liquidation genesis applied",
			slog.Int("queues", len(genesis.Queues)),
			slog.String("stableDenom", genesis.Params.StableDenom))
	}
	return nil
}

// checkOutbox warns when the outbox and the state database disagree on the
// last committed message, which happens when one of them was restored alone.
func checkOutbox(ctx context.Context, host *core.Host, store *outbox.Store, logger *slog.Logger) {
	hostSeq, err := host.Sequence()
	if err != nil {
		logger.Warn("read host sequence", slog.Any("error", err))
		return
	}
	outboxSeq, err := store.LastSequence(ctx)
	if err != nil {
		logger.Warn("read outbox sequence", slog.Any("error", err))
		return
	}
	if outboxSeq != hostSeq {
		logger.Warn("outbox sequence differs from state",
			slog.Uint64("state", hostSeq),
			slog.Uint64("outbox", outboxSeq))
	}
}

func metricsHook(metrics *observability.LiquidationMetrics) core.CommitHook {
	return core.CommitHookFunc(func(_ context.Context, commit *core.Commit) error {
		for _, evt := range commit.Events {
			metrics.Emit(evt)
		}
		return nil
	})
}
