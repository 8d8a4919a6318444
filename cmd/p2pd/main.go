package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"peerlink/config"
	"peerlink/observability/logging"
	telemetry "peerlink/observability/otel"
	"peerlink/p2p"
	"peerlink/p2p/addrman"
	"peerlink/p2p/banlist"
	"peerlink/p2p/seeds"
)

const dnsTimeout = 5 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flags := registerOverrides(flag.CommandLine)
	flag.Parse()

	if err := run(*configFile, flags); err != nil {
		slog.Error("p2pd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configFile string, flags *overrides) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags.apply(cfg)

	env := strings.TrimSpace(os.Getenv("PEERLINK_ENV"))
	if env == "" {
		env = cfg.Env
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "p2pd",
		Env:        env,
		Level:      level,
		File:       cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
	})
	defer logCloser.Close()

	for _, note := range cfg.ApplyInteractions() {
		logger.Info("Parameter interaction", slog.String("reason", note))
	}
	netCfg, err := cfg.ToP2P()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	available, err := netCfg.FitFileDescriptors()
	if err != nil {
		return err
	}
	logger.Info("File descriptors available",
		slog.Int("available", available),
		slog.Int("max_connections", netCfg.MaxConnections))

	telemetryCfg := telemetry.Config{
		ServiceName: "p2pd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}.WithEnvironment(os.Getenv)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	book, err := addrman.Open(cfg.AddressDB, 0)
	if err != nil {
		return err
	}
	defer book.Close()
	bans, err := banlist.Open(cfg.BanDSN)
	if err != nil {
		return err
	}
	defer bans.Close()

	manager, err := p2p.NewSessionManager(netCfg, p2p.Options{
		AddressManager: book,
		Bans:           bans,
		Handler:        newDrainHandler(book, logger),
		Resolver:       buildResolver(cfg, logger),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start session layer: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           otelhttp.NewHandler(newAdminRouter(manager, logger), "p2pd-admin"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening", slog.String("address", cfg.AdminAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	logger.Info("p2pd initialised and running")
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown failed", slog.Any("error", err))
	}
	if err := manager.Stop(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	logger.Info("p2pd stopped")
	return runErr
}

// buildResolver prefers a pinned DNS server, then the servers listed in
// resolv.conf, then the Go resolver.
func buildResolver(cfg *config.Config, logger *slog.Logger) p2p.HostResolver {
	if server := strings.TrimSpace(cfg.P2P.DNSServer); server != "" {
		return seeds.NewDNSResolver(server, dnsTimeout)
	}
	resolvConf := cfg.P2P.ResolvConf
	if resolvConf == "" {
		resolvConf = "/etc/resolv.conf"
	}
	resolver, err := seeds.NewSystemDNSResolver(resolvConf, dnsTimeout)
	if err != nil {
		logger.Warn("Falling back to system resolver", slog.Any("error", err))
		return seeds.DefaultResolver()
	}
	return resolver
}
