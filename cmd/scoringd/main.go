package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerguard/config"
	"peerguard/observability/logging"
	telemetry "peerguard/observability/otel"
	"peerguard/rpc"
	"peerguard/scoring"
	"peerguard/scoring/reporter"
	"peerguard/storage"
)

const serviceName = "scoringd"

func main() {
	configFile := flag.String("config", "./scoringd.toml", "Path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.Setup(serviceName, cfg.Environment, level)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromSettings(serviceName, cfg.Environment,
		cfg.Telemetry.Endpoint, cfg.Telemetry.Insecure, cfg.Telemetry.Headers))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := openBanDB(cfg)
	if err != nil {
		return fmt.Errorf("open ban database: %w", err)
	}
	defer db.Close()

	mgr, err := newManager(cfg, db, logger)
	if err != nil {
		return err
	}

	sink, closeSink, err := newSink(cfg.Report, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	if cfg.Report.Enabled {
		rep, err := reporter.New(mgr, sink, time.Duration(cfg.Report.IntervalSeconds)*time.Second, logger)
		if err != nil {
			return err
		}
		go rep.Run(ctx)
	}

	server, err := rpc.NewServer(mgr, rpc.ServerConfig{
		AuthToken:         cfg.RPC.AuthToken,
		RequestsPerMinute: cfg.RPC.RequestsPerMinute,
		Burst:             cfg.RPC.Burst,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	logger.Info("scoring daemon started",
		slog.String("dataDir", cfg.DataDir),
		slog.Int("bans", len(mgr.BannedAddresses())))
	if err := server.Serve(ctx, cfg.RPC.Address); err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	logger.Info("scoring daemon stopped")
	return nil
}

func openBanDB(cfg *config.Config) (storage.Database, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	if cfg.BanStoreBackend == config.BackendBolt {
		db, err := storage.NewBoltDB(cfg.BanDBPath())
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	db, err := storage.NewLevelDB(cfg.BanDBPath())
	if err != nil {
		return nil, err
	}
	return db, nil
}

func newManager(cfg *config.Config, db storage.Database, logger *slog.Logger) (*scoring.Manager, error) {
	managerCfg, err := cfg.Scoring.ManagerConfig()
	if err != nil {
		return nil, err
	}
	store, err := scoring.NewDBBanStore(db)
	if err != nil {
		return nil, err
	}
	resolver, err := newResolver(cfg.Scoring)
	if err != nil {
		return nil, err
	}
	return scoring.NewManager(managerCfg,
		scoring.WithLogger(logger),
		scoring.WithBanStore(store),
		scoring.WithResolver(resolver))
}

// newResolver queries the configured name servers directly, falling back to
// the host resolver.
func newResolver(cfg config.ScoringConfig) (scoring.Resolver, error) {
	if len(cfg.Nameservers) == 0 {
		return scoring.SystemResolver(), nil
	}
	resolver, err := scoring.NewDNSResolver(cfg.Nameservers, cfg.ResolveTimeout())
	if err != nil {
		return nil, fmt.Errorf("name servers: %w", err)
	}
	return resolver, nil
}

func newSink(cfg config.ReportConfig, logger *slog.Logger) (reporter.Sink, func(), error) {
	logSink := reporter.NewLogSink(logger)
	if cfg.File == "" {
		return logSink, func() {}, nil
	}
	fileSink, err := reporter.NewFileSink(reporter.FileSinkConfig{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := fileSink.Close(); err != nil {
			logger.Warn("close report file", slog.Any("error", err))
		}
	}
	return reporter.MultiSink{logSink, fileSink}, closeFn, nil
}
