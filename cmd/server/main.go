package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrgossip/discovery"
	"github.com/ryandielhenn/zephyrgossip/internal/config"
	"github.com/ryandielhenn/zephyrgossip/internal/telemetry"
	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
	"github.com/ryandielhenn/zephyrgossip/pkg/node"
	"github.com/ryandielhenn/zephyrgossip/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("ZEPHYRGOSSIP_CONFIG"), "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("node exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Resolve our own gossip address
	self, err := cfg.Self()
	if err != nil {
		return err
	}

	// 2. Find the introducer: explicit, etcd, or ourselves
	introducer, explicit, err := cfg.Introducer()
	if err != nil {
		return err
	}
	var dir *discovery.Directory
	switch {
	case explicit:
		// a configured introducer wins over etcd
	case len(cfg.EtcdEndpoints) > 0:
		endpoints := make([]string, 0, len(cfg.EtcdEndpoints))
		for _, ep := range cfg.EtcdEndpoints {
			endpoints = append(endpoints, node.NormalizeHostPort(ep, "2379"))
		}
		logger.Info("creating etcd client", zap.Strings("endpoints", endpoints))
		cli, err := discovery.NewClient(endpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()

		// the lease is kept alive for as long as ctx lives
		reg, err := discovery.Register(ctx, cli, self, cfg.EtcdLeaseTTL, logger)
		if errors.Is(err, discovery.ErrIntroducerVanished) {
			reg, err = discovery.Register(ctx, cli, self, cfg.EtcdLeaseTTL, logger)
		}
		if err != nil {
			return err
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = discovery.Deregister(dctx, cli, reg)
		}()
		introducer = reg.Introducer
		dir = discovery.NewDirectory(cli)
	default:
		introducer = self
	}

	// 3. Open the transport and build the node
	tropts := transport.DefaultOptions()
	tropts.Logger = logger
	tr, err := transport.Listen(self, tropts)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer tr.Close()

	telemetry.SetBuildInfo(version, gitSHA)
	metrics := telemetry.NewGossipMetrics(telemetry.Registry, self)
	n := node.New(self, cfg.Protocol(), tr, logger,
		gossip.WithObserver(gossip.Observers(gossip.LogObserver(logger), metrics)))

	if dir != nil {
		n.UseDirectory(dir)
	}

	if err := n.Start(introducer); err != nil {
		if !errors.Is(err, gossip.ErrSendFailed) {
			return fmt.Errorf("start: %w", err)
		}
		// the first JoinRequest is retried by the tick loop
		logger.Warn("start", zap.Error(err))
	}

	// 4. Wire up HTTP endpoints
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.ListMembers)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()
	logger.Info("node up",
		zap.Stringer("self", self),
		zap.String("http", cfg.HTTPAddr),
		zap.Stringer("introducer", introducer),
		zap.Duration("tick", cfg.TickInterval))

	// 5. Gossip until told to stop
	runErr := n.Run(ctx, cfg.TickInterval)

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown error", zap.Error(err))
	}
	return runErr
}
