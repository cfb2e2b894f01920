package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"parcelmesh/pkg/config"
	netstack "parcelmesh/pkg/core/netstack"
	"parcelmesh/pkg/identity"
	"parcelmesh/pkg/observability"
	"parcelmesh/pkg/router"
	"parcelmesh/pkg/sharedmem"
	"parcelmesh/pkg/transport"
	"parcelmesh/pkg/xmit"
)

// run loads configuration, brings up the node's identity, transports and
// transmission scheduler, and blocks until the process is signaled to
// stop. It hosts a router.Registry for whatever code above it (currently
// out of scope for this core: the portal-facing API layer) decides a
// locally-originated route needs to exist.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("parcelmesh-node started", zap.String("app", cfg.AppName))
	logger.Info("effective configuration", zap.Any("config", cfg))

	priv, canonicalID, err := identity.LoadOrGenEd25519(cfg.Identity)
	if err != nil {
		logger.Error("failed to init identity", zap.Error(err))
		return 1
	}
	if cfg.NodeID == "" || cfg.NodeID == "node-1" {
		cfg.NodeID = string(canonicalID)
		logger.Info("derived node_id from identity", zap.String("node_id", cfg.NodeID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := transport.NewManager()
	pool := sharedmem.New(sharedmem.Options{})
	registry := router.NewRegistry(logger)

	sched := xmit.New(func(it xmit.Item, err error) {
		logger.Warn("scheduled send failed", zap.String("dest", it.Dest), zap.Int("size", it.Size), zap.Error(err))
	})
	go sched.Run()
	defer sched.Stop()

	rt := netstack.New(netstack.Config{
		Logger:    logger,
		Manager:   mgr,
		Pool:      pool,
		Scheduler: sched,
		Identity:  priv,
		NodeName:  cfg.NodeID,
	})
	registry.SetBypassResolver(netstack.BypassResolver(rt))

	nsopts := netstack.Options{
		BackoffInitial: time.Duration(cfg.Net.DialBackoffInitialMS) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Net.DialBackoffMaxMS) * time.Millisecond,
		BackoffJitter:  time.Duration(cfg.Net.DialBackoffJitterMS) * time.Millisecond,
	}
	stop, err := netstack.StartFromConfig(ctx, cfg.Transports, rt, nsopts)
	if err != nil {
		logger.Error("failed to start transports", zap.Error(err))
		return 1
	}
	defer stop()

	logger.Info("node is running", zap.Int("routes", registry.Len()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	return 0
}
