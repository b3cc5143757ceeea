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

	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/kafu/internal/audit"
	"github.com/manthysbr/kafu/internal/engine"
	"github.com/manthysbr/kafu/internal/kafuconfig"
	"github.com/manthysbr/kafu/internal/liveness"
	"github.com/manthysbr/kafu/internal/migration"
	"github.com/manthysbr/kafu/internal/rpc"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting kafu node")

	if err := run(logger); err != nil {
		logger.Error("node startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	configPath := flag.String("config", "", "path to the cluster configuration file")
	nodeID := flag.String("node", "", "this process's node id, as declared in the cluster config")
	auditDBPath := flag.String("audit-db", "", "optional path to a DuckDB file for the migration/liveness audit log")
	flag.Parse()

	if *configPath == "" || *nodeID == "" {
		return fmt.Errorf("both -config and -node are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	cfg, err := kafuconfig.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load cluster config: %w", err)
	}

	self, ok := cfg.Node(*nodeID)
	if !ok {
		return fmt.Errorf("node %q is not declared in %s", *nodeID, *configPath)
	}
	isCoordinator := cfg.CoordinatorID() == *nodeID
	logger = logger.With("node_id", *nodeID, "coordinator", isCoordinator)

	var auditStore *audit.Store
	if *auditDBPath != "" {
		auditStore, err = audit.Open(ctx, *auditDBPath)
		if err != nil {
			logger.Warn("failed to open audit database, continuing without an audit log", "error", err)
		} else {
			defer auditStore.Close()
		}
	}

	wasmPath, ok := cfg.WasmPath()
	if !ok {
		return fmt.Errorf("app.url is not yet supported; app.path is required")
	}
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return fmt.Errorf("failed to read guest module %s: %w", wasmPath, err)
	}

	runtime, err := engine.NewRuntime(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to init engine runtime: %w", err)
	}
	defer runtime.Close(ctx)

	module, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("failed to compile guest module: %w", err)
	}

	instance, err := engine.NewInstance(ctx, runtime, module, engine.Config{
		NodeID:       *nodeID,
		Args:         cfg.App.Args,
		PreopenedDir: cfg.App.PreopenedDir,
		Stdin:        os.Stdin,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		Linker:       engine.DefaultLinkerConfig(),
	})
	if err != nil {
		return fmt.Errorf("failed to instantiate guest module: %w", err)
	}
	defer instance.Close(ctx)

	cache := migration.NewSnapshotCache()

	peerEndpoints := make(map[string]string)
	for _, n := range cfg.OtherNodes(*nodeID) {
		peerEndpoints[n.ID] = n.Config.Endpoint()
	}
	peers := rpc.NewStaticPeers(peerEndpoints)

	var auditLog rpc.AuditLog
	if auditStore != nil {
		auditLog = auditStore
	}

	server := rpc.NewServer(logger, *nodeID, instance, cache, auditLog, fmt.Sprintf(":%d", self.Port))
	sender := rpc.NewSender(logger, instance, cache, peers, auditLog)

	var livenessAudit liveness.AuditLog
	if auditStore != nil {
		livenessAudit = auditStore
	}

	live := liveness.New(liveness.Config{
		NodeID:            *nodeID,
		CoordinatorID:     cfg.CoordinatorID(),
		IsCoordinator:     isCoordinator,
		Peers:             peers,
		Server:            server,
		HeartbeatInterval: time.Duration(cfg.Cluster.Heartbeat.IntervalMS) * time.Millisecond,
		OnCoordinatorLost: cfg.Cluster.Heartbeat.FollowerOnCoordinatorLost,
		Audit:             livenessAudit,
		Logger:            logger,
	})
	live.OnShutdownRequested(func(reason string) {
		logger.Info("shutting down on cluster request", "reason", reason)
		cancel()
	})
	instance.OnExecutionStart(live.MarkExecutionStarted)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gCtx)
	})

	g.Go(func() error {
		if err := live.WaitForStartup(gCtx); err != nil {
			return fmt.Errorf("startup gate failed: %w", err)
		}

		if isCoordinator {
			return live.CoordinatorHeartbeatSender(gCtx)
		}
		return live.FollowerHeartbeatObserver(gCtx)
	})

	if isCoordinator {
		g.Go(func() error {
			return live.CoordinatorPeerMonitor(gCtx)
		})
	}

	// Only the coordinator runs the guest from _start; a follower's guest
	// runs when a migration arrives (the server's Restore + Resume).
	if isCoordinator {
		g.Go(func() error {
			if err := instance.Start(gCtx); err != nil {
				return fmt.Errorf("guest execution failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return dispatchPendingMigrations(gCtx, logger, instance, sender)
	})

	g.Go(func() error {
		<-gCtx.Done()
		if isCoordinator {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = live.RequestClusterShutdownAndExit(shutdownCtx, "coordinator shutting down")
		}
		return nil
	})

	return g.Wait()
}

// dispatchPendingMigrations polls the instance for a migration request
// recorded by the engine's should_checkpoint callback and hands it to the
// sender (C4). The guest's own goroutine (instance.Start) blocks on
// should_checkpoint's caller, so by the time a pending request appears the
// guest has already suspended at that call site.
func dispatchPendingMigrations(ctx context.Context, logger *slog.Logger, instance *engine.Instance, sender *rpc.Sender) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pending := instance.TakePendingMigrationRequest()
			if pending == nil {
				continue
			}
			if err := sender.Send(ctx, pending); err != nil {
				logger.Error("rpc: migration send failed", "to", pending.ToNodeID, "error", err)
			}
		}
	}
}
