// Command agent runs the status-update manager as a standalone process:
// it wires up logging, configuration, the master transport, leader
// detection, the optional audit store, and Prometheus metrics around the
// manager, then blocks until signalled to shut down.
//
// The executor-facing and master-facing transports, and the leader
// detector, are driven here but are themselves external collaborators;
// swapping them for real ones (a gRPC server accepting executor updates,
// a real leader-election client) is a deployment concern outside this
// module's scope.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clustercore/sumagent/internal/audit"
	"github.com/clustercore/sumagent/internal/config"
	"github.com/clustercore/sumagent/internal/leader"
	"github.com/clustercore/sumagent/internal/logging"
	"github.com/clustercore/sumagent/internal/manager"
	"github.com/clustercore/sumagent/internal/metrics"
	"github.com/clustercore/sumagent/internal/transport"
)

func main() {
	flagPointers := config.RegisterFlags()
	flag.Parse()
	cfg := flagPointers.ToConfig()

	logger := logging.InitLogger("sumagent", cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var masterTransport transport.Transport
	switch cfg.Agent.TransportKind {
	case "websocket":
		masterTransport = transport.NewWebSocketTransport()
	default:
		masterTransport = transport.NewGRPCTransport(transport.Config{})
	}
	defer masterTransport.Close()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	var auditor manager.Auditor
	if cfg.Postgres.Enabled {
		store, err := audit.NewStore(ctx, audit.Config{
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			Database:        cfg.Postgres.Database,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			MaxConnIdleTime: cfg.Postgres.MaxConnIdleTime,
		}, logger)
		if err != nil {
			logger.Error("audit store unavailable, continuing without it", slog.String("error", err.Error()))
		} else {
			auditor = store
			defer store.Close()
		}
	}

	mgr := manager.New(manager.Config{
		Transport:   masterTransport,
		RetryPolicy: manager.ExponentialBackoff(5 * time.Minute),
		Metrics:     recorder,
		Auditor:     auditor,
		Logger:      logger,
	})
	defer mgr.Shutdown()

	mgr.Initialize(cfg.Agent.SelfEndpoint)
	if cfg.Agent.MasterEndpoint != "" {
		mgr.NewMasterDetected(cfg.Agent.MasterEndpoint)
	}

	detector, err := leader.NewRedisDetector(ctx, leader.Config{
		Host:       cfg.Redis.Host,
		Port:       cfg.Redis.Port,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Channel:    cfg.Agent.LeaderChannel,
	}, logger)
	if err != nil {
		logger.Error("leader detector unavailable, master endpoint will not change automatically", slog.String("error", err.Error()))
	} else {
		defer detector.Close()
		go func() {
			if err := detector.Run(ctx, mgr.NewMasterDetected); err != nil && ctx.Err() == nil {
				logger.Error("leader detector stopped unexpectedly", slog.String("error", err.Error()))
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	metricsServer := &http.Server{Addr: cfg.Agent.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped unexpectedly", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
