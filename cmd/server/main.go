package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/xid"

	"github.com/grocermate/fanout/internal/config"
	"github.com/grocermate/fanout/internal/eventbus"
	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/broadcast"
	"github.com/grocermate/fanout/pkg/broker"
	"github.com/grocermate/fanout/pkg/cluster"
	"github.com/grocermate/fanout/pkg/domain"
	"github.com/grocermate/fanout/pkg/transport/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to config file (json or yaml)")
	flag.Parse()

	cfg, err := config.Load(config.LoadOptions{Path: *configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.NewInMemoryBus(256)
	bus.Start(ctx)
	defer bus.Stop()

	registry := broadcast.NewRegistry(logger, bus, broadcast.RegistryOptions{
		MaxConnectionsPerUser: cfg.Broadcast.MaxConnectionsPerUser,
	})
	dispatcher := broadcast.NewDispatcher(registry, logger, broadcast.DispatcherOptions{
		BatchSize:  cfg.Broadcast.BatchSize,
		BatchDelay: cfg.Broadcast.BatchDelay,
	})
	liveness := broadcast.NewLivenessMonitor(registry, logger, broadcast.LivenessOptions{
		HeartbeatInterval: cfg.Broadcast.HeartbeatInterval,
		SweepInterval:     cfg.Broadcast.InactivitySweepInterval,
		InactivityTimeout: cfg.Broadcast.InactivityTimeout,
	})

	// Pending batches and probe state must die with the connection, on
	// every deregistration path.
	registry.SetOnDeregister(func(id string) {
		dispatcher.Drop(id)
		liveness.Forget(id)
	})

	router := broadcast.NewRouter(registry, dispatcher, logger)
	metrics := broadcast.NewMetrics()

	var bkr broker.Broker
	if cfg.Cluster.Enabled {
		natsBroker, err := broker.NewNATSBroker(broker.DefaultNATSOptions(cfg.Cluster.BrokerURL), logger)
		if err != nil {
			return err
		}
		defer natsBroker.Close()
		bkr = natsBroker
	}

	// Resolve the node id once so every component that needs it (the
	// directory's self check, the coordinator, the welcome frame) sees
	// the same value even when none was configured.
	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		nodeID = xid.New().String()
	}

	coordOpts := cluster.CoordinatorOptions{
		NodeID:                  nodeID,
		AdvertiseAddr:           cfg.Cluster.AdvertiseAddr,
		ClusterEnabled:          cfg.Cluster.Enabled,
		BroadcastSubject:        cfg.Cluster.BroadcastSubject,
		DiscoverySubject:        cfg.Cluster.DiscoverySubject,
		HeartbeatInterval:       cfg.Cluster.HeartbeatInterval,
		MaxConcurrentBroadcasts: cfg.Cluster.MaxConcurrentBroadcasts,
		BroadcastTimeout:        cfg.Cluster.BroadcastTimeout,
	}

	breaker := cluster.NewBreaker(logger, bus, cluster.BreakerOptions{
		Threshold:    cfg.Cluster.BreakerThreshold,
		ResetTimeout: cfg.Cluster.BreakerResetTimeout,
	})

	coordinator := cluster.NewCoordinator(registry, router, dispatcher, cluster.NewDirectory(
		nodeID, logger, bus, cluster.DirectoryOptions{
			NodeTimeout: cfg.Cluster.NodeTimeout,
		},
	), breaker, metrics, bkr, logger, coordOpts)

	if err := coordinator.Start(ctx); err != nil {
		return err
	}

	liveness.Start(ctx)

	wsServer := websocket.NewServer(
		websocket.WithNodeID(coordinator.NodeID()),
		websocket.WithRegistry(registry),
		websocket.WithLiveness(liveness),
		websocket.WithRouter(broadcast.NewHandlerRegistry(registry, logger)),
		websocket.WithLogger(logger),
		websocket.WithConnOptions(connOptions(cfg)),
	)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", wsServer.ServeHTTP)
	r.Get("/healthz", healthzHandler(coordinator))
	r.Get("/metrics", metricsHandler(coordinator))
	r.Get("/stats", statsHandler(coordinator))
	r.Get("/nodes", nodesHandler(coordinator))
	r.Post("/broadcast", broadcastHandler(coordinator))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "node_id", coordinator.NodeID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}

	liveness.Stop()
	coordinator.Stop()

	logger.Info("shutdown complete")
	return nil
}

func connOptions(cfg *config.Config) websocket.ConnOptions {
	opts := websocket.DefaultConnOptions()
	opts.PingInterval = cfg.Broadcast.HeartbeatInterval
	opts.ReadTimeout = 2 * cfg.Broadcast.HeartbeatInterval
	opts.InboundRate = cfg.Broadcast.InboundRate
	opts.InboundBurst = cfg.Broadcast.InboundBurst
	return opts
}

// healthzHandler reports the advisory health tier; unhealthy maps to 503
func healthzHandler(coordinator *cluster.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := coordinator.GetHealthStatus()
		status := http.StatusOK
		if report.Tier == broadcast.HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func metricsHandler(coordinator *cluster.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, coordinator.GetMetrics())
	}
}

func statsHandler(coordinator *cluster.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, coordinator.GetStats())
	}
}

func nodesHandler(coordinator *cluster.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes := coordinator.GetActiveNodes()
		if nodes == nil {
			nodes = []domain.NodeInfo{}
		}
		writeJSON(w, http.StatusOK, nodes)
	}
}

// broadcastRequest is the ops-facing event injection payload
type broadcastRequest struct {
	Type     string                  `json:"type"`
	Source   string                  `json:"source"`
	Payload  json.RawMessage         `json:"payload"`
	Metadata map[string]string       `json:"metadata,omitempty"`
	Options  domain.BroadcastOptions `json:"options"`
}

func broadcastHandler(coordinator *cluster.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req broadcastRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.Type == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
			return
		}

		event := domain.NewBroadcastEvent(req.Type, req.Source, req.Payload)
		for k, v := range req.Metadata {
			event = event.WithMetadata(k, v)
		}

		result := coordinator.Broadcast(r.Context(), event, req.Options)
		status := http.StatusOK
		if !result.Success {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
