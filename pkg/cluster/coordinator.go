package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/broadcast"
	"github.com/grocermate/fanout/pkg/broker"
	"github.com/grocermate/fanout/pkg/domain"
)

// CoordinatorOptions represents coordinator configuration options
type CoordinatorOptions struct {
	// NodeID identifies this instance in the cluster; generated if empty
	NodeID string

	// AdvertiseAddr is published in discovery heartbeats
	AdvertiseAddr string

	// ClusterEnabled toggles cross-node replication
	ClusterEnabled bool

	// BroadcastSubject and DiscoverySubject are the shared broker channels
	BroadcastSubject string
	DiscoverySubject string

	// HeartbeatInterval is the discovery heartbeat cadence
	HeartbeatInterval time.Duration

	// MaxConcurrentBroadcasts is the admission-control ceiling; calls
	// beyond it are rejected, never queued
	MaxConcurrentBroadcasts int

	// BroadcastTimeout bounds one broadcast end to end
	BroadcastTimeout time.Duration

	// StatsInterval is the cadence of the periodic metrics log
	StatsInterval time.Duration
}

// DefaultCoordinatorOptions returns default coordinator options
func DefaultCoordinatorOptions() CoordinatorOptions {
	return CoordinatorOptions{
		BroadcastSubject:        "fanout.broadcast",
		DiscoverySubject:        "fanout.discovery",
		HeartbeatInterval:       30 * time.Second,
		MaxConcurrentBroadcasts: 100,
		BroadcastTimeout:        10 * time.Second,
		StatsInterval:           60 * time.Second,
	}
}

// Stats is the coordinator's read-only operational snapshot
type Stats struct {
	NodeID               string        `json:"node_id"`
	ClusterEnabled       bool          `json:"cluster_enabled"`
	Connections          int           `json:"connections"`
	Topics               int           `json:"topics"`
	Peers                int           `json:"peers"`
	ConcurrentBroadcasts int           `json:"concurrent_broadcasts"`
	BreakerState         BreakerState  `json:"breaker_state"`
	BatchFlushes         int64         `json:"batch_flushes"`
	BatchesDropped       int64         `json:"batches_dropped"`
	Uptime               time.Duration `json:"uptime"`
}

// Coordinator is the top-level entry point producers call. It delivers
// an event locally through the router, then replicates it to peer nodes
// through the broker behind the circuit breaker, and routes events
// received from peers back into local delivery.
type Coordinator struct {
	options    CoordinatorOptions
	registry   *broadcast.Registry
	router     *broadcast.Router
	dispatcher *broadcast.Dispatcher
	directory  *Directory
	breaker    *Breaker
	metrics    *broadcast.Metrics
	bkr        broker.Broker
	logger     *logging.Logger

	concurrent atomic.Int32
	startTime  time.Time

	subs   []broker.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a new cross-node coordinator
func NewCoordinator(
	registry *broadcast.Registry,
	router *broadcast.Router,
	dispatcher *broadcast.Dispatcher,
	directory *Directory,
	breaker *Breaker,
	metrics *broadcast.Metrics,
	bkr broker.Broker,
	logger *logging.Logger,
	options CoordinatorOptions,
) *Coordinator {
	def := DefaultCoordinatorOptions()
	if options.NodeID == "" {
		options.NodeID = xid.New().String()
	}
	if options.BroadcastSubject == "" {
		options.BroadcastSubject = def.BroadcastSubject
	}
	if options.DiscoverySubject == "" {
		options.DiscoverySubject = def.DiscoverySubject
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = def.HeartbeatInterval
	}
	if options.MaxConcurrentBroadcasts <= 0 {
		options.MaxConcurrentBroadcasts = def.MaxConcurrentBroadcasts
	}
	if options.BroadcastTimeout <= 0 {
		options.BroadcastTimeout = def.BroadcastTimeout
	}
	if options.StatsInterval <= 0 {
		options.StatsInterval = def.StatsInterval
	}

	return &Coordinator{
		options:    options,
		registry:   registry,
		router:     router,
		dispatcher: dispatcher,
		directory:  directory,
		breaker:    breaker,
		metrics:    metrics,
		bkr:        bkr,
		logger:     logger.WithFields(map[string]any{"node_id": options.NodeID}),
		startTime:  time.Now(),
	}
}

// NodeID returns this node's id
func (c *Coordinator) NodeID() string {
	return c.options.NodeID
}

// Start subscribes to the broker channels and starts the periodic loops
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.options.ClusterEnabled && c.bkr != nil {
		sub, err := c.bkr.Subscribe(c.options.BroadcastSubject, c.handleBroadcastMessage)
		if err != nil {
			return err
		}
		c.subs = append(c.subs, sub)

		sub, err = c.bkr.Subscribe(c.options.DiscoverySubject, c.handleHeartbeat)
		if err != nil {
			return err
		}
		c.subs = append(c.subs, sub)

		c.directory.Start(c.ctx)

		c.wg.Add(1)
		go c.heartbeatLoop()
	}

	c.wg.Add(1)
	go c.statsLoop()

	c.logger.Info("coordinator started", "cluster_enabled", c.options.ClusterEnabled)
	return nil
}

// Stop tears down in a fixed order: periodic timers first, then every
// pending batch is flushed, then connections are closed with a shutdown
// code, and only then are broker subscriptions released, so no late
// heartbeat or publish races the teardown. The liveness monitor must be
// stopped by the caller before Stop.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.options.ClusterEnabled && c.bkr != nil {
		c.directory.Stop()
	}

	c.dispatcher.Stop()
	c.registry.CloseAll(domain.CloseServerShutdown, "server shutdown")

	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("error unsubscribing from broker", "error", err)
		}
	}
	c.subs = nil

	c.logger.Info("coordinator stopped")
}

// Broadcast delivers an event locally and, unless opts.LocalOnly,
// replicates it to peer nodes through the circuit breaker. It never
// blocks the caller on admission: beyond the concurrency ceiling the
// call is rejected immediately.
func (c *Coordinator) Broadcast(ctx context.Context, event domain.BroadcastEvent, opts domain.BroadcastOptions) domain.BroadcastResult {
	start := time.Now()

	if n := c.concurrent.Add(1); int(n) > c.options.MaxConcurrentBroadcasts {
		c.concurrent.Add(-1)
		result := domain.BroadcastResult{
			Success:  false,
			Errors:   []string{domain.ErrBroadcastRejected.Error()},
			Duration: time.Since(start),
		}
		c.metrics.RecordBroadcast(false, 0, result.Duration)
		c.logger.Warn("broadcast rejected",
			"event_id", event.ID,
			"max_concurrent", c.options.MaxConcurrentBroadcasts,
		)
		return result
	}
	defer c.concurrent.Add(-1)

	if event.OriginNode == "" {
		event = event.WithOrigin(c.options.NodeID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.options.BroadcastTimeout)
	defer cancel()

	var errs []string

	local, err := c.router.Route(event)
	if err != nil {
		errs = append(errs, fmt.Sprintf("local delivery: %v", err))
	}
	c.metrics.RecordLocalDeliveries(local)

	remoteNodes := 0
	if c.options.ClusterEnabled && c.bkr != nil && !opts.LocalOnly {
		targets := c.targetPeers(opts)
		if len(targets) > 0 {
			err := c.breaker.Execute(func() error {
				return c.publishBroadcast(ctx, event, opts)
			})
			switch {
			case err == nil:
				remoteNodes = len(targets)
				c.metrics.RecordBrokerPublish()
			case err == domain.ErrBreakerOpen:
				errs = append(errs, "remote fan-out skipped: circuit breaker open (fallback to local delivery)")
			default:
				errs = append(errs, fmt.Sprintf("remote publish: %v", err))
			}
		}
	}

	total := local + remoteNodes
	result := domain.BroadcastResult{
		Success:         len(errs) == 0 || total > 0,
		LocalRecipients: local,
		RemoteNodes:     remoteNodes,
		TotalRecipients: total,
		Errors:          errs,
		Duration:        time.Since(start),
	}

	c.metrics.RecordBroadcast(result.Success, total, result.Duration)

	c.logger.Debug("broadcast complete",
		"event_id", event.ID,
		"local_recipients", local,
		"remote_nodes", remoteNodes,
		"errors", len(errs),
		"duration", result.Duration,
	)

	return result
}

// BroadcastToUsers targets the event at the given user ids, then
// delegates to Broadcast
func (c *Coordinator) BroadcastToUsers(ctx context.Context, userIDs []string, event domain.BroadcastEvent, opts domain.BroadcastOptions) domain.BroadcastResult {
	event = event.
		WithMetadata(domain.MetaAudience, domain.AudienceUsers).
		WithMetadata(domain.MetaUsers, strings.Join(userIDs, ","))
	return c.Broadcast(ctx, event, opts)
}

// BroadcastToRoles targets the event at members of the given roles, then
// delegates to Broadcast
func (c *Coordinator) BroadcastToRoles(ctx context.Context, roles []string, event domain.BroadcastEvent, opts domain.BroadcastOptions) domain.BroadcastResult {
	event = event.
		WithMetadata(domain.MetaAudience, domain.AudienceRoles).
		WithMetadata(domain.MetaRoles, strings.Join(roles, ","))
	return c.Broadcast(ctx, event, opts)
}

// BroadcastToSubscribers targets the event at subscribers of an explicit
// topic, then delegates to Broadcast
func (c *Coordinator) BroadcastToSubscribers(ctx context.Context, topic string, event domain.BroadcastEvent, opts domain.BroadcastOptions) domain.BroadcastResult {
	event = event.WithMetadata(domain.MetaTopic, topic)
	return c.Broadcast(ctx, event, opts)
}

// GetMetrics returns a read-only metrics snapshot
func (c *Coordinator) GetMetrics() broadcast.MetricsSnapshot {
	return c.metrics.Snapshot()
}

// GetActiveNodes returns the known peer nodes
func (c *Coordinator) GetActiveNodes() []domain.NodeInfo {
	return c.directory.ListPeers()
}

// GetHealthStatus derives the advisory health tier
func (c *Coordinator) GetHealthStatus() broadcast.HealthReport {
	return c.metrics.Health(broadcast.HealthInputs{
		ConcurrentBroadcasts: int(c.concurrent.Load()),
		MaxConcurrent:        c.options.MaxConcurrentBroadcasts,
		ClusterEnabled:       c.options.ClusterEnabled,
		PeerCount:            c.directory.PeerCount(),
	})
}

// GetStats returns the coordinator's operational snapshot
func (c *Coordinator) GetStats() Stats {
	flushes, dropped := c.dispatcher.Stats()
	return Stats{
		NodeID:               c.options.NodeID,
		ClusterEnabled:       c.options.ClusterEnabled,
		Connections:          c.registry.Count(),
		Topics:               c.registry.TopicCount(),
		Peers:                c.directory.PeerCount(),
		ConcurrentBroadcasts: int(c.concurrent.Load()),
		BreakerState:         c.breaker.State(),
		BatchFlushes:         flushes,
		BatchesDropped:       dropped,
		Uptime:               time.Since(c.startTime),
	}
}

// targetPeers computes the remote fan-out set: all known peers,
// optionally filtered by TargetNodes, minus ExcludeNodes and self
func (c *Coordinator) targetPeers(opts domain.BroadcastOptions) []string {
	var targets []string
	for _, peer := range c.directory.ListPeers() {
		if peer.NodeID == c.options.NodeID {
			continue
		}
		if len(opts.TargetNodes) > 0 && !contains(opts.TargetNodes, peer.NodeID) {
			continue
		}
		if contains(opts.ExcludeNodes, peer.NodeID) {
			continue
		}
		targets = append(targets, peer.NodeID)
	}
	return targets
}

// publishBroadcast serializes the replication envelope and publishes it
// on the broadcast subject
func (c *Coordinator) publishBroadcast(ctx context.Context, event domain.BroadcastEvent, opts domain.BroadcastOptions) error {
	msg := broker.BroadcastMessage{
		Type:      broker.TypeBroadcast,
		NodeID:    c.options.NodeID,
		Event:     event,
		Options:   opts,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.bkr.Publish(ctx, c.options.BroadcastSubject, data)
}

// handleBroadcastMessage routes a peer's replicated event into local
// delivery. Messages bearing this node's own id are ignored; that
// comparison is the loop prevention for the cluster.
func (c *Coordinator) handleBroadcastMessage(data []byte) {
	var msg broker.BroadcastMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("discarding malformed broadcast message", "error", err)
		return
	}

	if msg.NodeID == c.options.NodeID {
		return
	}
	if len(msg.Options.TargetNodes) > 0 && !contains(msg.Options.TargetNodes, c.options.NodeID) {
		return
	}
	if contains(msg.Options.ExcludeNodes, c.options.NodeID) {
		return
	}

	n, err := c.router.Route(msg.Event)
	if err != nil {
		c.logger.Error("failed to route replicated event",
			"event_id", msg.Event.ID,
			"origin_node", msg.NodeID,
			"error", err,
		)
		return
	}

	c.directory.RecordBroadcast(msg.NodeID)
	c.metrics.RecordLocalDeliveries(n)

	c.logger.Debug("replicated event delivered",
		"event_id", msg.Event.ID,
		"origin_node", msg.NodeID,
		"recipients", n,
	)
}

// handleHeartbeat feeds a peer heartbeat into the directory
func (c *Coordinator) handleHeartbeat(data []byte) {
	var hb broker.HeartbeatMessage
	if err := json.Unmarshal(data, &hb); err != nil {
		c.logger.Warn("discarding malformed heartbeat", "error", err)
		return
	}

	// The coordinator's id is authoritative; the directory's own self
	// check cannot catch our heartbeats when the id was generated after
	// the directory was built.
	if hb.NodeID == c.options.NodeID {
		return
	}

	c.directory.OnHeartbeat(hb.NodeID, domain.NodeInfo{
		Address:           hb.Address,
		ActiveConnections: hb.ActiveConnections,
		TotalBroadcasts:   hb.TotalBroadcasts,
	})
}

// heartbeatLoop publishes this node's presence on the discovery subject
func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.HeartbeatInterval)
	defer ticker.Stop()

	c.publishHeartbeat()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.publishHeartbeat()
		}
	}
}

func (c *Coordinator) publishHeartbeat() {
	snapshot := c.metrics.Snapshot()
	hb := broker.HeartbeatMessage{
		Type:              broker.TypeHeartbeat,
		NodeID:            c.options.NodeID,
		Address:           c.options.AdvertiseAddr,
		ActiveConnections: c.registry.Count(),
		TotalBroadcasts:   snapshot.TotalBroadcasts,
		Timestamp:         time.Now(),
	}

	data, err := json.Marshal(hb)
	if err != nil {
		c.logger.Error("failed to marshal heartbeat", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	if err := c.bkr.Publish(ctx, c.options.DiscoverySubject, data); err != nil {
		c.logger.Warn("failed to publish heartbeat", "error", err)
	}
}

// statsLoop periodically logs the operational snapshot
func (c *Coordinator) statsLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.logger.Debug("coordinator stats",
				"connections", stats.Connections,
				"topics", stats.Topics,
				"peers", stats.Peers,
				"concurrent_broadcasts", stats.ConcurrentBroadcasts,
				"breaker_state", stats.BreakerState,
			)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
