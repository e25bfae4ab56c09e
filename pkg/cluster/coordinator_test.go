package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grocermate/fanout/pkg/broadcast"
	"github.com/grocermate/fanout/pkg/broker"
	"github.com/grocermate/fanout/pkg/domain"
)

// testConn is an in-memory domain.Conn for coordinator tests
type testConn struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeCode int
}

func newTestConn(id string) *testConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &testConn{id: id, ctx: ctx, cancel: cancel}
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(ctx context.Context, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrConnectionClosed
	}
	c.sent = append(c.sent, message)
	return nil
}

func (c *testConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.cancel()
	return nil
}

func (c *testConn) RemoteAddr() string { return "127.0.0.1:9999" }

func (c *testConn) Context() context.Context { return c.ctx }

func (c *testConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// receivedEvents decodes every delivered batch frame back into events
func (c *testConn) receivedEvents(t *testing.T) []domain.BroadcastEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []domain.BroadcastEvent
	for _, frame := range c.sent {
		var msg struct {
			Type string `json:"type"`
			Data struct {
				Messages []json.RawMessage `json:"messages"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(frame, &msg))
		if msg.Type != "batch" {
			continue
		}
		for _, raw := range msg.Data.Messages {
			var event domain.BroadcastEvent
			require.NoError(t, json.Unmarshal(raw, &event))
			events = append(events, event)
		}
	}
	return events
}

// testNode bundles one coordinator with its collaborators
type testNode struct {
	registry    *broadcast.Registry
	directory   *Directory
	breaker     *Breaker
	coordinator *Coordinator
}

func newTestNode(nodeID string, bkr broker.Broker, enabled bool) *testNode {
	logger := testLogger()
	registry := broadcast.NewRegistry(logger, nil, broadcast.RegistryOptions{})
	dispatcher := broadcast.NewDispatcher(registry, logger, broadcast.DispatcherOptions{BatchSize: 1})
	router := broadcast.NewRouter(registry, dispatcher, logger)
	directory := NewDirectory(nodeID, logger, nil, DirectoryOptions{})
	breaker := NewBreaker(logger, nil, BreakerOptions{Threshold: 5, ResetTimeout: time.Hour})

	coordinator := NewCoordinator(registry, router, dispatcher, directory, breaker,
		broadcast.NewMetrics(), bkr, logger, CoordinatorOptions{
			NodeID:                  nodeID,
			ClusterEnabled:          enabled,
			MaxConcurrentBroadcasts: 100,
			HeartbeatInterval:       time.Hour,
			StatsInterval:           time.Hour,
		})

	return &testNode{
		registry:    registry,
		directory:   directory,
		breaker:     breaker,
		coordinator: coordinator,
	}
}

// subscribeConn registers a connection and subscribes it to a topic
func (n *testNode) subscribeConn(t *testing.T, id, topic string) *testConn {
	t.Helper()
	conn := newTestConn(id)
	n.registry.Register(conn, domain.ConnMeta{})
	require.NoError(t, n.registry.Subscribe(id, topic))
	return conn
}

func TestCoordinatorLocalOnlyBroadcast(t *testing.T) {
	node := newTestNode("node-a", nil, false)

	subscribers := []*testConn{
		node.subscribeConn(t, "c1", "price.drop"),
		node.subscribeConn(t, "c2", "price.drop"),
		node.subscribeConn(t, "c3", "price.drop"),
	}
	bystander := newTestConn("c4")
	node.registry.Register(bystander, domain.ConnMeta{})

	event := domain.NewBroadcastEvent("price.drop", "pricing", json.RawMessage(`{"sku":"123"}`))
	result := node.coordinator.Broadcast(context.Background(), event, domain.BroadcastOptions{LocalOnly: true})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.LocalRecipients)
	assert.Equal(t, 0, result.RemoteNodes)
	assert.Empty(t, result.Errors)

	for _, conn := range subscribers {
		events := conn.receivedEvents(t)
		require.Len(t, events, 1)
		assert.Equal(t, event.ID, events[0].ID)
		assert.Equal(t, "node-a", events[0].OriginNode)
	}
	assert.Equal(t, 0, bystander.sentCount())
}

func TestCoordinatorRejectsBeyondConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	bkr := &blockingBroker{release: release, started: started}

	node := newTestNode("node-a", bkr, true)
	node.directory.OnHeartbeat("node-b", domain.NodeInfo{})
	node.coordinator.options.MaxConcurrentBroadcasts = 1

	done := make(chan domain.BroadcastResult, 1)
	go func() {
		event := domain.NewBroadcastEvent("stock.low", "inventory", nil)
		done <- node.coordinator.Broadcast(context.Background(), event, domain.BroadcastOptions{})
	}()

	<-started

	// Capacity is taken; the next call is rejected immediately, not queued.
	event := domain.NewBroadcastEvent("stock.low", "inventory", nil)
	result := node.coordinator.Broadcast(context.Background(), event, domain.BroadcastOptions{})
	assert.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "rejected")

	close(release)
	first := <-done
	assert.True(t, first.Success)
}

func TestCoordinatorCrossNodeDelivery(t *testing.T) {
	shared := broker.NewMemoryBroker()

	nodeA := newTestNode("node-a", shared, true)
	nodeB := newTestNode("node-b", shared, true)

	require.NoError(t, nodeA.coordinator.Start(context.Background()))
	require.NoError(t, nodeB.coordinator.Start(context.Background()))
	defer nodeA.coordinator.Stop()
	defer nodeB.coordinator.Stop()

	// Node B's startup heartbeat reaches node A synchronously over the
	// in-memory broker.
	nodes := nodeA.coordinator.GetActiveNodes()
	require.Len(t, nodes, 1)
	require.Equal(t, "node-b", nodes[0].NodeID)

	remote := nodeB.subscribeConn(t, "rc1", "price.drop")

	event := domain.NewBroadcastEvent("price.drop", "pricing", json.RawMessage(`{"sku":"456"}`))
	result := nodeA.coordinator.Broadcast(context.Background(), event, domain.BroadcastOptions{})

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.LocalRecipients)
	assert.Equal(t, 1, result.RemoteNodes)

	events := remote.receivedEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, "node-a", events[0].OriginNode)
}

func TestCoordinatorGeneratedNodeIDNeverListsSelfAsPeer(t *testing.T) {
	shared := broker.NewMemoryBroker()
	logger := testLogger()
	registry := broadcast.NewRegistry(logger, nil, broadcast.RegistryOptions{})
	dispatcher := broadcast.NewDispatcher(registry, logger, broadcast.DispatcherOptions{BatchSize: 1})
	router := broadcast.NewRouter(registry, dispatcher, logger)

	// Node id left empty everywhere, as in a default configuration: the
	// directory is built before the coordinator generates an id.
	directory := NewDirectory("", logger, nil, DirectoryOptions{})
	breaker := NewBreaker(logger, nil, BreakerOptions{})

	coordinator := NewCoordinator(registry, router, dispatcher, directory, breaker,
		broadcast.NewMetrics(), shared, logger, CoordinatorOptions{
			ClusterEnabled:    true,
			HeartbeatInterval: time.Hour,
			StatsInterval:     time.Hour,
		})

	require.NoError(t, coordinator.Start(context.Background()))
	defer coordinator.Stop()

	// Start publishes an initial discovery heartbeat synchronously over
	// the in-memory broker; it must not come back as a peer.
	require.NotEmpty(t, coordinator.NodeID())
	assert.Empty(t, coordinator.GetActiveNodes())
	assert.Equal(t, 0, directory.PeerCount())
}

func TestCoordinatorIgnoresFilteredReplications(t *testing.T) {
	node := newTestNode("node-a", nil, true)
	conn := node.subscribeConn(t, "c1", "price.drop")

	publish := func(originNode string, opts domain.BroadcastOptions) {
		msg := broker.BroadcastMessage{
			Type:    broker.TypeBroadcast,
			NodeID:  originNode,
			Event:   domain.NewBroadcastEvent("price.drop", "pricing", nil),
			Options: opts,
		}
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		node.coordinator.handleBroadcastMessage(data)
	}

	// Own replications and replications addressed elsewhere are dropped.
	publish("node-a", domain.BroadcastOptions{})
	publish("node-b", domain.BroadcastOptions{TargetNodes: []string{"node-x"}})
	publish("node-b", domain.BroadcastOptions{ExcludeNodes: []string{"node-a"}})
	assert.Equal(t, 0, conn.sentCount())

	publish("node-b", domain.BroadcastOptions{TargetNodes: []string{"node-a"}})
	assert.Equal(t, 1, conn.sentCount())
}

func TestCoordinatorBreakerFallback(t *testing.T) {
	bkr := &failingBroker{}
	node := newTestNode("node-a", bkr, true)
	node.directory.OnHeartbeat("node-b", domain.NodeInfo{})

	local := node.subscribeConn(t, "c1", "stock.low")

	// Five consecutive publish failures open the breaker; each broadcast
	// still succeeds locally.
	for i := 0; i < 5; i++ {
		event := domain.NewBroadcastEvent("stock.low", "inventory", nil)
		result := node.coordinator.Broadcast(context.Background(), event, domain.BroadcastOptions{})
		assert.True(t, result.Success)
		assert.Equal(t, 1, result.LocalRecipients)
		assert.Equal(t, 0, result.RemoteNodes)
		require.NotEmpty(t, result.Errors)
	}
	require.Equal(t, BreakerOpen, node.breaker.State())

	// With the breaker open the next broadcast skips the broker entirely
	// and completes fast.
	start := time.Now()
	event := domain.NewBroadcastEvent("stock.low", "inventory", nil)
	result := node.coordinator.Broadcast(context.Background(), event, domain.BroadcastOptions{})
	elapsed := time.Since(start)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.LocalRecipients)
	assert.Equal(t, 0, result.RemoteNodes)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "circuit breaker open")
	assert.Less(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, 6, local.sentCount())
	assert.Equal(t, 5, bkr.calls, "open breaker must not touch the broker")
}

func TestCoordinatorBroadcastToUsers(t *testing.T) {
	node := newTestNode("node-a", nil, false)

	conn := newTestConn("c1")
	node.registry.Register(conn, domain.ConnMeta{})
	_, err := node.registry.Authenticate("c1", "alice")
	require.NoError(t, err)

	event := domain.NewBroadcastEvent("cart.reminder", "carts", nil)
	result := node.coordinator.BroadcastToUsers(context.Background(), []string{"alice"}, event, domain.BroadcastOptions{})

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.LocalRecipients)
	assert.Equal(t, 1, conn.sentCount())
}

func TestCoordinatorStopClosesConnections(t *testing.T) {
	node := newTestNode("node-a", nil, false)
	require.NoError(t, node.coordinator.Start(context.Background()))

	conn := node.subscribeConn(t, "c1", "price.drop")
	node.coordinator.Stop()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
	assert.Equal(t, domain.CloseServerShutdown, conn.closeCode)
}

func TestCoordinatorStats(t *testing.T) {
	node := newTestNode("node-a", nil, false)
	node.subscribeConn(t, "c1", "price.drop")

	event := domain.NewBroadcastEvent("price.drop", "pricing", nil)
	node.coordinator.Broadcast(context.Background(), event, domain.BroadcastOptions{LocalOnly: true})

	stats := node.coordinator.GetStats()
	assert.Equal(t, "node-a", stats.NodeID)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Topics)
	assert.Equal(t, BreakerClosed, stats.BreakerState)

	metrics := node.coordinator.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalBroadcasts)
	assert.Equal(t, int64(1), metrics.SuccessfulBroadcasts)

	health := node.coordinator.GetHealthStatus()
	assert.Equal(t, broadcast.HealthHealthy, health.Tier)
}

// blockingBroker blocks Publish until released; used to hold a
// broadcast in flight
type blockingBroker struct {
	release <-chan struct{}
	started chan<- struct{}
	once    sync.Once
}

func (b *blockingBroker) Publish(ctx context.Context, subject string, data []byte) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingBroker) Subscribe(subject string, handler broker.MsgHandler) (broker.Subscription, error) {
	return noopSubscription{}, nil
}

func (b *blockingBroker) Close() error { return nil }

// failingBroker fails every publish
type failingBroker struct {
	calls int
}

func (b *failingBroker) Publish(ctx context.Context, subject string, data []byte) error {
	b.calls++
	return broker.ErrBrokerClosed
}

func (b *failingBroker) Subscribe(subject string, handler broker.MsgHandler) (broker.Subscription, error) {
	return noopSubscription{}, nil
}

func (b *failingBroker) Close() error { return nil }

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }
