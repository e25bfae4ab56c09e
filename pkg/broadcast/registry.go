package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/grocermate/fanout/internal/eventbus"
	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
)

// RegistryOptions represents registry configuration options
type RegistryOptions struct {
	// MaxConnectionsPerUser bounds the user index; the oldest connection
	// for a user is force-closed when the cap is exceeded
	MaxConnectionsPerUser int
}

// DefaultRegistryOptions returns default registry options
func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		MaxConnectionsPerUser: 5,
	}
}

// connection is the registry's record for one live connection
type connection struct {
	conn           domain.Conn
	remoteAddr     string
	userID         string
	connectedAt    time.Time
	lastActivityAt time.Time
	messageCount   int64
	topics         map[string]struct{}
}

// Registry owns live connections and the reverse indices used for
// routing: topic to connections and user to connections. All lookups
// are map-based; no operation scans the full connection set except the
// explicit snapshot accessors.
type Registry struct {
	logger   *logging.Logger
	eventBus eventbus.Bus
	options  RegistryOptions

	mu     sync.RWMutex
	conns  map[string]*connection
	topics map[string]map[string]struct{}
	users  map[string][]string // FIFO order, oldest first

	// onDeregister runs synchronously inside Deregister so dependent
	// state (pending batches, liveness tracking) is cleared before the
	// id can be reused.
	onDeregister func(id string)
}

// NewRegistry creates a new connection registry
func NewRegistry(logger *logging.Logger, eventBus eventbus.Bus, options RegistryOptions) *Registry {
	if options.MaxConnectionsPerUser <= 0 {
		options.MaxConnectionsPerUser = DefaultRegistryOptions().MaxConnectionsPerUser
	}

	return &Registry{
		logger:   logger,
		eventBus: eventBus,
		options:  options,
		conns:    make(map[string]*connection),
		topics:   make(map[string]map[string]struct{}),
		users:    make(map[string][]string),
	}
}

// SetOnDeregister registers a hook invoked synchronously whenever a
// connection leaves the registry, on every path (close, error, eviction)
func (r *Registry) SetOnDeregister(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDeregister = fn
}

// Register admits a connection and returns its id
func (r *Registry) Register(conn domain.Conn, meta domain.ConnMeta) string {
	id := conn.ID()
	now := time.Now()

	r.mu.Lock()
	r.conns[id] = &connection{
		conn:           conn,
		remoteAddr:     meta.RemoteAddr,
		userID:         meta.UserID,
		connectedAt:    now,
		lastActivityAt: now,
		topics:         make(map[string]struct{}),
	}
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"connection_id", id,
		"remote_addr", meta.RemoteAddr,
		"total_connections", total,
	)

	if r.eventBus != nil {
		r.eventBus.PublishAsync(eventbus.NewEvent(
			eventbus.EventConnectionOpened,
			"registry",
			map[string]string{"connection_id": id, "remote_addr": meta.RemoteAddr},
		))
	}

	return id
}

// Deregister removes a connection from every index. It is idempotent:
// both the explicit close path and the transport-error path call it.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.conns, id)
	for topic := range c.topics {
		r.removeFromTopicLocked(topic, id)
	}
	if c.userID != "" {
		r.removeFromUserLocked(c.userID, id)
	}
	hook := r.onDeregister
	total := len(r.conns)
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}

	r.logger.Info("connection deregistered",
		"connection_id", id,
		"total_connections", total,
	)

	if r.eventBus != nil {
		r.eventBus.PublishAsync(eventbus.NewEvent(
			eventbus.EventConnectionClosed,
			"registry",
			map[string]string{"connection_id": id},
		))
	}
}

// Evict force-closes a connection and removes it from every index
func (r *Registry) Evict(id string, code int, reason string) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.logger.Warn("evicting connection",
		"connection_id", id,
		"code", code,
		"reason", reason,
	)

	if err := c.conn.Close(code, reason); err != nil {
		r.logger.Debug("error closing evicted connection", "connection_id", id, "error", err)
	}
	r.Deregister(id)

	if r.eventBus != nil {
		r.eventBus.PublishAsync(eventbus.NewEvent(
			eventbus.EventConnectionEvicted,
			"registry",
			map[string]string{"connection_id": id, "reason": reason},
		))
	}
}

// Subscribe adds the connection to the given topics
func (r *Registry) Subscribe(id string, topics ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}

	for _, topic := range topics {
		if topic == "" {
			continue
		}
		c.topics[topic] = struct{}{}
		if r.topics[topic] == nil {
			r.topics[topic] = make(map[string]struct{})
		}
		r.topics[topic][id] = struct{}{}
	}
	return nil
}

// Unsubscribe removes the connection from the given topics
func (r *Registry) Unsubscribe(id string, topics ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}

	for _, topic := range topics {
		delete(c.topics, topic)
		r.removeFromTopicLocked(topic, id)
	}
	return nil
}

// Authenticate associates a user id with a connection and enforces the
// per-user connection cap. When the cap would be exceeded the oldest
// connection for that user is deregistered (FIFO) and returned so the
// caller can notify and close it.
func (r *Registry) Authenticate(id, userID string) (domain.Conn, error) {
	r.mu.Lock()

	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ErrConnectionNotFound
	}

	// Re-authenticating as the same user keeps the connection's original
	// position in the eviction order.
	if c.userID == userID {
		r.mu.Unlock()
		return nil, nil
	}

	if c.userID != "" {
		r.removeFromUserLocked(c.userID, id)
	}
	c.userID = userID
	r.users[userID] = append(r.users[userID], id)

	var evicted domain.Conn
	if len(r.users[userID]) > r.options.MaxConnectionsPerUser {
		oldest := r.users[userID][0]
		if old, ok := r.conns[oldest]; ok {
			evicted = old.conn
		}
	}
	r.mu.Unlock()

	if evicted != nil {
		// Deregister acquires the lock itself, so this happens outside it.
		r.Deregister(evicted.ID())
		r.logger.Info("user connection cap exceeded, oldest evicted",
			"user_id", userID,
			"evicted_connection_id", evicted.ID(),
		)
	}

	return evicted, nil
}

// Lookup retrieves a connection handle by id
func (r *Registry) Lookup(id string) (domain.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return c.conn, true
}

// Touch records inbound activity on a connection
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.lastActivityAt = time.Now()
		c.messageCount++
	}
}

// Subscribers returns the connection ids subscribed to a topic
func (r *Registry) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.topics[topic]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionsForUser returns the connection ids authenticated as a user,
// oldest first
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.users[userID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// TopicCount returns the number of topics with at least one subscriber
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Snapshot returns the state of every live connection
func (r *Registry) Snapshot() []domain.ConnState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ConnState, 0, len(r.conns))
	for id, c := range r.conns {
		topics := make([]string, 0, len(c.topics))
		for t := range c.topics {
			topics = append(topics, t)
		}
		sort.Strings(topics)

		out = append(out, domain.ConnState{
			ID:             id,
			RemoteAddr:     c.remoteAddr,
			UserID:         c.userID,
			ConnectedAt:    c.connectedAt,
			LastActivityAt: c.lastActivityAt,
			MessageCount:   c.messageCount,
			Topics:         topics,
		})
	}
	return out
}

// CloseAll closes every connection with the given code and deregisters
// them; used on shutdown
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	handles := make([]domain.Conn, 0, len(r.conns))
	for id, c := range r.conns {
		ids = append(ids, id)
		handles = append(handles, c.conn)
	}
	r.mu.RUnlock()

	for i, h := range handles {
		if err := h.Close(code, reason); err != nil {
			r.logger.Debug("error closing connection", "connection_id", ids[i], "error", err)
		}
		r.Deregister(ids[i])
	}
}

// removeFromTopicLocked removes id from a topic set, pruning empty sets.
// Caller holds r.mu.
func (r *Registry) removeFromTopicLocked(topic, id string) {
	if set, ok := r.topics[topic]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
}

// removeFromUserLocked removes id from a user's FIFO list, pruning empty
// lists. Caller holds r.mu.
func (r *Registry) removeFromUserLocked(userID, id string) {
	ids := r.users[userID]
	for i, cid := range ids {
		if cid == id {
			r.users[userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.users[userID]) == 0 {
		delete(r.users, userID)
	}
}
