package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
)

// LivenessOptions represents liveness monitor options
type LivenessOptions struct {
	// HeartbeatInterval is the tick for the pong check; a connection with
	// no pong for one interval becomes suspect, two intervals dead
	HeartbeatInterval time.Duration

	// SweepInterval is the tick for the inactivity sweep
	SweepInterval time.Duration

	// InactivityTimeout force-closes a connection with no inbound
	// activity for this long, even if it still answers heartbeats
	InactivityTimeout time.Duration
}

// DefaultLivenessOptions returns default liveness options
func DefaultLivenessOptions() LivenessOptions {
	return LivenessOptions{
		HeartbeatInterval: 30 * time.Second,
		SweepInterval:     60 * time.Second,
		InactivityTimeout: 5 * time.Minute,
	}
}

// liveness per-connection probe state
type probeState struct {
	lastPong time.Time
	suspect  bool
}

// LivenessMonitor heartbeats connections and evicts dead or idle ones.
// The pong check and the inactivity sweep run on independent tickers so
// a burst of traffic cannot starve eviction.
type LivenessMonitor struct {
	registry *Registry
	logger   *logging.Logger
	options  LivenessOptions

	mu     sync.Mutex
	probes map[string]*probeState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLivenessMonitor creates a new liveness monitor
func NewLivenessMonitor(registry *Registry, logger *logging.Logger, options LivenessOptions) *LivenessMonitor {
	def := DefaultLivenessOptions()
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = def.HeartbeatInterval
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = def.SweepInterval
	}
	if options.InactivityTimeout <= 0 {
		options.InactivityTimeout = def.InactivityTimeout
	}

	return &LivenessMonitor{
		registry: registry,
		logger:   logger,
		options:  options,
		probes:   make(map[string]*probeState),
	}
}

// Start starts the heartbeat and inactivity loops
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.inactivityLoop()
	m.logger.Info("liveness monitor started",
		"heartbeat_interval", m.options.HeartbeatInterval,
		"inactivity_timeout", m.options.InactivityTimeout,
	)
}

// Stop stops both loops
func (m *LivenessMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("liveness monitor stopped")
}

// Track starts probing a connection; called on register
func (m *LivenessMonitor) Track(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[id] = &probeState{lastPong: time.Now()}
}

// Forget stops probing a connection; called on deregister
func (m *LivenessMonitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.probes, id)
}

// MarkPong records a pong from the connection
func (m *LivenessMonitor) MarkPong(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.probes[id]; ok {
		p.lastPong = time.Now()
		p.suspect = false
	}
}

// Tracked returns the number of probed connections
func (m *LivenessMonitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.probes)
}

func (m *LivenessMonitor) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkHeartbeats(time.Now())
		}
	}
}

func (m *LivenessMonitor) inactivityLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepInactive(time.Now())
		}
	}
}

// checkHeartbeats walks the probe table: a connection missing a pong for
// one interval turns suspect; a suspect missing the next probe is dead
func (m *LivenessMonitor) checkHeartbeats(now time.Time) {
	m.mu.Lock()
	var dead []string
	for id, p := range m.probes {
		if now.Sub(p.lastPong) < m.options.HeartbeatInterval {
			p.suspect = false
			continue
		}
		if p.suspect {
			dead = append(dead, id)
			continue
		}
		p.suspect = true
	}
	for _, id := range dead {
		delete(m.probes, id)
	}
	m.mu.Unlock()

	for _, id := range dead {
		m.logger.Warn("connection failed heartbeat, evicting", "connection_id", id)
		m.registry.Evict(id, domain.CloseEvicted, "heartbeat timeout")
	}
}

// sweepInactive force-closes connections idle past the timeout, bounding
// idle-resource growth regardless of heartbeat answers
func (m *LivenessMonitor) sweepInactive(now time.Time) {
	for _, state := range m.registry.Snapshot() {
		if now.Sub(state.LastActivityAt) > m.options.InactivityTimeout {
			m.logger.Info("closing idle connection",
				"connection_id", state.ID,
				"idle", now.Sub(state.LastActivityAt),
			)
			m.registry.Evict(state.ID, domain.CloseIdle, "inactivity timeout")
		}
	}
}
