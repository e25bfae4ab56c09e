package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/grocermate/fanout/pkg/domain"
)

func newTestLiveness(registry *Registry, opts LivenessOptions) *LivenessMonitor {
	return NewLivenessMonitor(registry, testLogger(), opts)
}

func TestLivenessEvictsAfterTwoMissedProbes(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	conn := newFakeConn("c1")
	registry.Register(conn, domain.ConnMeta{})

	monitor := newTestLiveness(registry, LivenessOptions{HeartbeatInterval: 30 * time.Second})
	monitor.Track("c1")

	base := time.Now()

	// First probe past the interval marks the connection suspect.
	monitor.checkHeartbeats(base.Add(31 * time.Second))
	_, ok := registry.Lookup("c1")
	assert.True(t, ok, "suspect connection is not evicted yet")

	// Second probe with still no pong evicts.
	monitor.checkHeartbeats(base.Add(62 * time.Second))
	_, ok = registry.Lookup("c1")
	assert.False(t, ok)
	assert.True(t, conn.isClosed())
	assert.Equal(t, domain.CloseEvicted, conn.closedWith())
	assert.Equal(t, 0, monitor.Tracked())
}

func TestLivenessPongClearsSuspicion(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	conn := newFakeConn("c1")
	registry.Register(conn, domain.ConnMeta{})

	monitor := newTestLiveness(registry, LivenessOptions{HeartbeatInterval: 30 * time.Second})
	monitor.Track("c1")

	base := time.Now()
	monitor.checkHeartbeats(base.Add(31 * time.Second))

	monitor.MarkPong("c1")
	monitor.checkHeartbeats(base.Add(40 * time.Second))

	_, ok := registry.Lookup("c1")
	assert.True(t, ok, "a pong between probes resets the suspect state")
}

func TestLivenessForgetStopsProbing(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	conn := newFakeConn("c1")
	registry.Register(conn, domain.ConnMeta{})

	monitor := newTestLiveness(registry, LivenessOptions{HeartbeatInterval: 30 * time.Second})
	monitor.Track("c1")
	monitor.Forget("c1")

	monitor.checkHeartbeats(time.Now().Add(time.Hour))
	_, ok := registry.Lookup("c1")
	assert.True(t, ok)
	assert.Equal(t, 0, monitor.Tracked())
}

func TestLivenessSweepsIdleConnections(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	conn := newFakeConn("c1")
	registry.Register(conn, domain.ConnMeta{})

	monitor := newTestLiveness(registry, LivenessOptions{InactivityTimeout: 5 * time.Minute})

	// Within the timeout the connection survives the sweep.
	monitor.sweepInactive(time.Now().Add(time.Minute))
	_, ok := registry.Lookup("c1")
	assert.True(t, ok)

	// Past the timeout it is force-closed even though it never failed a
	// heartbeat.
	monitor.sweepInactive(time.Now().Add(6 * time.Minute))
	_, ok = registry.Lookup("c1")
	assert.False(t, ok)
	assert.Equal(t, domain.CloseIdle, conn.closedWith())
}

func TestLivenessStartStop(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	monitor := newTestLiveness(registry, LivenessOptions{
		HeartbeatInterval: 10 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
	})

	monitor.Start(t.Context())
	time.Sleep(30 * time.Millisecond)
	monitor.Stop()
}
