package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grocermate/fanout/pkg/domain"
)

func newTestDirectory(selfID string, opts DirectoryOptions) *Directory {
	return NewDirectory(selfID, testLogger(), nil, opts)
}

func TestDirectoryIgnoresOwnHeartbeat(t *testing.T) {
	d := newTestDirectory("node-a", DirectoryOptions{})

	d.OnHeartbeat("node-a", domain.NodeInfo{Address: "10.0.0.1:3000"})
	d.OnHeartbeat("", domain.NodeInfo{})

	assert.Equal(t, 0, d.PeerCount())
}

func TestDirectoryTracksPeers(t *testing.T) {
	d := newTestDirectory("node-a", DirectoryOptions{})

	d.OnHeartbeat("node-b", domain.NodeInfo{Address: "10.0.0.2:3000", ActiveConnections: 7})
	d.OnHeartbeat("node-c", domain.NodeInfo{Address: "10.0.0.3:3000"})

	peers := d.ListPeers()
	require.Len(t, peers, 2)
	assert.Equal(t, "node-b", peers[0].NodeID)
	assert.Equal(t, "node-c", peers[1].NodeID)
	assert.Equal(t, 7, peers[0].ActiveConnections)
	assert.False(t, peers[0].LastSeenAt.IsZero())
}

func TestDirectoryHeartbeatRefreshes(t *testing.T) {
	d := newTestDirectory("node-a", DirectoryOptions{})

	d.OnHeartbeat("node-b", domain.NodeInfo{ActiveConnections: 1})
	first := d.ListPeers()[0].LastSeenAt

	time.Sleep(5 * time.Millisecond)
	d.OnHeartbeat("node-b", domain.NodeInfo{ActiveConnections: 9})

	peers := d.ListPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, 9, peers[0].ActiveConnections)
	assert.True(t, peers[0].LastSeenAt.After(first))
}

func TestDirectorySweepEvictsStalePeers(t *testing.T) {
	d := newTestDirectory("node-a", DirectoryOptions{NodeTimeout: 90 * time.Second})

	d.OnHeartbeat("node-b", domain.NodeInfo{})
	d.OnHeartbeat("node-c", domain.NodeInfo{})

	evicted := d.Sweep(time.Now().Add(2 * time.Minute))
	assert.ElementsMatch(t, []string{"node-b", "node-c"}, evicted)
	assert.Equal(t, 0, d.PeerCount())
}

func TestDirectorySweepKeepsFreshPeers(t *testing.T) {
	d := newTestDirectory("node-a", DirectoryOptions{NodeTimeout: 90 * time.Second})
	d.OnHeartbeat("node-b", domain.NodeInfo{})

	evicted := d.Sweep(time.Now().Add(time.Second))
	assert.Empty(t, evicted)
	assert.Equal(t, 1, d.PeerCount())
}

func TestDirectoryRecordBroadcast(t *testing.T) {
	d := newTestDirectory("node-a", DirectoryOptions{})
	d.OnHeartbeat("node-b", domain.NodeInfo{})

	d.RecordBroadcast("node-b")
	d.RecordBroadcast("node-b")
	d.RecordBroadcast("unknown")

	peers := d.ListPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, int64(2), peers[0].TotalBroadcasts)
}
