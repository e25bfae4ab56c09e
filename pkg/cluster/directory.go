package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grocermate/fanout/internal/eventbus"
	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
)

// DirectoryOptions represents node directory options
type DirectoryOptions struct {
	// NodeTimeout evicts peers whose last heartbeat is older than this;
	// defaults to three heartbeat intervals so two consecutive missed
	// beats are tolerated
	NodeTimeout time.Duration

	// SweepInterval is the stale-peer sweep cadence
	SweepInterval time.Duration
}

// DefaultDirectoryOptions returns default directory options
func DefaultDirectoryOptions() DirectoryOptions {
	return DirectoryOptions{
		NodeTimeout:   90 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Directory tracks peer server instances discovered through the shared
// heartbeat channel. Heartbeats bearing this node's own id are ignored.
type Directory struct {
	selfID   string
	logger   *logging.Logger
	eventBus eventbus.Bus
	options  DirectoryOptions

	mu    sync.RWMutex
	peers map[string]*domain.NodeInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDirectory creates a new node directory
func NewDirectory(selfID string, logger *logging.Logger, eventBus eventbus.Bus, options DirectoryOptions) *Directory {
	def := DefaultDirectoryOptions()
	if options.NodeTimeout <= 0 {
		options.NodeTimeout = def.NodeTimeout
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = def.SweepInterval
	}

	return &Directory{
		selfID:   selfID,
		logger:   logger,
		eventBus: eventBus,
		options:  options,
		peers:    make(map[string]*domain.NodeInfo),
	}
}

// Start begins the periodic stale-peer sweep
func (d *Directory) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.sweepLoop()
}

// Stop stops the sweep
func (d *Directory) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// OnHeartbeat creates or refreshes a peer record
func (d *Directory) OnHeartbeat(nodeID string, info domain.NodeInfo) {
	if nodeID == "" || nodeID == d.selfID {
		return
	}

	d.mu.Lock()
	existing, known := d.peers[nodeID]
	if known {
		existing.Address = info.Address
		existing.LastSeenAt = time.Now()
		existing.ActiveConnections = info.ActiveConnections
		existing.TotalBroadcasts = info.TotalBroadcasts
	} else {
		info.NodeID = nodeID
		info.LastSeenAt = time.Now()
		d.peers[nodeID] = &info
	}
	d.mu.Unlock()

	if !known {
		d.logger.Info("peer node discovered", "node_id", nodeID, "address", info.Address)
		if d.eventBus != nil {
			d.eventBus.PublishAsync(eventbus.NewEvent(
				eventbus.EventNodeJoined,
				"node-directory",
				map[string]string{"node_id": nodeID, "address": info.Address},
			))
		}
	}
}

// RecordBroadcast bumps the broadcast counter for a peer that replicated
// an event to this node
func (d *Directory) RecordBroadcast(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if peer, ok := d.peers[nodeID]; ok {
		peer.TotalBroadcasts++
	}
}

// ListPeers returns a snapshot of known peers, sorted by node id
func (d *Directory) ListPeers() []domain.NodeInfo {
	d.mu.RLock()
	out := make([]domain.NodeInfo, 0, len(d.peers))
	for _, peer := range d.peers {
		out = append(out, *peer)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// PeerCount returns the number of known peers
func (d *Directory) PeerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Sweep removes peers not seen within the node timeout and returns the
// evicted node ids
func (d *Directory) Sweep(now time.Time) []string {
	d.mu.Lock()
	var stale []string
	for id, peer := range d.peers {
		if now.Sub(peer.LastSeenAt) > d.options.NodeTimeout {
			stale = append(stale, id)
			delete(d.peers, id)
		}
	}
	d.mu.Unlock()

	for _, id := range stale {
		d.logger.Warn("peer node timed out", "node_id", id, "node_timeout", d.options.NodeTimeout)
		if d.eventBus != nil {
			d.eventBus.PublishAsync(eventbus.NewEvent(
				eventbus.EventNodeLeft,
				"node-directory",
				map[string]string{"node_id": id},
			))
		}
	}
	return stale
}

func (d *Directory) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(time.Now())
		}
	}
}
