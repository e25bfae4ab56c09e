package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
	"github.com/grocermate/fanout/pkg/transport/protocol"
)

// DispatcherOptions represents dispatcher configuration options
type DispatcherOptions struct {
	// BatchSize forces an immediate flush once the pending queue reaches it
	BatchSize int

	// BatchDelay is the maximum age of a pending batch before the timer
	// flushes it
	BatchDelay time.Duration

	// WriteTimeout bounds the transport write of a flushed batch
	WriteTimeout time.Duration

	// CompressedHintThreshold marks a batch frame as "compressed" once it
	// coalesces more than this many messages. A hint only; no transform.
	CompressedHintThreshold int
}

// DefaultDispatcherOptions returns default dispatcher options
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		BatchSize:               10,
		BatchDelay:              50 * time.Millisecond,
		WriteTimeout:            5 * time.Second,
		CompressedHintThreshold: 3,
	}
}

// pendingBatch is the ordered outbound queue for one connection plus its
// armed flush timer
type pendingBatch struct {
	messages []json.RawMessage
	timer    *time.Timer
}

// Dispatcher coalesces outbound messages per connection so many small
// events become one framed write. A batch flushes exactly once, when it
// reaches BatchSize or when its timer fires, whichever happens first.
type Dispatcher struct {
	logger   *logging.Logger
	registry *Registry
	options  DispatcherOptions

	mu      sync.Mutex
	pending map[string]*pendingBatch
	stopped bool

	flushes int64
	dropped int64
}

// NewDispatcher creates a new batch dispatcher
func NewDispatcher(registry *Registry, logger *logging.Logger, options DispatcherOptions) *Dispatcher {
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultDispatcherOptions().BatchSize
	}
	if options.BatchDelay <= 0 {
		options.BatchDelay = DefaultDispatcherOptions().BatchDelay
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultDispatcherOptions().WriteTimeout
	}
	if options.CompressedHintThreshold <= 0 {
		options.CompressedHintThreshold = DefaultDispatcherOptions().CompressedHintThreshold
	}

	return &Dispatcher{
		logger:   logger,
		registry: registry,
		options:  options,
		pending:  make(map[string]*pendingBatch),
	}
}

// Enqueue appends a message to the connection's pending batch. The
// flush timer is armed only when no timer is already armed; reaching
// BatchSize flushes immediately, bypassing the timer.
func (d *Dispatcher) Enqueue(id string, message json.RawMessage) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	pb, ok := d.pending[id]
	if !ok {
		pb = &pendingBatch{}
		d.pending[id] = pb
	}
	pb.messages = append(pb.messages, message)

	if len(pb.messages) >= d.options.BatchSize {
		messages := d.takeLocked(id, pb)
		d.mu.Unlock()
		d.write(id, messages)
		return
	}

	if pb.timer == nil {
		pb.timer = time.AfterFunc(d.options.BatchDelay, func() {
			d.Flush(id)
		})
	}
	d.mu.Unlock()
}

// Flush writes the connection's pending batch now. Flushing an empty or
// absent queue is a no-op.
func (d *Dispatcher) Flush(id string) {
	d.mu.Lock()
	pb, ok := d.pending[id]
	if !ok || len(pb.messages) == 0 {
		if ok {
			d.clearLocked(id, pb)
		}
		d.mu.Unlock()
		return
	}
	messages := d.takeLocked(id, pb)
	d.mu.Unlock()

	d.write(id, messages)
}

// Drop discards the connection's pending batch without flushing; called
// when the connection leaves the registry
func (d *Dispatcher) Drop(id string) {
	d.mu.Lock()
	if pb, ok := d.pending[id]; ok {
		d.clearLocked(id, pb)
	}
	d.mu.Unlock()
}

// Stop flushes every pending batch and refuses further enqueues
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	ids := make([]string, 0, len(d.pending))
	batches := make([][]json.RawMessage, 0, len(d.pending))
	for id, pb := range d.pending {
		if len(pb.messages) > 0 {
			ids = append(ids, id)
			batches = append(batches, pb.messages)
		}
		if pb.timer != nil {
			pb.timer.Stop()
		}
	}
	d.pending = make(map[string]*pendingBatch)
	d.mu.Unlock()

	for i, id := range ids {
		d.write(id, batches[i])
	}
}

// PendingConnections returns the number of connections with queued
// messages
func (d *Dispatcher) PendingConnections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats returns flush and drop counters
func (d *Dispatcher) Stats() (flushes, dropped int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes, d.dropped
}

// takeLocked atomically takes the queued messages and clears the entry.
// Caller holds d.mu.
func (d *Dispatcher) takeLocked(id string, pb *pendingBatch) []json.RawMessage {
	messages := pb.messages
	d.clearLocked(id, pb)
	return messages
}

// clearLocked cancels the timer and removes the entry. Caller holds d.mu.
func (d *Dispatcher) clearLocked(id string, pb *pendingBatch) {
	if pb.timer != nil {
		pb.timer.Stop()
	}
	delete(d.pending, id)
}

// write serializes the batch into a single frame and sends it. An
// unwritable handle drops the batch and evicts the connection; nothing
// propagates to the broadcaster.
func (d *Dispatcher) write(id string, messages []json.RawMessage) {
	conn, ok := d.registry.Lookup(id)
	if !ok {
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		return
	}

	payload := protocol.BatchPayload{
		Messages:   messages,
		Timestamp:  time.Now(),
		Compressed: len(messages) > d.options.CompressedHintThreshold,
	}

	frame, err := protocol.NewMessage(protocol.MessageTypeBatch, payload)
	if err != nil {
		d.logger.Error("failed to build batch frame", "connection_id", id, "error", err)
		return
	}

	data, err := frame.Marshal()
	if err != nil {
		d.logger.Error("failed to marshal batch frame", "connection_id", id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.options.WriteTimeout)
	err = conn.Send(ctx, data)
	cancel()

	if err != nil {
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()

		d.logger.Warn("batch write failed, evicting connection",
			"connection_id", id,
			"messages", len(messages),
			"error", err,
		)
		d.registry.Evict(id, domain.CloseEvicted, "write failed")
		return
	}

	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()

	d.logger.Debug("batch flushed",
		"connection_id", id,
		"messages", len(messages),
	)
}
