package broker

import (
	"context"
	"errors"
	"time"

	"github.com/grocermate/fanout/pkg/domain"
)

// Broker errors
var (
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	ErrBrokerClosed = errors.New("broker is closed")
)

// MsgHandler receives the raw payload of a broker message
type MsgHandler func(data []byte)

// Subscription represents an active broker subscription
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// Broker carries messages between server instances. One subject replicates
// broadcasts, another carries discovery heartbeats; payloads are JSON.
type Broker interface {
	// Publish publishes a message to the given subject
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for the given subject
	Subscribe(subject string, handler MsgHandler) (Subscription, error)

	// Close releases broker resources
	Close() error
}

// Envelope type discriminators on the shared subjects.
const (
	TypeBroadcast = "broadcast"
	TypeHeartbeat = "heartbeat"
)

// BroadcastMessage replicates a locally-originated event to peer nodes
type BroadcastMessage struct {
	Type      string                  `json:"type"`
	NodeID    string                  `json:"nodeId"`
	Event     domain.BroadcastEvent   `json:"event"`
	Options   domain.BroadcastOptions `json:"options"`
	Timestamp time.Time               `json:"timestamp"`
}

// HeartbeatMessage announces a live node on the discovery subject
type HeartbeatMessage struct {
	Type              string    `json:"type"`
	NodeID            string    `json:"nodeId"`
	Address           string    `json:"address"`
	ActiveConnections int       `json:"activeConnections"`
	TotalBroadcasts   int64     `json:"totalBroadcasts"`
	Timestamp         time.Time `json:"timestamp"`
}
