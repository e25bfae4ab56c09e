package domain

import (
	"context"
	"time"
)

// Conn represents a live client connection owned by the registry
type Conn interface {
	// ID returns the unique identifier of the connection
	ID() string

	// Send queues a message for delivery to the client
	Send(ctx context.Context, message []byte) error

	// Close closes the connection with a close code and reason
	Close(code int, reason string) error

	// RemoteAddr returns the remote address of the connection
	RemoteAddr() string

	// Context returns the connection's context, done when the connection dies
	Context() context.Context
}

// MessageHandler is a function that handles incoming frames
type MessageHandler func(message []byte) error

// ConnMeta carries metadata captured when a connection is admitted
type ConnMeta struct {
	RemoteAddr string
	UserID     string
}

// ConnState is the registry's view of one connection
type ConnState struct {
	ID             string    `json:"id"`
	RemoteAddr     string    `json:"remote_addr"`
	UserID         string    `json:"user_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int64     `json:"message_count"`
	Topics         []string  `json:"topics,omitempty"`
}

// Close codes used when the server terminates a connection.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseServerShutdown  = 4000
	CloseEvicted         = 4001
	CloseIdle            = 4002
	CloseReplaced        = 4003
)
