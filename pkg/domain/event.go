package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Metadata keys recognized by the local router.
const (
	MetaTopic    = "topic"
	MetaAudience = "audience"
	MetaUsers    = "users"
	MetaRoles    = "roles"

	AudienceUsers = "users"
	AudienceRoles = "roles"

	// RoleTopicPrefix namespaces the topics role members are subscribed to.
	RoleTopicPrefix = "role:"
)

// BroadcastEvent is an immutable event produced by a collaborator.
// The payload is an opaque blob; only producers and final consumers
// interpret it.
type BroadcastEvent struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	Timestamp  time.Time         `json:"timestamp"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OriginNode string            `json:"originNodeId,omitempty"`
}

// NewBroadcastEvent creates a new event with a generated id
func NewBroadcastEvent(eventType, source string, payload json.RawMessage) BroadcastEvent {
	return BroadcastEvent{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Topic returns the routing topic: explicit metadata wins over the event type
func (e BroadcastEvent) Topic() string {
	if t, ok := e.Metadata[MetaTopic]; ok && t != "" {
		return t
	}
	return e.Type
}

// WithMetadata returns a copy of the event with an extra metadata entry.
// The receiver is never mutated, so wrapped events can share a payload.
func (e BroadcastEvent) WithMetadata(key, value string) BroadcastEvent {
	meta := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	e.Metadata = meta
	return e
}

// WithOrigin returns a copy of the event stamped with the origin node id
func (e BroadcastEvent) WithOrigin(nodeID string) BroadcastEvent {
	e.OriginNode = nodeID
	return e
}

// TargetUsers returns the user ids an audience-targeted event addresses
func (e BroadcastEvent) TargetUsers() []string {
	if e.Metadata[MetaAudience] != AudienceUsers {
		return nil
	}
	return splitList(e.Metadata[MetaUsers])
}

// TargetRoles returns the roles an audience-targeted event addresses
func (e BroadcastEvent) TargetRoles() []string {
	if e.Metadata[MetaAudience] != AudienceRoles {
		return nil
	}
	return splitList(e.Metadata[MetaRoles])
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BroadcastOptions controls the scope of a single broadcast
type BroadcastOptions struct {
	// LocalOnly skips the cross-node publish entirely
	LocalOnly bool `json:"localOnly,omitempty"`

	// TargetNodes restricts the remote fan-out to the listed node ids
	TargetNodes []string `json:"targetNodes,omitempty"`

	// ExcludeNodes removes the listed node ids from the remote fan-out
	ExcludeNodes []string `json:"excludeNodes,omitempty"`
}

// BroadcastResult aggregates the outcome of both delivery legs
type BroadcastResult struct {
	Success         bool          `json:"success"`
	LocalRecipients int           `json:"localRecipients"`
	RemoteNodes     int           `json:"remoteNodes"`
	TotalRecipients int           `json:"totalRecipients"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// NodeInfo describes one peer server instance in the cluster
type NodeInfo struct {
	NodeID            string    `json:"nodeId"`
	Address           string    `json:"address"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
	ActiveConnections int       `json:"activeConnections"`
	TotalBroadcasts   int64     `json:"totalBroadcasts"`
}
