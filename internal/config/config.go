package config

import (
	"time"

	"github.com/grocermate/fanout/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	Cluster   ClusterConfig   `json:"cluster" yaml:"cluster"`
	Logging   logging.Config  `json:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// BroadcastConfig tunes the local delivery path
type BroadcastConfig struct {
	// BatchSize is the queue length that forces an immediate flush
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// BatchDelay is the maximum age of a pending batch before it is flushed
	BatchDelay time.Duration `json:"batch_delay" yaml:"batch_delay"`

	// MaxConnectionsPerUser bounds the user index; the oldest connection
	// is force-closed when the cap is exceeded
	MaxConnectionsPerUser int `json:"max_connections_per_user" yaml:"max_connections_per_user"`

	// HeartbeatInterval is the ping cadence for connection liveness
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// InactivitySweepInterval is the cadence of the idle-connection sweep
	InactivitySweepInterval time.Duration `json:"inactivity_sweep_interval" yaml:"inactivity_sweep_interval"`

	// InactivityTimeout force-closes connections with no activity,
	// even when they still answer heartbeats
	InactivityTimeout time.Duration `json:"inactivity_timeout" yaml:"inactivity_timeout"`

	// InboundRate and InboundBurst bound inbound frames per connection
	InboundRate  float64 `json:"inbound_rate" yaml:"inbound_rate"`
	InboundBurst int     `json:"inbound_burst" yaml:"inbound_burst"`
}

// ClusterConfig tunes cross-node replication
type ClusterConfig struct {
	// Enabled toggles cross-node replication; when false all broadcasts
	// are local-only and no broker connection is made
	Enabled bool `json:"enabled" yaml:"enabled"`

	// NodeID identifies this instance; generated when empty
	NodeID string `json:"node_id" yaml:"node_id"`

	// AdvertiseAddr is published in discovery heartbeats
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// BrokerURL is the NATS server URL
	BrokerURL string `json:"broker_url" yaml:"broker_url"`

	// BroadcastSubject and DiscoverySubject are the shared broker channels
	BroadcastSubject string `json:"broadcast_subject" yaml:"broadcast_subject"`
	DiscoverySubject string `json:"discovery_subject" yaml:"discovery_subject"`

	// HeartbeatInterval is the discovery heartbeat cadence
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// NodeTimeout evicts peers not seen for this long; should be a small
	// multiple of HeartbeatInterval so two missed beats are tolerated
	NodeTimeout time.Duration `json:"node_timeout" yaml:"node_timeout"`

	// MaxConcurrentBroadcasts is the admission-control ceiling
	MaxConcurrentBroadcasts int `json:"max_concurrent_broadcasts" yaml:"max_concurrent_broadcasts"`

	// BroadcastTimeout bounds a single broadcast end to end
	BroadcastTimeout time.Duration `json:"broadcast_timeout" yaml:"broadcast_timeout"`

	// BreakerThreshold is the consecutive-failure count that opens the breaker
	BreakerThreshold int `json:"breaker_threshold" yaml:"breaker_threshold"`

	// BreakerResetTimeout is how long the breaker stays open before a trial call
	BreakerResetTimeout time.Duration `json:"breaker_reset_timeout" yaml:"breaker_reset_timeout"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Broadcast: BroadcastConfig{
			BatchSize:               10,
			BatchDelay:              50 * time.Millisecond,
			MaxConnectionsPerUser:   5,
			HeartbeatInterval:       30 * time.Second,
			InactivitySweepInterval: 60 * time.Second,
			InactivityTimeout:       5 * time.Minute,
			InboundRate:             20,
			InboundBurst:            40,
		},
		Cluster: ClusterConfig{
			Enabled:                 false,
			BrokerURL:               "nats://localhost:4222",
			BroadcastSubject:        "fanout.broadcast",
			DiscoverySubject:        "fanout.discovery",
			HeartbeatInterval:       30 * time.Second,
			NodeTimeout:             90 * time.Second,
			MaxConcurrentBroadcasts: 100,
			BroadcastTimeout:        10 * time.Second,
			BreakerThreshold:        5,
			BreakerResetTimeout:     30 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Broadcast.BatchSize <= 0 {
		return NewConfigError("broadcast.batch_size", "must be positive")
	}

	if c.Broadcast.BatchDelay <= 0 {
		return NewConfigError("broadcast.batch_delay", "must be positive")
	}

	if c.Broadcast.MaxConnectionsPerUser <= 0 {
		return NewConfigError("broadcast.max_connections_per_user", "must be positive")
	}

	if c.Cluster.MaxConcurrentBroadcasts <= 0 {
		return NewConfigError("cluster.max_concurrent_broadcasts", "must be positive")
	}

	if c.Cluster.BreakerThreshold <= 0 {
		return NewConfigError("cluster.breaker_threshold", "must be positive")
	}

	if c.Cluster.Enabled {
		if c.Cluster.BrokerURL == "" {
			return NewConfigError("cluster.broker_url", "required when clustering is enabled")
		}
		if c.Cluster.NodeTimeout < c.Cluster.HeartbeatInterval {
			return NewConfigError("cluster.node_timeout", "must be at least the heartbeat interval")
		}
	}

	return nil
}
