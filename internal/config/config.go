// Package config provides server configuration loaded from environment
// variables (spec.md ยง6).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds the cluster core's flat configuration surface: messaging,
// discovery, and logging keys.
type Config struct {
	// Messaging
	Addr                     string        `envconfig:"PITAYA_ADDR" default:"nats://127.0.0.1:4222"`
	ServiceName              string        `envconfig:"SERVICE_NAME" default:"pitaya-node"`
	ConnectionTimeout        time.Duration `envconfig:"PITAYA_CONNECTION_TIMEOUT_MS" default:"5000ms"`
	RequestTimeout           time.Duration `envconfig:"PITAYA_REQUEST_TIMEOUT_MS" default:"5000ms"`
	ServerShutdownDeadline   time.Duration `envconfig:"PITAYA_SERVER_SHUTDOWN_DEADLINE_MS" default:"10000ms"`
	ServerMaxNumberOfRpcs    int           `envconfig:"PITAYA_SERVER_MAX_NUMBER_OF_RPCS" default:"32"`
	MaxReconnectionAttempts  int           `envconfig:"PITAYA_MAX_RECONNECTION_ATTEMPTS" default:"-1"`
	MaxPendingMsgs           int           `envconfig:"PITAYA_MAX_PENDING_MSGS" default:"1000"`

	// Discovery
	Endpoints              []string `envconfig:"PITAYA_ETCD_ENDPOINTS" default:"127.0.0.1:2379"`
	EtcdPrefix              string   `envconfig:"PITAYA_ETCD_PREFIX" default:"pitaya"`
	ServerTypeFilters       []string `envconfig:"PITAYA_SERVER_TYPE_FILTERS"`
	HeartbeatTTLSec         int      `envconfig:"PITAYA_HEARTBEAT_TTL_SEC" default:"60"`
	LogHeartbeat            bool     `envconfig:"PITAYA_LOG_HEARTBEAT" default:"false"`
	LogServerSync           bool     `envconfig:"PITAYA_LOG_SERVER_SYNC" default:"true"`
	LogServerDetails        bool     `envconfig:"PITAYA_LOG_SERVER_DETAILS" default:"false"`
	SyncServersIntervalSec  int      `envconfig:"PITAYA_SYNC_SERVERS_INTERVAL_SEC" default:"30"`
	MaxNumberOfRetries      int      `envconfig:"PITAYA_MAX_NUMBER_OF_RETRIES" default:"5"`

	// This server's own identity in the discovery directory.
	ServerID       string `envconfig:"PITAYA_SERVER_ID" required:"true"`
	ServerKind     string `envconfig:"PITAYA_SERVER_KIND" required:"true"`
	ServerHostname string `envconfig:"PITAYA_SERVER_HOSTNAME"`
	ServerFrontend bool   `envconfig:"PITAYA_SERVER_FRONTEND" default:"false"`
	ServerMetadata string `envconfig:"PITAYA_SERVER_METADATA"`

	// Logging
	LogLevel string `envconfig:"PITAYA_LOG_LEVEL" default:"info"`
	LogKind  string `envconfig:"PITAYA_LOG_KIND" default:"console"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the invariants that envconfig's own tags cannot express.
func (c *Config) Validate() error {
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("%s - PITAYA_CONNECTION_TIMEOUT_MS must be positive", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - PITAYA_REQUEST_TIMEOUT_MS must be positive", logPrefix)
	}
	if c.ServerShutdownDeadline <= 0 {
		return fmt.Errorf("%s - PITAYA_SERVER_SHUTDOWN_DEADLINE_MS must be positive", logPrefix)
	}
	if c.ServerMaxNumberOfRpcs <= 0 {
		return fmt.Errorf("%s - PITAYA_SERVER_MAX_NUMBER_OF_RPCS must be positive", logPrefix)
	}
	if c.MaxPendingMsgs <= 0 {
		return fmt.Errorf("%s - PITAYA_MAX_PENDING_MSGS must be positive", logPrefix)
	}
	if c.HeartbeatTTLSec <= 0 {
		return fmt.Errorf("%s - PITAYA_HEARTBEAT_TTL_SEC must be positive", logPrefix)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "critical":
	default:
		return fmt.Errorf("%s - invalid PITAYA_LOG_LEVEL %q", logPrefix, c.LogLevel)
	}
	switch strings.ToLower(c.LogKind) {
	case "console", "json":
	default:
		return fmt.Errorf("%s - invalid PITAYA_LOG_KIND %q", logPrefix, c.LogKind)
	}
	return nil
}
