// Package config loads the coordinator's YAML configuration: this node, its
// static peers, the Redis lock/coordination brokers and the database replicas.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is a singleton validator instance
var validate = validator.New()

// Configuration errors
var (
	ErrDuplicateNodeID    = errors.New("node ids must be unique across node and peers")
	ErrDuplicateReplica   = errors.New("replica names must be unique")
	ErrSameLockKeys       = errors.New("write and delete lock keys must differ")
	ErrPeerTimeoutTooLong = errors.New("peer timeout must be shorter than the tick interval")
)

// NodeConfig describes one coordinator process. The id doubles as the
// bully-election rank: the highest live id wins.
type NodeConfig struct {
	ID   int    `yaml:"id" validate:"required,gt=0"`
	Host string `yaml:"host" validate:"required,hostname|ip"`
	Port int    `yaml:"port" validate:"required,min=1,max=65535"`
}

// Address returns the peer-link address of the node
func (n NodeConfig) Address() string {
	return "tcp://" + net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// ListenAddress returns the address this node binds its peer listener to
func (n NodeConfig) ListenAddress() string {
	return "tcp://" + net.JoinHostPort("0.0.0.0", strconv.Itoa(n.Port))
}

// RedisConfig is one independent Redis instance used for locks and the leader key
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// ReplicaConfig is one database replica. Order matters: it is the fixed
// membership order used for result alignment and read preference.
type ReplicaConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Driver  string `yaml:"driver" validate:"required,oneof=postgres badger"`
	URL     string `yaml:"url" validate:"required_if=Driver postgres"`
	Path    string `yaml:"path"` // badger data dir; empty means in-memory
	Migrate bool   `yaml:"migrate"`
}

// TimingConfig holds the coordination tick schedule and network bounds
type TimingConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval" validate:"gt=0"`
	StartupDelay     time.Duration `yaml:"startup_delay" validate:"gte=0"`
	PeerTimeout      time.Duration `yaml:"peer_timeout" validate:"gt=0"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	ReplicaOpTimeout time.Duration `yaml:"replica_op_timeout" validate:"gt=0"`
}

// LocksConfig configures the distributed write/delete locks
type LocksConfig struct {
	WriteKey   string        `yaml:"write_key" validate:"required"`
	DeleteKey  string        `yaml:"delete_key" validate:"required"`
	TTL        time.Duration `yaml:"ttl" validate:"gt=0"`
	ResyncTTL  time.Duration `yaml:"resync_ttl" validate:"gt=0"`
	RetryCount int           `yaml:"retry_count" validate:"min=1"`
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// AdminConfig configures the admin HTTP server
type AdminConfig struct {
	Addr string `yaml:"addr"`
	// JWTSecret enables bearer token checks on the row and tick endpoints
	JWTSecret string        `yaml:"jwt_secret" validate:"omitempty,min=32"`
	TokenTTL  time.Duration `yaml:"token_ttl" validate:"omitempty,gt=0"`
	// AuditBuffer is how many admin mutations /audit remembers
	AuditBuffer int            `yaml:"audit_buffer" validate:"omitempty,min=1"`
	TLS         AdminTLSConfig `yaml:"tls"`
}

// AdminTLSConfig serves the admin API over TLS. Without a certificate pair
// a self-signed certificate is generated for Hosts at start-up.
type AdminTLSConfig struct {
	Enabled  bool     `yaml:"enabled"`
	CertFile string   `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string   `yaml:"key_file" validate:"required_with=CertFile"`
	CAFile   string   `yaml:"ca_file"`
	Hosts    []string `yaml:"hosts"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// Config is the full coordinator configuration
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Peers     []NodeConfig    `yaml:"peers" validate:"required,min=1,dive"`
	Redis     []RedisConfig   `yaml:"redis" validate:"required,min=1,dive"`
	LeaderKey string          `yaml:"leader_key" validate:"required"`
	Replicas  []ReplicaConfig `yaml:"replicas" validate:"required,min=1,dive"`
	Timing    TimingConfig    `yaml:"timing"`
	Locks     LocksConfig     `yaml:"locks"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns a configuration with every tunable set; topology is left empty.
func Default() Config {
	return Config{
		LeaderKey: "leader",
		Timing: TimingConfig{
			TickInterval:     10 * time.Second,
			StartupDelay:     2 * time.Second,
			PeerTimeout:      2 * time.Second,
			ProbeTimeout:     2 * time.Second,
			ReplicaOpTimeout: 5 * time.Second,
		},
		Locks: LocksConfig{
			WriteKey:   "locks:databaseWrite",
			DeleteKey:  "locks:databaseDelete",
			TTL:        10 * time.Second,
			ResyncTTL:  60 * time.Second,
			RetryCount: 10,
			RetryDelay: 200 * time.Millisecond,
		},
		Admin:   AdminConfig{Addr: ":9100", TokenTTL: 24 * time.Hour, AuditBuffer: 1000},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads, expands and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default after expanding ${VAR} references
// from the environment, then validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ids := map[int]bool{c.Node.ID: true}
	for _, p := range c.Peers {
		if ids[p.ID] {
			return fmt.Errorf("%w: %d", ErrDuplicateNodeID, p.ID)
		}
		ids[p.ID] = true
	}

	names := make(map[string]bool, len(c.Replicas))
	for _, r := range c.Replicas {
		if names[r.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateReplica, r.Name)
		}
		names[r.Name] = true
	}

	if c.Locks.WriteKey == c.Locks.DeleteKey {
		return ErrSameLockKeys
	}
	if c.Timing.PeerTimeout >= c.Timing.TickInterval {
		return ErrPeerTimeoutTooLong
	}
	return nil
}
