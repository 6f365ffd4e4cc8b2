// Package config loads the node configuration from YAML and FLUXGRID_*
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fluxgrid/fluxgrid/internal/cluster"
	"github.com/fluxgrid/fluxgrid/internal/merkle"
)

// NodeConfig identifies this node and its listen addresses.
type NodeConfig struct {
	ID          string `mapstructure:"id"`
	Host        string `mapstructure:"host"`
	ClientPort  uint16 `mapstructure:"client_port"`
	ClusterPort uint16 `mapstructure:"cluster_port"`
}

// ClusterConfig holds membership and failure-detection tunables.
type ClusterConfig struct {
	ClusterID           string   `mapstructure:"cluster_id"`
	Seeds               []string `mapstructure:"seeds"`
	AuthToken           string   `mapstructure:"auth_token"`
	Detector            string   `mapstructure:"detector"` // phi or deadline
	HeartbeatIntervalMs uint64   `mapstructure:"heartbeat_interval_ms"`
	MaxNoHeartbeatMs    uint64   `mapstructure:"max_no_heartbeat_ms"`
	PhiThreshold        float64  `mapstructure:"phi_threshold"`
	MaxSampleSize       int      `mapstructure:"max_sample_size"`
	MinStdDevMs         float64  `mapstructure:"min_std_dev_ms"`
	BackupCount         int      `mapstructure:"backup_count"`
}

// RedisConfig configures the Redis persistence backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig configures the Postgres persistence backend.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend     string         `mapstructure:"backend"` // memory, redis or postgres
	TTLMs       uint64         `mapstructure:"ttl_ms"`
	MaxIdleMs   uint64         `mapstructure:"max_idle_ms"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	JanitorMs   uint64         `mapstructure:"janitor_interval_ms"`
	TombstoneMs uint64         `mapstructure:"tombstone_horizon_ms"`
	MerkleDepth int            `mapstructure:"merkle_depth"`
}

// RouterConfig bounds the operation pipeline.
type RouterConfig struct {
	MaxConcurrent int64  `mapstructure:"max_concurrent"`
	TimeoutMs     uint64 `mapstructure:"timeout_ms"`
}

// ClockConfig tunes the hybrid logical clock.
type ClockConfig struct {
	MaxDriftMs uint64 `mapstructure:"max_drift_ms"`
	Strict     bool   `mapstructure:"strict"`
}

// HTTPConfig configures the client-facing HTTP server.
type HTTPConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Config is the complete node configuration.
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Storage StorageConfig `mapstructure:"storage"`
	Router  RouterConfig  `mapstructure:"router"`
	Clock   ClockConfig   `mapstructure:"clock"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Load reads the config file at path (optional when every value comes
// from defaults and FLUXGRID_* environment variables), applies defaults
// and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLUXGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Registered empty so FLUXGRID_NODE_ID is visible to Unmarshal.
	v.SetDefault("node.id", "")
	v.SetDefault("node.host", "0.0.0.0")
	v.SetDefault("node.client_port", 7400)
	v.SetDefault("node.cluster_port", 7401)

	v.SetDefault("cluster.cluster_id", "fluxgrid")
	v.SetDefault("cluster.detector", "phi")
	v.SetDefault("cluster.heartbeat_interval_ms", cluster.DefaultHeartbeatIntervalMs)
	v.SetDefault("cluster.max_no_heartbeat_ms", cluster.DefaultMaxNoHeartbeatMs)
	v.SetDefault("cluster.phi_threshold", cluster.DefaultPhiThreshold)
	v.SetDefault("cluster.max_sample_size", cluster.DefaultMaxSampleSize)
	v.SetDefault("cluster.min_std_dev_ms", cluster.DefaultMinStdDevMs)
	v.SetDefault("cluster.backup_count", cluster.DefaultBackupCount)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.merkle_depth", merkle.DefaultDepth)
	v.SetDefault("storage.janitor_interval_ms", 30_000)
	v.SetDefault("storage.tombstone_horizon_ms", 600_000)
	v.SetDefault("storage.redis.addr", "127.0.0.1:6379")

	v.SetDefault("router.max_concurrent", 1024)
	v.SetDefault("router.timeout_ms", 5_000)

	v.SetDefault("clock.max_drift_ms", 30_000)
	v.SetDefault("clock.strict", false)

	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.ClientPort == 0 {
		return fmt.Errorf("node.client_port is required")
	}
	switch c.Cluster.Detector {
	case "phi", "deadline":
	default:
		return fmt.Errorf("cluster.detector must be phi or deadline, got %q", c.Cluster.Detector)
	}
	switch c.Storage.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, redis or postgres, got %q", c.Storage.Backend)
	}
	if c.Storage.MerkleDepth < 1 || c.Storage.MerkleDepth > 8 {
		return fmt.Errorf("storage.merkle_depth must be between 1 and 8")
	}
	if c.Router.MaxConcurrent < 1 {
		return fmt.Errorf("router.max_concurrent must be positive")
	}
	return nil
}

// ClusterSettings converts the cluster section to the runtime tunables.
func (c *Config) ClusterSettings() cluster.Config {
	return cluster.Config{
		ClusterID:           c.Cluster.ClusterID,
		ProtocolVersion:     cluster.DefaultProtocolVersion,
		AuthToken:           c.Cluster.AuthToken,
		HeartbeatIntervalMs: c.Cluster.HeartbeatIntervalMs,
		MaxNoHeartbeatMs:    c.Cluster.MaxNoHeartbeatMs,
		PhiThreshold:        c.Cluster.PhiThreshold,
		MaxSampleSize:       c.Cluster.MaxSampleSize,
		MinStdDevMs:         c.Cluster.MinStdDevMs,
		BackupCount:         c.Cluster.BackupCount,
	}
}
