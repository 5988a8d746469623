// Package config provides configuration loading and validation for pgfleet.
// Supports YAML files with environment variable overrides. Worker and
// replica nodes may be supplied as parallel comma-separated lists through
// the environment (PGFLEET_WORKER_HOSTS, PGFLEET_WORKER_PORTS, ...); a
// length mismatch between parallel lists is a fatal validation error.
package config

import "time"

// Config holds all configuration for a pgfleet manager instance.
type Config struct {
	Coordinator   NodeConfig          `yaml:"coordinator"`
	Workers       []WorkerConfig      `yaml:"workers"`
	Replicas      []ReplicaConfig     `yaml:"replicas"`
	Pool          PoolConfig          `yaml:"pool"`
	HA            HAConfig            `yaml:"ha"`
	Retry         RetryConfig         `yaml:"retry"`
	Topology      TopologyConfig      `yaml:"topology"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// NodeConfig describes how to reach one PostgreSQL node. User and
// Password are mandatory; there are deliberately no credential defaults.
type NodeConfig struct {
	Host     string `yaml:"host" env:"PGFLEET_COORDINATOR_HOST"`
	Port     int    `yaml:"port" env:"PGFLEET_COORDINATOR_PORT"`
	Database string `yaml:"database" env:"PGFLEET_COORDINATOR_DB"`
	User     string `yaml:"user" env:"PGFLEET_COORDINATOR_USER"`
	Password string `yaml:"password" env:"PGFLEET_COORDINATOR_PASSWORD"`
	SSLMode  string `yaml:"sslMode" env:"PGFLEET_COORDINATOR_SSLMODE"`
}

// WorkerConfig describes a shard-owning worker node.
type WorkerConfig struct {
	NodeConfig `yaml:",inline"`
	ShardID    int `yaml:"shardId"`
}

// ReplicaConfig describes a streaming replica. ReplicaOf is the shard ID
// of the worker it stands by, or CoordinatorShardID for a coordinator
// replica.
type ReplicaConfig struct {
	NodeConfig `yaml:",inline"`
	ReplicaOf  int `yaml:"replicaOf"`
}

// CoordinatorShardID is the ReplicaOf value marking a coordinator replica.
const CoordinatorShardID = -1

// PoolConfig bounds every per-node connection pool.
type PoolConfig struct {
	MinConns         int           `yaml:"minConns" env:"PGFLEET_POOL_MIN"`
	MaxConns         int           `yaml:"maxConns" env:"PGFLEET_POOL_MAX"`
	AcquireTimeout   time.Duration `yaml:"acquireTimeout" env:"PGFLEET_ACQUIRE_TIMEOUT"`
	ValidateAfter    time.Duration `yaml:"validateAfter" env:"PGFLEET_VALIDATE_AFTER"`
	FailureThreshold int           `yaml:"failureThreshold" env:"PGFLEET_FAILURE_THRESHOLD"`
	DrainTimeout     time.Duration `yaml:"drainTimeout" env:"PGFLEET_DRAIN_TIMEOUT"`
}

// HAConfig gates replica read-routing.
type HAConfig struct {
	Enabled bool `yaml:"enabled" env:"PGFLEET_ENABLE_HA"`
	// ReplicaStrategy is "round-robin" or "least-in-use".
	ReplicaStrategy string `yaml:"replicaStrategy" env:"PGFLEET_REPLICA_STRATEGY"`
}

// RetryConfig parameterizes the retry policy wrapping every operation.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts" env:"PGFLEET_RETRY_MAX_ATTEMPTS"`
	BaseDelay      time.Duration `yaml:"baseDelay" env:"PGFLEET_RETRY_BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"maxDelay" env:"PGFLEET_RETRY_MAX_DELAY"`
	JitterFraction float64       `yaml:"jitterFraction" env:"PGFLEET_RETRY_JITTER"`
}

// TopologyConfig drives the periodic topology re-validation loop.
type TopologyConfig struct {
	RefreshInterval time.Duration `yaml:"refreshInterval" env:"PGFLEET_REFRESH_INTERVAL"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"PGFLEET_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"PGFLEET_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"PGFLEET_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults. Node addresses and
// credentials have no defaults and must come from a file or the
// environment.
func Default() *Config {
	return &Config{
		Coordinator: NodeConfig{
			Port:    5432,
			SSLMode: "prefer",
		},
		Pool: PoolConfig{
			MinConns:         1,
			MaxConns:         10,
			AcquireTimeout:   5 * time.Second,
			ValidateAfter:    30 * time.Second,
			FailureThreshold: 3,
			DrainTimeout:     30 * time.Second,
		},
		HA: HAConfig{
			ReplicaStrategy: "round-robin",
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      100 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			JitterFraction: 0.2,
		},
		Topology: TopologyConfig{
			RefreshInterval: 15 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}
