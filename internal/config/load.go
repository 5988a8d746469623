package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds a Config from defaults plus environment overrides and
// validates it.
func Load() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML config file, applies environment overrides on
// top, and validates the result.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envString(&cfg.Coordinator.Host, "PGFLEET_COORDINATOR_HOST")
	if err := envInt(&cfg.Coordinator.Port, "PGFLEET_COORDINATOR_PORT"); err != nil {
		return err
	}
	envString(&cfg.Coordinator.Database, "PGFLEET_COORDINATOR_DB")
	envString(&cfg.Coordinator.User, "PGFLEET_COORDINATOR_USER")
	envString(&cfg.Coordinator.Password, "PGFLEET_COORDINATOR_PASSWORD")
	envString(&cfg.Coordinator.SSLMode, "PGFLEET_COORDINATOR_SSLMODE")

	workers, err := workersFromEnv()
	if err != nil {
		return err
	}
	if workers != nil {
		cfg.Workers = workers
	}

	replicas, err := replicasFromEnv()
	if err != nil {
		return err
	}
	if replicas != nil {
		cfg.Replicas = replicas
	}

	if err := envInt(&cfg.Pool.MinConns, "PGFLEET_POOL_MIN"); err != nil {
		return err
	}
	if err := envInt(&cfg.Pool.MaxConns, "PGFLEET_POOL_MAX"); err != nil {
		return err
	}
	if err := envDuration(&cfg.Pool.AcquireTimeout, "PGFLEET_ACQUIRE_TIMEOUT"); err != nil {
		return err
	}
	if err := envDuration(&cfg.Pool.ValidateAfter, "PGFLEET_VALIDATE_AFTER"); err != nil {
		return err
	}
	if err := envInt(&cfg.Pool.FailureThreshold, "PGFLEET_FAILURE_THRESHOLD"); err != nil {
		return err
	}
	if err := envDuration(&cfg.Pool.DrainTimeout, "PGFLEET_DRAIN_TIMEOUT"); err != nil {
		return err
	}

	if err := envBool(&cfg.HA.Enabled, "PGFLEET_ENABLE_HA"); err != nil {
		return err
	}
	envString(&cfg.HA.ReplicaStrategy, "PGFLEET_REPLICA_STRATEGY")

	if err := envInt(&cfg.Retry.MaxAttempts, "PGFLEET_RETRY_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if err := envDuration(&cfg.Retry.BaseDelay, "PGFLEET_RETRY_BASE_DELAY"); err != nil {
		return err
	}
	if err := envDuration(&cfg.Retry.MaxDelay, "PGFLEET_RETRY_MAX_DELAY"); err != nil {
		return err
	}
	if err := envFloat(&cfg.Retry.JitterFraction, "PGFLEET_RETRY_JITTER"); err != nil {
		return err
	}

	if err := envDuration(&cfg.Topology.RefreshInterval, "PGFLEET_REFRESH_INTERVAL"); err != nil {
		return err
	}

	envString(&cfg.Observability.MetricsAddr, "PGFLEET_METRICS_ADDR")
	envString(&cfg.Observability.LogLevel, "PGFLEET_LOG_LEVEL")
	envString(&cfg.Observability.LogFormat, "PGFLEET_LOG_FORMAT")

	return nil
}

// workersFromEnv assembles worker nodes from the parallel PGFLEET_WORKER_*
// lists. Returns nil when no worker variables are set at all, so a YAML
// worker list survives. Any set variable makes the whole group mandatory.
func workersFromEnv() ([]WorkerConfig, error) {
	hosts := splitList(os.Getenv("PGFLEET_WORKER_HOSTS"))
	if hosts == nil {
		return nil, nil
	}

	ports, err := splitIntList("PGFLEET_WORKER_PORTS")
	if err != nil {
		return nil, err
	}
	dbs := splitList(os.Getenv("PGFLEET_WORKER_DBS"))
	users := splitList(os.Getenv("PGFLEET_WORKER_USERS"))
	passwords := splitList(os.Getenv("PGFLEET_WORKER_PASSWORDS"))
	shardIDs, err := splitIntList("PGFLEET_WORKER_SHARD_IDS")
	if err != nil {
		return nil, err
	}

	n := len(hosts)
	for name, got := range map[string]int{
		"PGFLEET_WORKER_PORTS":     len(ports),
		"PGFLEET_WORKER_DBS":       len(dbs),
		"PGFLEET_WORKER_USERS":     len(users),
		"PGFLEET_WORKER_PASSWORDS": len(passwords),
		"PGFLEET_WORKER_SHARD_IDS": len(shardIDs),
	} {
		if got != n {
			return nil, &ValidationError{
				Field:  name,
				Reason: fmt.Sprintf("expected %d entries to match PGFLEET_WORKER_HOSTS, got %d", n, got),
			}
		}
	}

	workers := make([]WorkerConfig, n)
	for i := 0; i < n; i++ {
		workers[i] = WorkerConfig{
			NodeConfig: NodeConfig{
				Host:     hosts[i],
				Port:     ports[i],
				Database: dbs[i],
				User:     users[i],
				Password: passwords[i],
				SSLMode:  "prefer",
			},
			ShardID: shardIDs[i],
		}
	}
	return workers, nil
}

func replicasFromEnv() ([]ReplicaConfig, error) {
	hosts := splitList(os.Getenv("PGFLEET_REPLICA_HOSTS"))
	if hosts == nil {
		return nil, nil
	}

	ports, err := splitIntList("PGFLEET_REPLICA_PORTS")
	if err != nil {
		return nil, err
	}
	dbs := splitList(os.Getenv("PGFLEET_REPLICA_DBS"))
	users := splitList(os.Getenv("PGFLEET_REPLICA_USERS"))
	passwords := splitList(os.Getenv("PGFLEET_REPLICA_PASSWORDS"))
	replicaOf, err := splitIntList("PGFLEET_REPLICA_OF")
	if err != nil {
		return nil, err
	}

	n := len(hosts)
	for name, got := range map[string]int{
		"PGFLEET_REPLICA_PORTS":     len(ports),
		"PGFLEET_REPLICA_DBS":       len(dbs),
		"PGFLEET_REPLICA_USERS":     len(users),
		"PGFLEET_REPLICA_PASSWORDS": len(passwords),
		"PGFLEET_REPLICA_OF":        len(replicaOf),
	} {
		if got != n {
			return nil, &ValidationError{
				Field:  name,
				Reason: fmt.Sprintf("expected %d entries to match PGFLEET_REPLICA_HOSTS, got %d", n, got),
			}
		}
	}

	replicas := make([]ReplicaConfig, n)
	for i := 0; i < n; i++ {
		replicas[i] = ReplicaConfig{
			NodeConfig: NodeConfig{
				Host:     hosts[i],
				Port:     ports[i],
				Database: dbs[i],
				User:     users[i],
				Password: passwords[i],
				SSLMode:  "prefer",
			},
			ReplicaOf: replicaOf[i],
		}
	}
	return replicas, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func splitIntList(name string) ([]int, error) {
	parts := splitList(os.Getenv(name))
	if parts == nil {
		return nil, nil
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("%q is not an integer", p)}
		}
		out = append(out, v)
	}
	return out, nil
}

func envString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return &ValidationError{Field: name, Reason: fmt.Sprintf("%q is not an integer", v)}
	}
	*dst = parsed
	return nil
}

func envBool(dst *bool, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return &ValidationError{Field: name, Reason: fmt.Sprintf("%q is not a boolean", v)}
	}
	*dst = parsed
	return nil
}

func envFloat(dst *float64, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return &ValidationError{Field: name, Reason: fmt.Sprintf("%q is not a number", v)}
	}
	*dst = parsed
	return nil
}

func envDuration(dst *time.Duration, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return &ValidationError{Field: name, Reason: fmt.Sprintf("%q is not a duration", v)}
	}
	*dst = parsed
	return nil
}
