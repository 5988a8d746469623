package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Coordinator.Host = "coord.db"
	cfg.Coordinator.Database = "fleet"
	cfg.Coordinator.User = "fleet"
	cfg.Coordinator.Password = "secret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.Pool.MaxConns)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	assert.False(t, cfg.HA.Enabled)
	assert.Equal(t, "round-robin", cfg.HA.ReplicaStrategy)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Empty(t, cfg.Coordinator.User, "credentials must have no defaults")
	assert.Empty(t, cfg.Coordinator.Password, "credentials must have no defaults")
}

func TestValidateRequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Coordinator.Password = ""

	err := cfg.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "coordinator.password", verr.Field)
}

func TestValidateDuplicateShardID(t *testing.T) {
	cfg := validConfig()
	cfg.Workers = []WorkerConfig{
		{NodeConfig: NodeConfig{Host: "w0", Port: 5432, Database: "d", User: "u", Password: "p"}, ShardID: 0},
		{NodeConfig: NodeConfig{Host: "w1", Port: 5432, Database: "d", User: "u", Password: "p"}, ShardID: 0},
	}

	require.Error(t, cfg.Validate())
}

func TestValidateReplicaOfUnknownShard(t *testing.T) {
	cfg := validConfig()
	cfg.Workers = []WorkerConfig{
		{NodeConfig: NodeConfig{Host: "w0", Port: 5432, Database: "d", User: "u", Password: "p"}, ShardID: 0},
	}
	cfg.Replicas = []ReplicaConfig{
		{NodeConfig: NodeConfig{Host: "r0", Port: 5432, Database: "d", User: "u", Password: "p"}, ReplicaOf: 7},
	}

	require.Error(t, cfg.Validate())
}

func TestValidateMinExceedsMax(t *testing.T) {
	cfg := validConfig()
	cfg.Pool.MinConns = 20
	cfg.Pool.MaxConns = 5

	require.Error(t, cfg.Validate())
}

func TestWorkersFromEnv(t *testing.T) {
	t.Setenv("PGFLEET_COORDINATOR_HOST", "coord.db")
	t.Setenv("PGFLEET_COORDINATOR_DB", "fleet")
	t.Setenv("PGFLEET_COORDINATOR_USER", "fleet")
	t.Setenv("PGFLEET_COORDINATOR_PASSWORD", "secret")
	t.Setenv("PGFLEET_WORKER_HOSTS", "w0.db, w1.db")
	t.Setenv("PGFLEET_WORKER_PORTS", "5432,5433")
	t.Setenv("PGFLEET_WORKER_DBS", "fleet,fleet")
	t.Setenv("PGFLEET_WORKER_USERS", "fleet,fleet")
	t.Setenv("PGFLEET_WORKER_PASSWORDS", "s0,s1")
	t.Setenv("PGFLEET_WORKER_SHARD_IDS", "0,1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, "w1.db", cfg.Workers[1].Host)
	assert.Equal(t, 5433, cfg.Workers[1].Port)
	assert.Equal(t, 1, cfg.Workers[1].ShardID)
}

func TestWorkerListLengthMismatchIsFatal(t *testing.T) {
	t.Setenv("PGFLEET_WORKER_HOSTS", "w0.db,w1.db")
	t.Setenv("PGFLEET_WORKER_PORTS", "5432")
	t.Setenv("PGFLEET_WORKER_DBS", "fleet,fleet")
	t.Setenv("PGFLEET_WORKER_USERS", "fleet,fleet")
	t.Setenv("PGFLEET_WORKER_PASSWORDS", "s0,s1")
	t.Setenv("PGFLEET_WORKER_SHARD_IDS", "0,1")

	_, err := Load()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Field, "PGFLEET_WORKER_PORTS")
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgfleet.yaml")
	data := `
coordinator:
  host: coord.db
  port: 5432
  database: fleet
  user: fleet
  password: secret
workers:
  - host: w0.db
    port: 5432
    database: fleet
    user: fleet
    password: secret
    shardId: 0
ha:
  enabled: true
pool:
  maxConns: 20
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.True(t, cfg.HA.Enabled)
	assert.Equal(t, 20, cfg.Pool.MaxConns)
	// Defaults survive where the file is silent.
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgfleet.yaml")
	data := `
coordinator:
  host: coord.db
  port: 5432
  database: fleet
  user: fleet
  password: secret
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("PGFLEET_POOL_MAX", "42")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Pool.MaxConns)
}
