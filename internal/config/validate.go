package config

import "fmt"

// ValidationError reports an invalid or missing configuration value. It is
// fatal at startup and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the assembled configuration. Credentials are mandatory
// everywhere; there is no placeholder fallback.
func (c *Config) Validate() error {
	if err := validateNode("coordinator", c.Coordinator); err != nil {
		return err
	}

	seen := make(map[int]bool, len(c.Workers))
	for i, w := range c.Workers {
		name := fmt.Sprintf("workers[%d]", i)
		if err := validateNode(name, w.NodeConfig); err != nil {
			return err
		}
		if w.ShardID < 0 {
			return &ValidationError{Field: name + ".shardId", Reason: "must be >= 0"}
		}
		if seen[w.ShardID] {
			return &ValidationError{Field: name + ".shardId", Reason: fmt.Sprintf("shard %d assigned twice", w.ShardID)}
		}
		seen[w.ShardID] = true
	}

	for i, r := range c.Replicas {
		name := fmt.Sprintf("replicas[%d]", i)
		if err := validateNode(name, r.NodeConfig); err != nil {
			return err
		}
		if r.ReplicaOf != CoordinatorShardID && !seen[r.ReplicaOf] {
			return &ValidationError{Field: name + ".replicaOf", Reason: fmt.Sprintf("no worker owns shard %d", r.ReplicaOf)}
		}
	}

	if c.Pool.MinConns < 0 {
		return &ValidationError{Field: "pool.minConns", Reason: "must be >= 0"}
	}
	if c.Pool.MaxConns < 1 {
		return &ValidationError{Field: "pool.maxConns", Reason: "must be >= 1"}
	}
	if c.Pool.MinConns > c.Pool.MaxConns {
		return &ValidationError{Field: "pool.minConns", Reason: "must not exceed pool.maxConns"}
	}
	if c.Pool.AcquireTimeout <= 0 {
		return &ValidationError{Field: "pool.acquireTimeout", Reason: "must be positive"}
	}
	if c.Pool.FailureThreshold < 1 {
		return &ValidationError{Field: "pool.failureThreshold", Reason: "must be >= 1"}
	}

	switch c.HA.ReplicaStrategy {
	case "round-robin", "least-in-use":
	default:
		return &ValidationError{Field: "ha.replicaStrategy", Reason: `must be "round-robin" or "least-in-use"`}
	}

	if c.Retry.MaxAttempts < 1 {
		return &ValidationError{Field: "retry.maxAttempts", Reason: "must be >= 1"}
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return &ValidationError{Field: "retry.jitterFraction", Reason: "must be in [0, 1]"}
	}

	return nil
}

func validateNode(name string, n NodeConfig) error {
	if n.Host == "" {
		return &ValidationError{Field: name + ".host", Reason: "required"}
	}
	if n.Port < 1 || n.Port > 65535 {
		return &ValidationError{Field: name + ".port", Reason: fmt.Sprintf("%d out of range", n.Port)}
	}
	if n.Database == "" {
		return &ValidationError{Field: name + ".database", Reason: "required"}
	}
	if n.User == "" {
		return &ValidationError{Field: name + ".user", Reason: "required"}
	}
	if n.Password == "" {
		return &ValidationError{Field: name + ".password", Reason: "required"}
	}
	return nil
}
