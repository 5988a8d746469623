// Package shard maps shard keys to shard indexes.
//
// The mapping is a fixed-shard-count modulo scheme over a 64-bit FNV-1a
// digest: Index(key, n) = fnv1a64(key) mod n. FNV-1a has trivial
// implementations in every language, so clients written in different
// languages agree on placement.
//
// This is deliberately not consistent hashing: changing the shard count
// invalidates the mapping for most existing keys and requires an
// external data-rebalancing step.
package shard

import (
	"errors"
	"hash/fnv"
)

var (
	// ErrInvalidKey is returned for an empty shard key. Programming
	// error, never retried.
	ErrInvalidKey = errors.New("shard: empty key")

	// ErrInvalidCount is returned for a shard count below one.
	ErrInvalidCount = errors.New("shard: count must be >= 1")
)

// Index deterministically maps a key to a shard in [0, count). It is a
// pure function: the same (key, count) pair always yields the same
// index, across calls and across process restarts.
func Index(key []byte, count int) (int, error) {
	if len(key) == 0 {
		return 0, ErrInvalidKey
	}
	if count < 1 {
		return 0, ErrInvalidCount
	}

	h := fnv.New64a()
	h.Write(key)
	return int(h.Sum64() % uint64(count)), nil
}

// IndexString is Index for string keys.
func IndexString(key string, count int) (int, error) {
	return Index([]byte(key), count)
}
