// Package kvstore provides the persistent namespaced key/value store backing
// the epic memory manager. Keys are composed as namespace:epicID[:subID];
// partitions add a second prefix dimension. Entries may carry a TTL: expiry is
// checked lazily on every read, never swept.
package kvstore

import (
	"context"
	"time"
)

// DefaultPartition is used when no partition is given.
const DefaultPartition = "default"

// SetOptions configures a write.
type SetOptions struct {
	TTL       time.Duration // 0 means no expiry
	Partition string        // "" means DefaultPartition
}

// KeyOptions selects the partition for point operations.
type KeyOptions struct {
	Partition string
}

// ListOptions filters a listing. Pattern is a glob matched with path.Match
// against the logical key; empty matches everything.
type ListOptions struct {
	Partition string
	Pattern   string
}

// Store is the persistence contract. Implementations: *FileStore (single JSON
// document, default), *SQLiteStore, and *postgres.Store.
//
// Get returns (nil, nil) for missing or logically expired entries; an expired
// entry is lazily deleted on read. Each mutation is durable before returning.
type Store interface {
	Set(ctx context.Context, key string, value []byte, opts SetOptions) error
	// SetIfAbsent writes only when no live entry exists for the key. Returns
	// true when the write happened. This is the compare-and-swap primitive the
	// claim protocol builds on.
	SetIfAbsent(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error)
	Get(ctx context.Context, key string, opts KeyOptions) ([]byte, error)
	Delete(ctx context.Context, key string, opts KeyOptions) error
	Exists(ctx context.Context, key string, opts KeyOptions) (bool, error)
	List(ctx context.Context, opts ListOptions) ([]string, error)
	Close() error
}

func partitionOf(p string) string {
	if p == "" {
		return DefaultPartition
	}
	return p
}
