package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when operating on a partition that does not exist.
	ErrNotFound = errors.New("cache partition not found")
	// ErrMethodNotSupported is returned when storing a response to a request other than GET.
	ErrMethodNotSupported = errors.New("method not supported")
	// ErrBadStatus is returned when a fetched response cannot be stored because of its status.
	ErrBadStatus = errors.New("response status not storable")
	// ErrVaryWildcard is returned when storing a response with `Vary: *`.
	ErrVaryWildcard = errors.New("response varies on *")
	// ErrDuplicateRequest is returned when a batch contains the same request twice.
	ErrDuplicateRequest = errors.New("duplicate request in batch")
)

// CacheProvider is the persistence layer behind Storage.
// It stores []byte values, which represent HTTP request/response pairs,
// grouped into named partitions.
// Operating on key prefixes is what makes lookups of all stored variants
// of a request possible.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// CreatePartition creates the named partition unless it already exists.
	CreatePartition(ctx context.Context, name string) error
	// Partitions returns the names of all partitions in creation order.
	Partitions(ctx context.Context) ([]string, error)
	// HasPartition checks if the named partition exists.
	HasPartition(ctx context.Context, name string) (bool, error)
	// DeletePartition removes the partition and every entry in it.
	// It returns false if there was no such partition.
	DeletePartition(ctx context.Context, name string) (bool, error)
	// All returns all entries in the partition that have the specific key prefix, ordered by key.
	All(ctx context.Context, partition, prefix string) ([]CacheEntry, error)
	// PutAll stores the entries in the partition in a single atomic step.
	// Existing entries with the same keys are replaced.
	// It returns ErrNotFound if the partition does not exist.
	PutAll(ctx context.Context, partition string, entries []CacheEntry) error
	// Purge removes the entry for the given key.
	// It returns false if there was no such entry.
	Purge(ctx context.Context, partition, key string) (bool, error)
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
