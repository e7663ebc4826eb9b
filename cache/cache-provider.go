package cache

import (
	"errors"
	"time"
)

// ErrPartitionNotFound is returned when operating on a partition that was never opened
// (or has since been deleted).
var ErrPartitionNotFound = errors.New("cache partition not found")

// CacheProvider is an interface for a partitioned cache provider.
// It stores and retrieves []byte values, which represent serialized HTTP responses.
// Entries live in named partitions, and a whole partition can be dropped at once.
// Partition names carry a version, which is how old cache generations are garbage collected.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open creates the partition if it does not exist yet.
	Open(partition string) error
	// Partitions returns the names of all existing partitions.
	Partitions() ([]string, error)
	// DeletePartition removes the partition and all of its entries.
	// It returns false if there was no such partition.
	DeletePartition(partition string) (bool, error)
	// Get returns the stored bytes for the given key in the given partition.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(partition, key string) ([]byte, bool, error)
	// Match looks up the key in all partitions, in partition creation order.
	Match(key string) ([]byte, bool, error)
	// Put stores the bytes under the given key, overwriting any previous value.
	// The partition is created if needed.
	Put(partition, key string, bytes []byte) error
	// PutAll stores all entries, or none of them.
	PutAll(partition string, entries []CacheEntry) error
	// Keys calls the given callback for each key in the partition.
	Keys(partition string, cb func(string)) error
	// Has checks if the specified key exists in the partition.
	Has(partition, key string) bool
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
