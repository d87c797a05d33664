// Package config holds the immutable runtime configuration view consumed by
// the storage lifecycle. A Config is built once, validated, and then only
// read; the supervisor and every manager hold the same snapshot.
package config

import (
	"fmt"
	"time"
)

// StorageType selects the backing store for large objects.
type StorageType int

const (
	// StorageTypeLocal keeps all objects on the local filesystem.
	StorageTypeLocal StorageType = iota
	// StorageTypeRemoteBlob places objects in an S3-compatible remote store.
	StorageTypeRemoteBlob
)

func (t StorageType) String() string {
	switch t {
	case StorageTypeLocal:
		return "local"
	case StorageTypeRemoteBlob:
		return "remote_blob"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ObjectStoreProvider selects the client used for a remote blob store.
type ObjectStoreProvider int

const (
	// ProviderMinio uses the MinIO client (works against any S3-compatible endpoint).
	ProviderMinio ObjectStoreProvider = iota
	// ProviderS3 uses the native AWS SDK client.
	ProviderS3
)

func (p ObjectStoreProvider) String() string {
	switch p {
	case ProviderMinio:
		return "minio"
	case ProviderS3:
		return "s3"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// FlushMethod selects per-commit WAL durability.
type FlushMethod int

const (
	// FlushAtCommit fsyncs on every commit. Slowest, strongest guarantee.
	FlushAtCommit FlushMethod = iota
	// FlushGrouped batches fsyncs across commits at a fixed interval.
	FlushGrouped
	// FlushAsync does not wait for an fsync at commit; a background flusher
	// persists buffered records on its own tick.
	FlushAsync
)

// Config is the immutable runtime parameter snapshot.
type Config struct {
	// Directories.
	DataDir        string
	TempDir        string
	WALDir         string
	PersistenceDir string // empty disables the persistence manager

	// Persistence manager.
	PersistenceObjectSizeLimit int64

	// Object storage.
	StorageType          StorageType
	ObjectStoreProvider  ObjectStoreProvider
	ObjectStoreURL       string
	ObjectStoreUseHTTPS  bool
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreBucket    string

	// Buffer manager.
	BufferManagerSize int64
	LRUShardNum       int

	// WAL.
	WALCompactThreshold      int64
	DeltaCheckpointThreshold int64
	FlushMethodAtCommit      FlushMethod

	// Background intervals. Non-positive disables the trigger.
	CompactInterval         time.Duration
	OptimizeIndexInterval   time.Duration
	CleanupInterval         time.Duration
	FullCheckpointInterval  time.Duration
	DeltaCheckpointInterval time.Duration

	// Memory index.
	MemIndexMemoryQuota int64

	// Result cache.
	ResultCacheOn       bool
	CacheResultCapacity int64

	// DefaultDatabaseName is the distinguished database created on a fresh
	// writable start.
	DefaultDatabaseName string
}

// Option mutates a Config under construction.
type Option func(*Config)

// New builds a Config from defaults plus the given options.
func New(optFns ...Option) *Config {
	c := &Config{
		PersistenceObjectSizeLimit: 128 << 20,
		BufferManagerSize:          4 << 30,
		LRUShardNum:                7,
		WALCompactThreshold:        1 << 30,
		DeltaCheckpointThreshold:   64 << 20,
		FlushMethodAtCommit:        FlushAtCommit,
		CompactInterval:            120 * time.Second,
		OptimizeIndexInterval:      10 * time.Second,
		CleanupInterval:            10 * time.Second,
		FullCheckpointInterval:     86400 * time.Second,
		DeltaCheckpointInterval:    60 * time.Second,
		MemIndexMemoryQuota:        1 << 30,
		CacheResultCapacity:        10000,
		DefaultDatabaseName:        "default_db",
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(c)
		}
	}
	return c
}

// Validate rejects configurations the lifecycle cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: DataDir must be set")
	}
	if c.WALDir == "" {
		return fmt.Errorf("config: WALDir must be set")
	}
	if c.TempDir == "" {
		return fmt.Errorf("config: TempDir must be set")
	}
	if c.BufferManagerSize <= 0 {
		return fmt.Errorf("config: BufferManagerSize must be positive, got %d", c.BufferManagerSize)
	}
	if c.LRUShardNum <= 0 {
		return fmt.Errorf("config: LRUShardNum must be positive, got %d", c.LRUShardNum)
	}
	if c.DefaultDatabaseName == "" {
		return fmt.Errorf("config: DefaultDatabaseName must be set")
	}
	if c.StorageType == StorageTypeRemoteBlob {
		if c.ObjectStoreURL == "" {
			return fmt.Errorf("config: ObjectStoreURL must be set for remote blob storage")
		}
		if c.ObjectStoreBucket == "" {
			return fmt.Errorf("config: ObjectStoreBucket must be set for remote blob storage")
		}
	}
	return nil
}
