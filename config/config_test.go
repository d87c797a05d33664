package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAndOptions(t *testing.T) {
	cfg := New(func(c *Config) {
		c.DataDir = "/d"
		c.TempDir = "/t"
		c.WALDir = "/w"
		c.CompactInterval = 60 * time.Second
	})

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default_db", cfg.DefaultDatabaseName)
	assert.Equal(t, StorageTypeLocal, cfg.StorageType)
	assert.Equal(t, 60*time.Second, cfg.CompactInterval)
	assert.Positive(t, cfg.BufferManagerSize)
	assert.Positive(t, cfg.LRUShardNum)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	valid := func(c *Config) {
		c.DataDir = "/d"
		c.TempDir = "/t"
		c.WALDir = "/w"
	}

	tests := []struct {
		name  string
		mutate func(*Config)
	}{
		{name: "missing data dir", mutate: func(c *Config) { c.DataDir = "" }},
		{name: "missing wal dir", mutate: func(c *Config) { c.WALDir = "" }},
		{name: "missing temp dir", mutate: func(c *Config) { c.TempDir = "" }},
		{name: "zero buffer size", mutate: func(c *Config) { c.BufferManagerSize = 0 }},
		{name: "zero lru shards", mutate: func(c *Config) { c.LRUShardNum = 0 }},
		{name: "empty default db", mutate: func(c *Config) { c.DefaultDatabaseName = "" }},
		{name: "remote without url", mutate: func(c *Config) {
			c.StorageType = StorageTypeRemoteBlob
			c.ObjectStoreBucket = "b"
		}},
		{name: "remote without bucket", mutate: func(c *Config) {
			c.StorageType = StorageTypeRemoteBlob
			c.ObjectStoreURL = "localhost:9000"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New(valid, tt.mutate)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "local", StorageTypeLocal.String())
	assert.Equal(t, "remote_blob", StorageTypeRemoteBlob.String())
	assert.Equal(t, "minio", ProviderMinio.String())
	assert.Equal(t, "s3", ProviderS3.String())
}
