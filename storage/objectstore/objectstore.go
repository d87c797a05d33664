// Package objectstore owns the process-wide remote blob store handle and the
// worker that shuttles objects between the local tree and the remote store.
//
// The handle is deliberately a singleton: the remote store is shared
// process-wide state, initialized at most once per bring-up and un-initialized
// exactly once at teardown by whoever initialized it.
package objectstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/blobstore"
	minioblob "github.com/quiverdb/quiver/blobstore/minio"
	s3blob "github.com/quiverdb/quiver/blobstore/s3"
	"github.com/quiverdb/quiver/config"
)

const pingTimeout = 5 * time.Second

var (
	globalMu    sync.Mutex
	globalStore blobstore.BlobStore
	initialized atomic.Bool
)

// IsInit reports whether the remote store handle is initialized.
func IsInit() bool { return initialized.Load() }

// Remote returns the process-wide remote store. Panics when uninitialized.
func Remote() blobstore.BlobStore {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalStore == nil {
		quiver.Unrecoverable("remote store accessed before initialization")
	}
	return globalStore
}

// InitRemote initializes the process-wide remote store from the config. The
// endpoint is probed before the handle is published; a probe failure returns
// a Status and leaves the handle uninitialized. Double initialization is a
// programming error.
func InitRemote(cfg *config.Config) error {
	if initialized.Load() {
		quiver.Unrecoverable("remote storage system was initialized before")
	}

	var (
		store blobstore.BlobStore
		err   error
	)
	switch cfg.ObjectStoreProvider {
	case config.ProviderMinio:
		store, err = minioblob.NewStore(minioblob.Options{
			Endpoint:  cfg.ObjectStoreURL,
			UseHTTPS:  cfg.ObjectStoreUseHTTPS,
			AccessKey: cfg.ObjectStoreAccessKey,
			SecretKey: cfg.ObjectStoreSecretKey,
			Bucket:    cfg.ObjectStoreBucket,
		})
	case config.ProviderS3:
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		store, err = s3blob.NewStore(ctx, cfg.ObjectStoreBucket, "")
		cancel()
	default:
		quiver.Unrecoverable("unsupported object store provider: %s", cfg.ObjectStoreProvider)
	}
	if err != nil {
		return quiver.NewStatusErr(quiver.CodeRemoteStore, "remote store client", err)
	}

	if pinger, ok := store.(blobstore.Pinger); ok {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := pinger.Ping(ctx)
		cancel()
		if err != nil {
			return quiver.NewStatusErr(quiver.CodeRemoteStore, "remote store unreachable", err)
		}
	}

	globalMu.Lock()
	globalStore = store
	globalMu.Unlock()
	initialized.Store(true)
	return nil
}

// UnInitRemote clears the handle. Idempotent; safe to call after a failed
// InitRemote.
func UnInitRemote() {
	globalMu.Lock()
	globalStore = nil
	globalMu.Unlock()
	initialized.Store(false)
}

// ResetForTest clears the handle between test cases.
func ResetForTest() { UnInitRemote() }

// SetRemoteForTest installs a store (e.g. a MemoryStore) as the remote
// handle, bypassing the connectivity probe.
func SetRemoteForTest(store blobstore.BlobStore) {
	globalMu.Lock()
	globalStore = store
	globalMu.Unlock()
	initialized.Store(store != nil)
}
