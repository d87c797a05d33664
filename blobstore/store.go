// Package blobstore abstracts access to immutable data objects: sealed WAL
// segments, checkpoint files, and persisted large objects. Backends exist for
// the local filesystem, an in-memory map (tests), MinIO, and native S3.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations must return an error that satisfies
// errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blobstore: object not found")

// BlobStore reads and writes whole immutable objects by name.
type BlobStore interface {
	// Open opens an object for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Put writes an object atomically, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of objects under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to an object.
type Blob interface {
	io.ReaderAt
	io.Closer

	// Size returns the size of the object in bytes.
	Size() int64
}

// Pinger is an optional interface for stores that can probe connectivity.
// Remote stores implement it; the supervisor pings once at init.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadAll reads the full content of a named object.
func ReadAll(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	data := make([]byte, b.Size())
	if len(data) == 0 {
		return data, nil
	}
	if _, err := b.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}
