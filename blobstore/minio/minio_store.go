// Package minio implements blobstore.BlobStore for MinIO and other
// S3-compatible object stores.
package minio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/quiverdb/quiver/blobstore"
)

// Store implements blobstore.BlobStore backed by a MinIO client.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// Options configures a MinIO store connection.
type Options struct {
	// Endpoint is the host:port of the object store, without a scheme.
	Endpoint string
	// UseHTTPS selects TLS transport.
	UseHTTPS bool
	// AccessKey and SecretKey are the store credentials.
	AccessKey string
	SecretKey string
	// Bucket is the bucket all objects live in.
	Bucket string
	// Prefix is prepended to all object keys (e.g. "quiver/").
	Prefix string
}

// NewStore connects a MinIO client and returns a Store.
func NewStore(opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseHTTPS,
	})
	if err != nil {
		return nil, err
	}
	return &Store{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Ping verifies the endpoint is reachable and the bucket exists.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("minio: bucket does not exist: " + s.bucket)
	}
	return nil
}

// Open opens an object for reading.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}

	return &minioBlob{
		ctx:    ctx,
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   info.Size,
	}, nil
}

// Put writes an object atomically.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	key := s.key(name)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

// Delete removes an object.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
}

// List returns object names under the given prefix, relative to the store
// root prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.key(prefix)
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    fullPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := obj.Key
		if s.prefix != "" {
			name = strings.TrimPrefix(strings.TrimPrefix(name, s.prefix), "/")
		}
		names = append(names, name)
	}
	return names, nil
}

type minioBlob struct {
	ctx    context.Context
	client *minio.Client
	bucket string
	key    string
	size   int64
}

func (b *minioBlob) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, io.EOF
	}

	opts := minio.GetObjectOptions{}
	end := off + int64(len(p)) - 1
	if end >= b.size {
		end = b.size - 1
	}
	if err := opts.SetRange(off, end); err != nil {
		return 0, err
	}

	obj, err := b.client.GetObject(b.ctx, b.bucket, b.key, opts)
	if err != nil {
		return 0, err
	}
	defer obj.Close()

	n, err := io.ReadFull(obj, p[:end-off+1])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		if off+int64(n) == b.size {
			if n < len(p) {
				return n, io.EOF
			}
			return n, nil
		}
	}
	if err == nil && int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, err
}

func (b *minioBlob) Close() error { return nil }

func (b *minioBlob) Size() int64 { return b.size }
