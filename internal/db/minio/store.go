// Package minio serves the document object store from MinIO or any S3-compatible
// endpoint.
package minio

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kailas-cloud/vecmerge/internal/db"
	"github.com/kailas-cloud/vecmerge/internal/db/objkey"
)

var _ db.ObjectStore = (*Store)(nil)

// Config holds MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// Store implements db.ObjectStore over a single bucket.
type Store struct {
	client *minio.Client
	bucket string
	keys   objkey.Mapper
}

// NewStore connects to the endpoint in cfg.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewStoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *minio.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, keys: objkey.New(prefix)}
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &db.Error{Op: db.OpPing, Err: err}
	}
	if !ok {
		return &db.Error{Op: db.OpPing, Err: fmt.Errorf("bucket %q does not exist", s.bucket)}
	}
	return nil
}

// ListKeys lists every object under prefix.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.keys.Object(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, &db.Error{Op: db.OpList, Err: obj.Err}
		}
		keys = append(keys, s.keys.Name(obj.Key))
	}
	sort.Strings(keys)
	return keys, nil
}

// Get reads a whole object.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.keys.Object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return data, nil
}

// Close is a no-op; the minio client holds no long-lived connections of its own.
func (s *Store) Close() {}

func (s *Store) mapErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return db.ErrKeyNotFound
	}
	return &db.Error{Op: db.OpGet, Err: err}
}
