package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore keeps objects in a MinIO (or any S3-compatible) bucket under
// a key prefix.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// MinioConfig carries the connection parameters for NewMinioStore.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// NewMinioStore connects to the endpoint and returns a store over the
// bucket. The bucket must already exist.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: minio connect %s: %w", cfg.Endpoint, err)
	}
	return NewMinioStoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewMinioStoreWithClient wraps an existing client.
func NewMinioStoreWithClient(client *minio.Client, bucket, prefix string) *MinioStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &MinioStore{client: client, bucket: bucket, prefix: prefix}
}

// Put writes data under name.
func (m *MinioStore) Put(ctx context.Context, name string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.prefix+name,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("storage: minio put %s: %w", name, err)
	}
	return nil
}

// Get reads the object named name.
func (m *MinioStore) Get(ctx context.Context, name string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.prefix+name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: minio get %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("storage: minio read %s: %w", name, err)
	}
	return data, nil
}

// Delete removes the object named name.
func (m *MinioStore) Delete(ctx context.Context, name string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, m.prefix+name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: minio delete %s: %w", name, err)
	}
	return nil
}

// List returns the sorted names matching prefix.
func (m *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    m.prefix + prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("storage: minio list %s: %w", prefix, obj.Err)
		}
		names = append(names, strings.TrimPrefix(obj.Key, m.prefix))
	}
	sort.Strings(names)
	return names, nil
}
