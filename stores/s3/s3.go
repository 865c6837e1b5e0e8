// Package s3 provides an object-storage StoreBackend over the S3 API, for
// state that must outlive local disks.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/flumehq/flume"
)

// Config locates the bucket stores are kept in.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

type s3Store struct {
	client *minio.Client

	prefix string
	bucket string
}

func (s *s3Store) Init() error {
	return nil
}

func (s *s3Store) Flush(ctx context.Context) error {
	return nil
}

func (s *s3Store) Close() error {
	return nil
}

func (s *s3Store) Set(k, v []byte) error {
	_, err := s.client.PutObject(context.Background(), s.bucket, s.objectName(k),
		bytes.NewReader(v), int64(len(v)), minio.PutObjectOptions{})
	return err
}

func (s *s3Store) Get(k []byte) ([]byte, error) {
	obj, err := s.client.GetObject(context.Background(), s.bucket, s.objectName(k), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, flume.ErrKeyNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *s3Store) Delete(k []byte) error {
	return s.client.RemoveObject(context.Background(), s.bucket, s.objectName(k), minio.RemoveObjectOptions{})
}

func (s *s3Store) Iterator(prefix []byte) (flume.Iterator, error) {
	ch := s.client.ListObjects(context.Background(), s.bucket, minio.ListObjectsOptions{
		Prefix:    s.objectName(prefix),
		Recursive: true,
	})
	return &s3Iterator{store: s, objects: ch}, nil
}

func (s *s3Store) objectName(key []byte) string {
	return fmt.Sprintf("%s/%s", s.prefix, key)
}

type s3Iterator struct {
	store   *s3Store
	objects <-chan minio.ObjectInfo

	key   []byte
	value []byte
	err   error
}

func (it *s3Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	info, ok := <-it.objects
	if !ok {
		return false
	}
	if info.Err != nil {
		it.err = info.Err
		return false
	}

	it.key = []byte(strings.TrimPrefix(info.Key, it.store.prefix+"/"))
	it.value, it.err = it.store.Get(it.key)
	return it.err == nil
}

func (it *s3Iterator) Key() []byte { return it.key }

func (it *s3Iterator) Value() []byte { return it.value }

func (it *s3Iterator) Err() error { return it.err }

func (it *s3Iterator) Close() error { return nil }

// NewStoreBuilder returns a builder keeping each named store under its own
// key prefix within the configured bucket. The bucket is created on first
// use.
func NewStoreBuilder(cfg Config) flume.StoreBackendBuilder {
	return func(name string) (flume.StoreBackend, error) {
		return newStore(cfg, name)
	}
}

func newStore(cfg Config, name string) (*s3Store, error) {
	ctx := context.Background()

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := client.BucketExists(ctx, cfg.Bucket)
		if checkErr != nil || !exists {
			return nil, err
		}
	}

	return &s3Store{
		client: client,
		prefix: name,
		bucket: cfg.Bucket,
	}, nil
}

var _ = flume.StoreBackend(&s3Store{})
