package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the connection settings of an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore keeps objects in a single MinIO (or any S3-compatible) bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to the endpoint and creates the bucket when it does not
// exist yet.
func NewMinio(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, name, contentType string, content io.Reader, size int64) (*Object, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if size > MaxObjectSize {
		return nil, ErrObjectTooLarge
	}
	info, err := s.client.PutObject(ctx, s.bucket, name, content, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("putting %s into %s: %w", name, s.bucket, err)
	}
	return &Object{
		Name:        name,
		ContentType: contentType,
		Size:        info.Size,
		Hash:        info.ETag,
		CreatedAt:   info.LastModified,
	}, nil
}

func (s *MinioStore) Get(ctx context.Context, name string) (io.ReadCloser, *Object, error) {
	info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		return nil, nil, mapMinioError(err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, mapMinioError(err)
	}
	return obj, objectFromInfo(info), nil
}

func (s *MinioStore) Delete(ctx context.Context, name string) error {
	// RemoveObject succeeds for missing keys, so stat first.
	if _, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); err != nil {
		return mapMinioError(err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]*Object, error) {
	var out []*Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, info.Err)
		}
		out = append(out, objectFromInfo(info))
	}
	return out, nil
}

func objectFromInfo(info minio.ObjectInfo) *Object {
	return &Object{
		Name:        info.Key,
		ContentType: info.ContentType,
		Size:        info.Size,
		Hash:        info.ETag,
		CreatedAt:   info.LastModified,
	}
}

func mapMinioError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return ErrObjectNotFound
	}
	return err
}
