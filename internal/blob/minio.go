// Package blob wraps the object store holding user-uploaded case images.
package blob

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store is the uploads bucket. Workflows only ever delete from it; uploads
// are written by the web tier.
type Store struct {
	client *minio.Client
	bucket string
}

// Config carries the object-store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: connect: %w", err)
	}
	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blob: check bucket: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("blob: create bucket: %w", err)
		}
	}
	return &Store{client: cli, bucket: cfg.Bucket}, nil
}

// RemoveUserUploads deletes every object under the user's prefix and returns
// how many objects were removed. Uploads are keyed "<userID>/<uploadID>/...".
func (s *Store) RemoveUserUploads(ctx context.Context, userID string) (int, error) {
	prefix := userID + "/"
	removed := 0
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("blob: list %s: %w", prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("blob: remove %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}
