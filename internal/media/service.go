// Package media stores item attachments (photos, receipts) in S3-compatible
// object storage. Postgres only keeps the object key and display metadata.
package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Service struct {
	client *minio.Client
	bucket string
}

func NewService(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Service{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the attachment bucket if it does not exist yet.
// Called once at startup.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Put streams an attachment into object storage under the given key.
func (s *Service) Put(ctx context.Context, objectKey, contentType string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// PresignedGet returns a time-limited download URL. The client talks to
// object storage directly; attachment bytes never flow through the API.
func (s *Service) PresignedGet(ctx context.Context, objectKey, fileName string, expiry time.Duration) (string, error) {
	params := make(url.Values)
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// Remove deletes an attachment object.
func (s *Service) Remove(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", objectKey, err)
	}
	return nil
}
