// Package attachment is the boundary to the object store holding message
// attachments. Messages only carry a fileRef (the object key).
package attachment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrInvalidRef = errors.New("invalid file reference")

type Config struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	UseSSL       bool
	SignedURLTTL time.Duration
}

type Storage struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

func New(cfg Config) (*Storage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("attachment bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Storage{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

// ObjectKey validates a fileRef and returns the object key it names.
func ObjectKey(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.Contains(ref, "..") || strings.ContainsAny(ref, "\\\x00") {
		return "", ErrInvalidRef
	}
	key := strings.TrimPrefix(path.Clean("/"+ref), "/")
	if key == "" {
		return "", ErrInvalidRef
	}
	return key, nil
}

// Exists reports whether the object named by ref is present in the bucket.
func (s *Storage) Exists(ctx context.Context, ref string) (bool, error) {
	key, err := ObjectKey(ref)
	if err != nil {
		return false, err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

// PresignedURL returns a time-limited GET URL for the object named by ref.
func (s *Storage) PresignedURL(ctx context.Context, ref string) (string, time.Time, error) {
	key, err := ObjectKey(ref)
	if err != nil {
		return "", time.Time{}, err
	}
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, params)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign object %s: %w", key, err)
	}
	return u.String(), time.Now().Add(s.ttl).UTC(), nil
}
