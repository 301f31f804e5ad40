package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"reviewstream/internal/domain"
)

// ObjectInfo is the HEAD metadata for one object.
type ObjectInfo struct {
	Key          domain.AssetKey
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Client is the thin object-store surface the pipeline needs: signed GET
// URLs for external readers (ffmpeg, the download task) and HEAD metadata.
type Client interface {
	PresignedGet(ctx context.Context, key domain.AssetKey, expiry time.Duration) (string, error)
	Stat(ctx context.Context, key domain.AssetKey) (ObjectInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type minioClient struct {
	client *minio.Client
	bucket string
}

func New(cfg Config) (Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("object store endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("object store bucket is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &minioClient{client: client, bucket: bucket}, nil
}

func (c *minioClient) PresignedGet(ctx context.Context, key domain.AssetKey, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = time.Hour
	}
	u, err := c.client.PresignedGetObject(ctx, c.bucket, string(key), expiry, url.Values{})
	if err != nil {
		return "", mapStoreError(err)
	}
	return u.String(), nil
}

func (c *minioClient) Stat(ctx context.Context, key domain.AssetKey) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, c.bucket, string(key), minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapStoreError(err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// mapStoreError translates minio error codes into domain error kinds so that
// handlers can map them to HTTP statuses without importing minio.
func mapStoreError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %s", domain.ErrCredential, resp.Message)
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %s", domain.ErrNotFound, resp.Message)
	}
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return fmt.Errorf("%w: %v", domain.ErrCredential, err)
	}
	if resp.StatusCode == 404 {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return err
}
