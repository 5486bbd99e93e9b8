// Package archive copies published snapshots into S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"formgate/api/internal/store"
)

type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Archive struct {
	client objectStore
	bucket string
}

func New(opts Options) (*Archive, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Archive{client: client, bucket: opts.Bucket}, nil
}

func (a *Archive) Bucket() string {
	return a.bucket
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// PutSnapshot stores the version's snapshot bytes unchanged and returns the object key.
func (a *Archive) PutSnapshot(ctx context.Context, version store.EntityVersion) (string, error) {
	key := ObjectKey(version)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(version.DataSnapshot), int64(len(version.DataSnapshot)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"entity-type":    string(version.EntityType),
			"entity-id":      version.EntityID,
			"version-id":     version.ID,
			"version-number": strconv.Itoa(version.VersionNumber),
			"approved-by":    version.ApprovedBy,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// ObjectKey is <type>/<id>/v<number>-<versionID>.json.
func ObjectKey(version store.EntityVersion) string {
	return fmt.Sprintf("%s/%s/v%d-%s.json", version.EntityType, escapeSegment(version.EntityID), version.VersionNumber, version.ID)
}

func escapeSegment(value string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(value)
}
