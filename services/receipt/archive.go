package receipt

import (
	"bytes"
	"context"
	"path"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/errutil"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// Archive keeps rendered receipts in object storage.
type Archive interface {
	Put(ctx context.Context, donationID string, pdf []byte) (string, error)
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type minioArchive struct {
	client *minio.Client
	bucket string
}

func NewArchive(client *minio.Client, cfg *config.Config) Archive {
	return &minioArchive{client: client, bucket: cfg.Minio.BucketName}
}

func (a *minioArchive) Put(ctx context.Context, donationID string, pdf []byte) (string, error) {
	key := path.Join("receipts", donationID, uuid.NewString()+".pdf")
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(pdf), int64(len(pdf)), minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return "", errutil.ServiceUnavailable("failed to archive receipt", err)
	}
	return key, nil
}

func (a *minioArchive) URL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := a.client.PresignedGetObject(ctx, a.bucket, key, ttl, nil)
	if err != nil {
		return "", errutil.ServiceUnavailable("failed to sign receipt url", err)
	}
	return u.String(), nil
}
