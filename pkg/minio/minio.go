package minio

import (
	"context"

	"impact-donations/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const receiptPrefix = "receipts/"

var Client = fx.Module("minio.client", fx.Provide(registerClient))

func registerClient(lc fx.Lifecycle, c *config.Config) (*minio.Client, error) {
	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureBucket(ctx, client, c.Minio.BucketName, c.Minio.RetentionDays)
		},
	})
	return client, nil
}

// ensureBucket creates the receipt bucket on first start and applies the
// retention rule to the receipts/ prefix.
func ensureBucket(ctx context.Context, client *minio.Client, bucket string, retentionDays int) error {
	zapLog := zap.L().With(zap.String("bucket", bucket))

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		zapLog.Error("[MinIO] failed to check bucket", zap.Error(err))
		return err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			zapLog.Error("[MinIO] failed to create bucket", zap.Error(err))
			return err
		}
		zapLog.Info("[MinIO] bucket created")
	}

	if retentionDays <= 0 {
		return nil
	}
	rules := lifecycle.NewConfiguration()
	rules.Rules = []lifecycle.Rule{{
		ID:         "expire-receipts",
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: receiptPrefix},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(retentionDays)},
	}}
	if err := client.SetBucketLifecycle(ctx, bucket, rules); err != nil {
		zapLog.Warn("[MinIO] failed to apply receipt retention", zap.Int("days", retentionDays), zap.Error(err))
		return nil
	}
	zapLog.Info("[MinIO] receipt retention applied", zap.Int("days", retentionDays))
	return nil
}
