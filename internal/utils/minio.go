package utils

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"postcode-api/internal/config"
	"postcode-api/internal/logger"
)

// OpenMinIO：边界文件所在的对象存储客户端
// 返回：未配置 S3_ENDPOINT 时为 (nil, nil)；桶不存在视为配置错误
func OpenMinIO(ctx context.Context, cfg *config.Config) (*minio.Client, error) {
	if cfg.S3Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	ok, err := client.BucketExists(ctx, cfg.S3Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.S3Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.S3Bucket)
	}
	logger.L().Debug("minio_ready", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	return client, nil
}
