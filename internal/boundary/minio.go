package boundary

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"postcode-api/internal/logger"
	"postcode-api/internal/metrics"
)

// 单个边界文件上限，超出视为异常数据
const maxBoundaryBytes = 64 << 20

// MinIO：S3 兼容对象存储实现
type MinIO struct {
	client *minio.Client
	bucket string
}

func NewMinIO(client *minio.Client, bucket string) *MinIO {
	return &MinIO{client: client, bucket: bucket}
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket" || code == "NotFound"
}

// Has：StatObject 只取元数据
func (s *MinIO) Has(ctx context.Context, code string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, Key(code), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	logger.L().Warn("boundary_stat_error", "code", code, "err", err)
	return false, fmt.Errorf("boundary stat %s: %w", code, err)
}

func (s *MinIO) Load(ctx context.Context, code string) (*Geometry, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, Key(code), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			metrics.BoundaryLoadsTotal.WithLabelValues("missing").Inc()
			return nil, nil
		}
		metrics.BoundaryLoadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("boundary get %s: %w", code, err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(io.LimitReader(obj, maxBoundaryBytes))
	if err != nil {
		// GetObject 惰性请求，不存在的键在首次读取时才报错
		if isNotFound(err) {
			metrics.BoundaryLoadsTotal.WithLabelValues("missing").Inc()
			return nil, nil
		}
		metrics.BoundaryLoadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("boundary read %s: %w", code, err)
	}
	g, err := Decode(raw)
	if err != nil {
		metrics.BoundaryLoadsTotal.WithLabelValues("invalid").Inc()
		logger.L().Warn("boundary_decode_error", "code", code, "err", err)
		return nil, err
	}
	metrics.BoundaryLoadsTotal.WithLabelValues("ok").Inc()
	return g, nil
}
