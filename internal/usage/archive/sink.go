package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/smallbiznis/licensegate/internal/config"
)

const contentType = "application/x-ndjson"

// Sink stores archived event batches as objects.
type Sink interface {
	Put(ctx context.Context, key string, body []byte) error
}

// NewSink returns the object-storage sink, or nil when archiving is off.
func NewSink(cfg config.Config) (Sink, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	endpoint := strings.TrimSpace(cfg.Archive.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required when archiving is enabled")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Archive.AccessKey, cfg.Archive.SecretKey, ""),
		Secure: cfg.Archive.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &minioSink{client: client, bucket: cfg.Archive.Bucket}, nil
}

type minioSink struct {
	client *minio.Client
	bucket string

	mu    sync.Mutex
	ready bool
}

func (s *minioSink) Put(ctx context.Context, key string, body []byte) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *minioSink) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	s.ready = true
	return nil
}

// MemorySink keeps objects in memory.
type MemorySink struct {
	mu      sync.Mutex
	Objects map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{Objects: map[string][]byte{}}
}

func (s *MemorySink) Put(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Objects[key] = append([]byte(nil), body...)
	return nil
}
