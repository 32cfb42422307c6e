// Package storage uploads binary blobs (scene backgrounds, portraits) and
// hands back resolvable references.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// BlobStore accepts a blob for a bucket and returns a resolvable reference.
type BlobStore interface {
	Upload(ctx context.Context, bucket, name string, data []byte) (string, error)
}

// PostgresBlobs keeps blobs in the store's blobs table and returns stable
// URL paths served by whatever fronts the database.
type PostgresBlobs struct {
	pool    *pgxpool.Pool
	baseURL string
}

// NewPostgresBlobs wires the blob table. baseURL prefixes returned refs.
func NewPostgresBlobs(pool *pgxpool.Pool, baseURL string) *PostgresBlobs {
	return &PostgresBlobs{pool: pool, baseURL: baseURL}
}

func (s *PostgresBlobs) Upload(ctx context.Context, bucket, name string, data []byte) (string, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blobs (bucket, name, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (bucket, name) DO UPDATE SET data = EXCLUDED.data
	`, bucket, name, data)
	if err != nil {
		return "", fmt.Errorf("upload blob: %w", err)
	}
	return fmt.Sprintf("%s/blobs/%s/%s", s.baseURL, bucket, name), nil
}

// Fallback wraps a BlobStore and degrades to an ephemeral local-only
// reference when the upload fails. Such refs do not survive a reconnect;
// that is a documented limitation, not something to mask.
type Fallback struct {
	primary BlobStore
	logger  *zap.Logger
}

// NewFallback wraps primary with the degradation behavior.
func NewFallback(primary BlobStore, logger *zap.Logger) *Fallback {
	return &Fallback{primary: primary, logger: logger}
}

func (f *Fallback) Upload(ctx context.Context, bucket, name string, data []byte) (string, error) {
	ref, err := f.primary.Upload(ctx, bucket, name, data)
	if err == nil {
		return ref, nil
	}
	f.logger.Warn("blob upload failed, using ephemeral reference",
		zap.String("bucket", bucket),
		zap.String("name", name),
		zap.Error(err),
	)
	return fmt.Sprintf("mem://%s/%s", bucket, name), nil
}
