// Package storage keeps sync reports in object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/studyreports/apiserver/config"
)

// ErrObjectNotFound is returned by Get for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	// Prepare creates the bucket if needed. With retentionDays > 0 it also
	// installs a rule that expires objects under prefix after that many days.
	Prepare(ctx context.Context, prefix string, retentionDays int) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Bucket() string
}

// Supported values of ARCHIVE_BACKEND.
const (
	BackendMinio = "minio"
	BackendGCS   = "gcs"
)

// retentionRuleID names the lifecycle rule owned by the archive.
const retentionRuleID = "expire-sync-reports"

// Open connects to the configured backend and prepares its bucket. It
// returns nil when archiving is disabled.
func Open(ctx context.Context, cfg config.ArchiveConfig) (ObjectStorage, error) {
	var backend ObjectStorage
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "":
		return nil, nil
	case BackendMinio:
		client, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		backend = client
	case BackendGCS:
		client, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		backend = client
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}

	if err := backend.Prepare(ctx, prefixDir(cfg.Prefix), cfg.RetentionDays); err != nil {
		return nil, fmt.Errorf("prepare bucket %s: %w", backend.Bucket(), err)
	}
	return backend, nil
}

// prefixDir turns an archive prefix into the key prefix it covers.
func prefixDir(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
