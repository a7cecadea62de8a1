package storage

import (
	"context"
	"errors"
	"io"
	"slices"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/studyreports/apiserver/config"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSClient stores objects in a Google Cloud Storage bucket.
type GCSClient struct {
	client    *storage.Client
	bucket    string
	projectID string
}

// NewGCSClient constructs a GCS client from config.
func NewGCSClient(ctx context.Context, cfg config.GCSConfig) (*GCSClient, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCSClient{client: client, bucket: cfg.Bucket, projectID: cfg.ProjectID}, nil
}

// Prepare creates the bucket when it is missing and, with a retention set,
// replaces the archive's delete rule in the bucket lifecycle.
func (g *GCSClient) Prepare(ctx context.Context, prefix string, retentionDays int) error {
	bucket := g.client.Bucket(g.bucket)
	attrs, err := bucket.Attrs(ctx)
	switch {
	case errors.Is(err, storage.ErrBucketNotExist):
		if strings.TrimSpace(g.projectID) == "" {
			return errors.New("gcs project id is required to create bucket")
		}
		if err := bucket.Create(ctx, g.projectID, nil); err != nil {
			return err
		}
		attrs = &storage.BucketAttrs{}
	case err != nil:
		return err
	}
	if retentionDays <= 0 {
		return nil
	}

	rules := slices.DeleteFunc(slices.Clone(attrs.Lifecycle.Rules), func(rule storage.LifecycleRule) bool {
		return rule.Action.Type == storage.DeleteAction && slices.Equal(rule.Condition.MatchesPrefix, []string{prefix})
	})
	rules = append(rules, storage.LifecycleRule{
		Action: storage.LifecycleAction{Type: storage.DeleteAction},
		Condition: storage.LifecycleCondition{
			AgeInDays:     int64(retentionDays),
			MatchesPrefix: []string{prefix},
		},
	})
	_, err = bucket.Update(ctx, storage.BucketAttrsToUpdate{
		Lifecycle: &storage.Lifecycle{Rules: rules},
	})
	return err
}

// Put uploads an object. The write is aborted when ctx is cancelled.
func (g *GCSClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	writer := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if strings.TrimSpace(contentType) != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func (g *GCSClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	return rc, err
}

func (g *GCSClient) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *GCSClient) Bucket() string {
	return g.bucket
}
