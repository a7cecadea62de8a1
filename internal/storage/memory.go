package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process ObjectStorage used by tests.
type Memory struct {
	mu        sync.Mutex
	bucket    string
	objects   map[string][]byte
	types     map[string]string
	retention map[string]int
}

func NewMemory(bucket string) *Memory {
	return &Memory{
		bucket:    bucket,
		objects:   map[string][]byte{},
		types:     map[string]string{},
		retention: map[string]int{},
	}
}

// Prepare records the retention for prefix. Nothing expires in memory.
func (m *Memory) Prepare(ctx context.Context, prefix string, retentionDays int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if retentionDays > 0 {
		m.retention[prefix] = retentionDays
	}
	return nil
}

// Retention returns the retention recorded for prefix.
func (m *Memory) Retention(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retention[prefix]
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Bucket() string { return m.bucket }

// ContentType returns the content type key was stored with.
func (m *Memory) ContentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types[key]
}
