// Package journal persists small state records that must survive
// process restarts.
//
// A Store holds one opaque record per key. Records are written whole
// and replace the previous value, so a reader observes either the old
// record or the new one. Bucket keeps records as objects in any
// gocloud.dev bucket (file://, s3://, gs://, azblob://, mem://); Memory
// is for tests.
//
// # URLs
//
// Bucket URLs follow gocloud.dev conventions, including the prefix
// query parameter to scope all records under a directory:
//
//	file:///var/lib/stowage/journal
//	s3://state-bucket?prefix=stowage/&region=us-east-1
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound reports that no record exists for the key.
var ErrNotFound = errors.New("journal: record not found")

// Store persists one record per key. Save replaces atomically, Delete
// of a missing key succeeds.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Bucket stores records as objects in a blob bucket.
type Bucket struct {
	bucket *blob.Bucket
}

// OpenBucket opens a journal at a gocloud bucket URL.
func OpenBucket(ctx context.Context, rawURL string) (*Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", rawURL, err)
	}
	return &Bucket{bucket: bucket}, nil
}

func (s *Bucket) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("journal: load %s: %w", key, err)
	}
	return data, nil
}

func (s *Bucket) Save(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("journal: save %s: %w", key, err)
	}
	return nil
}

func (s *Bucket) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("journal: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying bucket.
func (s *Bucket) Close() error {
	return s.bucket.Close()
}

// Memory is an in-memory Store for tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

func (m *Memory) Load(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *Memory) Save(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.records[key] = cp
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

// Len reports how many records the journal holds.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
