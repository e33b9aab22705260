package kvstore

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileEntry is one stored value in the JSON document. Value is kept as raw
// bytes (base64 in the document) so non-JSON payloads round-trip untouched.
type fileEntry struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// fileDoc is the on-disk layout: partition -> logical key -> entry.
type fileDoc struct {
	Partitions map[string]map[string]fileEntry `json:"partitions"`
}

// FileStore is the default Store implementation: a single JSON document loaded
// fully at open and rewritten (temp file + rename) on every mutation. Suited
// to the data volumes this core targets; use SQLite or Postgres beyond that.
type FileStore struct {
	mu   sync.RWMutex
	path string
	doc  fileDoc
	now  func() time.Time
}

// OpenFile opens (or creates) the JSON document store at path.
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{path: path, doc: fileDoc{Partitions: map[string]map[string]fileEntry{}}, now: time.Now}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, err
		}
	}
	if s.doc.Partitions == nil {
		s.doc.Partitions = map[string]map[string]fileEntry{}
	}
	return s, nil
}

func (s *FileStore) Close() error { return nil }

// flushLocked rewrites the document durably. Callers hold s.mu.
func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) expiredLocked(e fileEntry) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(s.now())
}

func (s *FileStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	part := partitionOf(opts.Partition)
	m := s.doc.Partitions[part]
	if m == nil {
		m = map[string]fileEntry{}
		s.doc.Partitions[part] = m
	}
	e := fileEntry{Value: append([]byte(nil), value...)}
	if opts.TTL > 0 {
		t := s.now().Add(opts.TTL)
		e.ExpiresAt = &t
	}
	m[key] = e
	return s.flushLocked()
}

func (s *FileStore) SetIfAbsent(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part := partitionOf(opts.Partition)
	m := s.doc.Partitions[part]
	if m == nil {
		m = map[string]fileEntry{}
		s.doc.Partitions[part] = m
	}
	if cur, ok := m[key]; ok && !s.expiredLocked(cur) {
		return false, nil
	}
	e := fileEntry{Value: append([]byte(nil), value...)}
	if opts.TTL > 0 {
		t := s.now().Add(opts.TTL)
		e.ExpiresAt = &t
	}
	m[key] = e
	if err := s.flushLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) Get(ctx context.Context, key string, opts KeyOptions) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.doc.Partitions[partitionOf(opts.Partition)]
	e, ok := m[key]
	if !ok {
		return nil, nil
	}
	if s.expiredLocked(e) {
		// Lazy eviction: expired entries read as absent and are dropped.
		delete(m, key)
		_ = s.flushLocked()
		return nil, nil
	}
	return append([]byte(nil), e.Value...), nil
}

func (s *FileStore) Delete(ctx context.Context, key string, opts KeyOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.doc.Partitions[partitionOf(opts.Partition)]
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.flushLocked()
}

func (s *FileStore) Exists(ctx context.Context, key string, opts KeyOptions) (bool, error) {
	v, err := s.Get(ctx, key, opts)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (s *FileStore) List(ctx context.Context, opts ListOptions) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.doc.Partitions[partitionOf(opts.Partition)]
	keys := make([]string, 0, len(m))
	for k, e := range m {
		if s.expiredLocked(e) {
			continue
		}
		if opts.Pattern != "" {
			ok, err := path.Match(opts.Pattern, k)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
