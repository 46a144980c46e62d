package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/cache/redisstore"
)

// RedisStore keeps entries in Redis as JSON so that every service process sees
// the same metadata.
type RedisStore struct {
	rc      *redisstore.Client
	prefix  string
	timeout time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rc *redisstore.Client, prefix string, opTimeout time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "fitsmd:"
	}
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &RedisStore{rc: rc, prefix: prefix, timeout: opTimeout}
}

func (s *RedisStore) key(path string) string { return s.prefix + path }

func (s *RedisStore) Get(ctx context.Context, path string) (*ImageMetadata, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	b, found, err := s.rc.Get(ctx, s.key(path))
	if err != nil || !found {
		return nil, false, err
	}
	var md ImageMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, false, fmt.Errorf("decode metadata %q: %w", path, err)
	}
	return &md, true, nil
}

func (s *RedisStore) Put(ctx context.Context, md *ImageMetadata) error {
	b, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata %q: %w", md.Path, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rc.Set(ctx, s.key(md.Path), b, 0)
}

// GetMany fetches entries for paths with chunked MGETs. Paths without an entry
// are left out of the result.
func (s *RedisStore) GetMany(ctx context.Context, paths []string) (map[string]*ImageMetadata, error) {
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = s.key(p)
	}
	vals, err := s.rc.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*ImageMetadata, len(vals))
	for k, b := range vals {
		var md ImageMetadata
		if err := json.Unmarshal(b, &md); err != nil {
			return nil, fmt.Errorf("decode metadata %q: %w", k, err)
		}
		out[strings.TrimPrefix(k, s.prefix)] = &md
	}
	return out, nil
}

// PutMany writes a batch in one pipeline.
func (s *RedisStore) PutMany(ctx context.Context, mds []*ImageMetadata) error {
	kv := make(map[string][]byte, len(mds))
	for _, md := range mds {
		b, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("encode metadata %q: %w", md.Path, err)
		}
		kv[s.key(md.Path)] = b
	}
	return s.rc.MSet(ctx, kv, 0)
}

// Clear scans the whole prefix, so it is not bounded by the per-op timeout.
func (s *RedisStore) Clear(ctx context.Context) error {
	_, err := s.rc.DelPrefix(ctx, s.prefix)
	return err
}

func (s *RedisStore) Paths(ctx context.Context) ([]string, error) {
	keys, err := s.rc.Keys(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, s.prefix)
	}
	return out, nil
}
