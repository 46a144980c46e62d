package metadata

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Store holds metadata entries keyed by file path.
type Store interface {
	Get(ctx context.Context, path string) (*ImageMetadata, bool, error)
	Put(ctx context.Context, md *ImageMetadata) error
	Clear(ctx context.Context) error
	Paths(ctx context.Context) ([]string, error)
}

// multiGetter is implemented by stores that can fetch many entries in one
// round trip.
type multiGetter interface {
	GetMany(ctx context.Context, paths []string) (map[string]*ImageMetadata, error)
}

const numShards = 64

// MemoryStore is a process-local Store striped over independently locked shards.
type MemoryStore struct {
	shards [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*ImageMetadata
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*ImageMetadata)
	}
	return s
}

func (s *MemoryStore) pick(path string) *shard {
	return &s.shards[xxhash.Sum64String(path)&(numShards-1)]
}

func (s *MemoryStore) Get(_ context.Context, path string) (*ImageMetadata, bool, error) {
	sh := s.pick(path)
	sh.mu.RLock()
	md, ok := sh.m[path]
	sh.mu.RUnlock()
	return md, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, md *ImageMetadata) error {
	sh := s.pick(md.Path)
	sh.mu.Lock()
	sh.m[md.Path] = md
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.m = make(map[string]*ImageMetadata)
		sh.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) Paths(context.Context) ([]string, error) {
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for p := range sh.m {
			out = append(out, p)
		}
		sh.mu.RUnlock()
	}
	return out, nil
}
