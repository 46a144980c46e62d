package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers the last applied version per image path.
type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// shouldApply is false for a version at or below the last one applied to path.
// Version 0 is unversioned and always applies.
func (d *versionDedupe) shouldApply(path string, v uint64) bool {
	if v == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(path)
	return !ok || v > last
}

// applied records v once its event has been applied.
func (d *versionDedupe) applied(path string, v uint64) {
	if v == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(path); !ok || v > last {
		d.lru.Add(path, v)
	}
}

func (d *versionDedupe) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.Purge()
}
