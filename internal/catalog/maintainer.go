package catalog

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/metadata"
)

// Maintainer applies metadata cache maintenance and mirrors the result into a
// sky index, when one is in use.
type Maintainer struct {
	Cache *metadata.Cache
	Index *SkyIndex
}

func (m Maintainer) Ready() bool { return m.Cache.Ready() }

// Initialize rebuilds the metadata cache from the images directory, then the index.
func (m Maintainer) Initialize(ctx context.Context) (int, error) {
	n, err := m.Cache.Initialize(ctx)
	if err != nil {
		return n, err
	}
	return n, m.reindex(ctx)
}

func (m Maintainer) Refresh(ctx context.Context) (metadata.RefreshStats, error) {
	st, err := m.Cache.Refresh(ctx)
	if err != nil {
		return st, err
	}
	if st.Added+st.Updated == 0 {
		return st, nil
	}
	return st, m.reindex(ctx)
}

// RefreshPath re-extracts one image if it is new or modified and updates its
// index entry.
func (m Maintainer) RefreshPath(ctx context.Context, path string) (bool, error) {
	changed, err := m.Cache.RefreshPath(ctx, path)
	if err != nil || !changed || m.Index == nil {
		return changed, err
	}
	if md, ok := m.Cache.Get(ctx, path); ok {
		m.Index.Upsert(md)
	}
	return true, nil
}

func (m Maintainer) reindex(ctx context.Context) error {
	if m.Index == nil {
		return nil
	}
	if _, err := m.Index.Rebuild(ctx, m.Cache); err != nil {
		return fmt.Errorf("rebuild sky index: %w", err)
	}
	return nil
}
