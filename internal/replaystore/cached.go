package replaystore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/rabbit-force/internal/domain"
)

// CachedStore is a read-through LRU cache in front of a durable Store,
// grounded on the same hashicorp/golang-lru usage the teacher's peer
// enrichment service uses to keep "hot" identities out of a network round
// trip. Writes always go through to the backend; reads are served from the
// cache when present and refreshed on every Set.
type CachedStore struct {
	backend Store
	cache   *lru.Cache[string, domain.ReplayMarker]
}

// NewCachedStore wraps backend with an LRU of the given size. size<=0 is
// treated as a one-entry cache.
func NewCachedStore(backend Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, domain.ReplayMarker](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, cache: cache}, nil
}

func (s *CachedStore) Get(ctx context.Context, org, channel string) (*domain.ReplayMarker, error) {
	k := key("", org, channel)
	if marker, ok := s.cache.Get(k); ok {
		return &marker, nil
	}
	marker, err := s.backend.Get(ctx, org, channel)
	if err != nil || marker == nil {
		return marker, err
	}
	s.cache.Add(k, *marker)
	return marker, nil
}

func (s *CachedStore) Set(ctx context.Context, org, channel string, marker domain.ReplayMarker) error {
	if err := s.backend.Set(ctx, org, channel, marker); err != nil {
		return err
	}
	s.cache.Add(key("", org, channel), marker)
	return nil
}
