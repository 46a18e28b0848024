package replaystore

import (
	"context"

	"github.com/webitel/rabbit-force/internal/domain"
)

// MonotonicStore applies the safe strengthening spec.md §9 Open Question (i)
// allows: Set only advances the stored marker, never regresses it when
// Salesforce replays an older event after a rehandshake.
type MonotonicStore struct {
	backend Store
}

func NewMonotonicStore(backend Store) *MonotonicStore {
	return &MonotonicStore{backend: backend}
}

func (s *MonotonicStore) Get(ctx context.Context, org, channel string) (*domain.ReplayMarker, error) {
	return s.backend.Get(ctx, org, channel)
}

func (s *MonotonicStore) Set(ctx context.Context, org, channel string, marker domain.ReplayMarker) error {
	current, err := s.backend.Get(ctx, org, channel)
	if err != nil {
		return err
	}
	if current != nil && current.ReplayID > marker.ReplayID {
		return nil
	}
	return s.backend.Set(ctx, org, channel, marker)
}
