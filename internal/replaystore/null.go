package replaystore

import (
	"context"

	"github.com/webitel/rabbit-force/internal/domain"
)

// NullStore is the no-durability backend: every read misses, every write is
// a no-op. It exists so a deployment with no replay addressing can still
// run the full pipeline (replay then defaults to "new events only").
type NullStore struct{}

func NewNullStore() *NullStore { return &NullStore{} }

func (NullStore) Get(context.Context, string, string) (*domain.ReplayMarker, error) {
	return nil, nil
}

func (NullStore) Set(context.Context, string, string, domain.ReplayMarker) error {
	return nil
}
