// Package replaystore implements the durable key->ReplayMarker map of
// spec.md §4.A, keyed by (org, channel).
package replaystore

import (
	"context"

	"github.com/webitel/rabbit-force/internal/domain"
)

// Store is the replay store contract.
type Store interface {
	Get(ctx context.Context, org, channel string) (*domain.ReplayMarker, error)
	Set(ctx context.Context, org, channel string, marker domain.ReplayMarker) error
}

func key(prefix, org, channel string) string {
	if prefix == "" {
		return org + ":" + channel
	}
	return prefix + ":" + org + ":" + channel
}
