package replaystore

import (
	"context"
	"log/slog"

	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/rferrors"
)

// PolicyStore decorates a Store with the `ignore_replay_storage_errors`
// policy from spec.md §4.A: when IgnoreErrors is set, Get swallows errors as
// a cache miss and Set swallows errors after logging, instead of
// propagating a rferrors.ReplayStore error to the pipeline. Modeled on the
// teacher's enricherMiddleware decoration of the Enricher interface.
type PolicyStore struct {
	next         Store
	logger       *slog.Logger
	ignoreErrors bool
}

func NewPolicyStore(next Store, logger *slog.Logger, ignoreErrors bool) *PolicyStore {
	return &PolicyStore{next: next, logger: logger, ignoreErrors: ignoreErrors}
}

func (s *PolicyStore) Get(ctx context.Context, org, channel string) (*domain.ReplayMarker, error) {
	marker, err := s.next.Get(ctx, org, channel)
	if err == nil {
		return marker, nil
	}
	if s.ignoreErrors {
		s.logger.Warn("REPLAY_STORE_GET_FAILED", "org_name", org, "channel", channel, "err", err)
		return nil, nil
	}
	return nil, rferrors.ReplayStore("get", err)
}

func (s *PolicyStore) Set(ctx context.Context, org, channel string, marker domain.ReplayMarker) error {
	err := s.next.Set(ctx, org, channel, marker)
	if err == nil {
		return nil
	}
	if s.ignoreErrors {
		s.logger.Warn("REPLAY_STORE_SET_FAILED", "org_name", org, "channel", channel, "err", err)
		return nil
	}
	return rferrors.ReplayStore("set", err)
}
