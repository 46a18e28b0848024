package replaystore

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/rferrors"
)

type fakeStore struct {
	markers map[string]domain.ReplayMarker
	getErr  error
	setErr  error
	sets    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{markers: map[string]domain.ReplayMarker{}}
}

func (f *fakeStore) Get(_ context.Context, org, channel string) (*domain.ReplayMarker, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	m, ok := f.markers[key("", org, channel)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *fakeStore) Set(_ context.Context, org, channel string, marker domain.ReplayMarker) error {
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	f.markers[key("", org, channel)] = marker
	return nil
}

func TestNullStoreAlwaysMisses(t *testing.T) {
	s := NewNullStore()
	m, err := s.Get(context.Background(), "org1", "/topic/leads")
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, s.Set(context.Background(), "org1", "/topic/leads", domain.ReplayMarker{ReplayID: 1}))
	m, err = s.Get(context.Background(), "org1", "/topic/leads")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMonotonicStoreKeepsHighestReplayID(t *testing.T) {
	backend := newFakeStore()
	s := NewMonotonicStore(backend)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "org1", "ch", domain.ReplayMarker{ReplayID: 10}))
	require.NoError(t, s.Set(ctx, "org1", "ch", domain.ReplayMarker{ReplayID: 3}))

	got, err := s.Get(ctx, "org1", "ch")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(10), got.ReplayID)
}

func TestCachedStoreServesReadsFromCache(t *testing.T) {
	backend := newFakeStore()
	cached, err := NewCachedStore(backend, 8)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cached.Set(ctx, "org1", "ch", domain.ReplayMarker{ReplayID: 42}))
	backend.getErr = errors.New("unreachable")

	got, err := cached.Get(ctx, "org1", "ch")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.ReplayID)
}

func TestPolicyStoreSwallowsWhenConfigured(t *testing.T) {
	backend := newFakeStore()
	backend.getErr = errors.New("redis down")
	backend.setErr = errors.New("redis down")
	logger := slog.New(slog.NewTextHandler(nopWriter{}, nil))

	lenient := NewPolicyStore(backend, logger, true)
	m, err := lenient.Get(context.Background(), "org1", "ch")
	require.NoError(t, err)
	assert.Nil(t, m)
	require.NoError(t, lenient.Set(context.Background(), "org1", "ch", domain.ReplayMarker{ReplayID: 1}))

	strict := NewPolicyStore(backend, logger, false)
	_, err = strict.Get(context.Background(), "org1", "ch")
	require.Error(t, err)
	assert.True(t, rferrors.Is(err, rferrors.KindReplayStore))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
