package sourcemanager

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/rabbit-force/internal/cometd"
	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/replaystore"
)

// fakeClient is a scripted Client double: it replays a fixed slice of
// messages on Messages() and records the lifecycle calls Manager makes.
type fakeClient struct {
	orgName  string
	channels []string
	out      chan cometd.Message

	unsubscribed []string
	disconnected bool
}

func newFakeClient(org string, channels []string, msgs []cometd.Message) *fakeClient {
	c := &fakeClient{orgName: org, channels: channels, out: make(chan cometd.Message, len(msgs))}
	for _, m := range msgs {
		c.out <- m
	}
	close(c.out)
	return c
}

func (c *fakeClient) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *fakeClient) Messages() <-chan cometd.Message { return c.out }
func (c *fakeClient) OrgName() string                 { return c.orgName }
func (c *fakeClient) Channels() []string              { return c.channels }

func (c *fakeClient) Unsubscribe(ctx context.Context, channel string) error {
	c.unsubscribed = append(c.unsubscribed, channel)
	return nil
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.disconnected = true
	return nil
}

func (c *fakeClient) State() cometd.State { return cometd.StateConnected }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForwardPersistsReplayBeforeEmittingEnvelope(t *testing.T) {
	msg := cometd.Message{
		Channel: "/topic/lead_changes",
		Data:    json.RawMessage(`{"Id":"1"}`),
		Event:   &domain.ReplayEvent{ReplayID: 7, CreatedDate: "2026-01-01T00:00:00.000Z"},
		Raw:     json.RawMessage(`{"channel":"/topic/lead_changes"}`),
	}
	client := newFakeClient("org1", []string{"/topic/lead_changes"}, []cometd.Message{msg})
	store := replaystore.NewNullStore()
	recording := &recordingStore{Store: store}

	mgr := New([]Client{client}, recording, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := mgr.Subscribe(ctx)
	require.NoError(t, err)

	mgr.Start(ctx)

	select {
	case wm := <-sub:
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(wm.Payload, &env))
		assert.Equal(t, "org1", env.OrgName)
		assert.Equal(t, "/topic/lead_changes", env.Message.Channel)
		wm.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}

	require.Len(t, recording.sets, 1)
	assert.Equal(t, int64(7), recording.sets[0].ReplayID)

	mgr.Shutdown(ctx)
	assert.True(t, client.disconnected)
	assert.Equal(t, []string{"/topic/lead_changes"}, client.unsubscribed)
}

func TestForwardPreservesPerChannelOrder(t *testing.T) {
	msgs := []cometd.Message{
		{Channel: "/topic/a", Data: json.RawMessage(`{"n":1}`), Raw: json.RawMessage(`{"n":1}`)},
		{Channel: "/topic/a", Data: json.RawMessage(`{"n":2}`), Raw: json.RawMessage(`{"n":2}`)},
		{Channel: "/topic/a", Data: json.RawMessage(`{"n":3}`), Raw: json.RawMessage(`{"n":3}`)},
	}
	client := newFakeClient("org1", []string{"/topic/a"}, msgs)
	store := replaystore.NewNullStore()

	mgr := New([]Client{client}, store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := mgr.Subscribe(ctx)
	require.NoError(t, err)

	mgr.Start(ctx)

	var seen []string
	for i := 0; i < 3; i++ {
		select {
		case wm := <-sub:
			seen = append(seen, string(wm.Payload))
			wm.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for envelope")
		}
	}

	require.Len(t, seen, 3)
	assert.Contains(t, seen[0], `"n":1`)
	assert.Contains(t, seen[1], `"n":2`)
	assert.Contains(t, seen[2], `"n":3`)
}

func TestForwardFanInMultipleOrgs(t *testing.T) {
	clientA := newFakeClient("orgA", []string{"/topic/a"}, []cometd.Message{
		{Channel: "/topic/a", Data: json.RawMessage(`{}`), Raw: json.RawMessage(`{}`)},
	})
	clientB := newFakeClient("orgB", []string{"/topic/b"}, []cometd.Message{
		{Channel: "/topic/b", Data: json.RawMessage(`{}`), Raw: json.RawMessage(`{}`)},
	})
	store := replaystore.NewNullStore()

	mgr := New([]Client{clientA, clientB}, store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := mgr.Subscribe(ctx)
	require.NoError(t, err)

	mgr.Start(ctx)

	seenOrgs := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case wm := <-sub:
			seenOrgs[wm.Metadata.Get("org_name")] = true
			wm.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for envelope")
		}
	}

	assert.True(t, seenOrgs["orgA"])
	assert.True(t, seenOrgs["orgB"])
}

// recordingStore wraps a Store and records every Set call, so tests can
// assert replay markers are persisted before the corresponding envelope is
// observed downstream.
type recordingStore struct {
	replaystore.Store
	sets []domain.ReplayMarker
}

func (r *recordingStore) Set(ctx context.Context, org, channel string, marker domain.ReplayMarker) error {
	r.sets = append(r.sets, marker)
	return r.Store.Set(ctx, org, channel, marker)
}
