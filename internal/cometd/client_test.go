package cometd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/replaystore"
	"github.com/webitel/rabbit-force/internal/sfauth"
)

// fakeBayeuxServer is a minimal in-process Salesforce Streaming API
// double: it replies to handshake/subscribe/connect and pushes exactly one
// data message with a replayId on the first successful connect, then tells
// the client to stop reconnecting.
type fakeBayeuxServer struct {
	connectCalls int32
}

func newFakeBayeuxServer(t *testing.T, apiVersion string) *httptest.Server {
	t.Helper()
	f := &fakeBayeuxServer{}
	mux := http.NewServeMux()
	var instanceURL string
	mux.HandleFunc("/services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "instance_url": instanceURL})
	})
	mux.HandleFunc("/cometd/"+apiVersion, func(w http.ResponseWriter, r *http.Request) {
		var batch []BayeuxMessage
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &batch)

		w.Header().Set("Content-Type", "application/json")
		ok := true

		switch batch[0].Channel {
		case channelHandshake:
			_ = json.NewEncoder(w).Encode([]BayeuxMessage{{
				Channel: channelHandshake, ClientID: "cid-1", Successful: &ok, Version: "1.0",
				SupportedConnectionTypes: []string{"long-polling"},
			}})
		case channelSubscribe:
			_ = json.NewEncoder(w).Encode([]BayeuxMessage{{
				Channel: channelSubscribe, ClientID: "cid-1", Successful: &ok, Subscription: batch[0].Subscription,
			}})
		case channelConnect:
			n := atomic.AddInt32(&f.connectCalls, 1)
			if n == 1 {
				data, _ := json.Marshal(map[string]any{
					"event": map[string]any{"replayId": 42, "createdDate": "2026-01-01T00:00:00.000Z"},
				})
				_ = json.NewEncoder(w).Encode([]BayeuxMessage{
					{Channel: "/topic/lead_changes", Data: data},
					{Channel: channelConnect, ClientID: "cid-1", Successful: &ok, Advice: &Advice{Reconnect: AdviceNone}},
				})
				return
			}
			_ = json.NewEncoder(w).Encode([]BayeuxMessage{
				{Channel: channelConnect, ClientID: "cid-1", Successful: &ok, Advice: &Advice{Reconnect: AdviceNone}},
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	srv := httptest.NewServer(mux)
	instanceURL = srv.URL
	return srv
}

func TestClientDeliversMessageWithReplayIDAndFailsOnAdviceNone(t *testing.T) {
	srv := newFakeBayeuxServer(t, "59.0")
	defer srv.Close()

	org := domain.OrgSpec{Name: "my_org", LoginURL: srv.URL, Username: "u", Password: "p", APIVersion: "59.0"}
	auth := sfauth.New(org)
	store := replaystore.NewNullStore()

	client := New(org, auth, store, slog.New(slog.NewTextHandler(io.Discard, nil)), map[string]bool{"/topic/lead_changes": false}, WithHTTPClient(srv.Client()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	select {
	case msg := <-client.Messages():
		assert.Equal(t, "/topic/lead_changes", msg.Channel)
		require.NotNil(t, msg.Event)
		assert.Equal(t, int64(42), msg.Event.ReplayID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, StateFailed, client.State())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after advice.reconnect=none")
	}
}
