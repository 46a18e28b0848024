package provisioner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/sfauth"
)

func newOrg(loginURL string) domain.OrgSpec {
	return domain.OrgSpec{
		Name:     "org1",
		LoginURL: loginURL,
		Username: "u",
		Password: "p",
		Resources: []domain.ResourceSpec{
			{Kind: domain.ResourcePushTopic, Durable: true, Spec: map[string]any{"Name": "lead_changes", "Query": "SELECT Id FROM Lead"}},
			{Kind: domain.ResourcePushTopic, Durable: true, Spec: map[string]any{"Id": "0Ar000000000001"}},
		},
	}
}

func sfServer(t *testing.T, created string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var instanceURL string
	mux.HandleFunc("/services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok",
			"instance_url": instanceURL,
		})
	})
	mux.HandleFunc("/services/data/v59.0/sobjects/PushTopic", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var spec map[string]any
		_ = json.Unmarshal(body, &spec)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": created, "success": true})
	})
	srv := httptest.NewServer(mux)
	instanceURL = srv.URL
	return srv
}

func TestProvisionCreatesMissingAndBindsExisting(t *testing.T) {
	srv := sfServer(t, "0Ar000000000999")
	defer srv.Close()

	org := newOrg(srv.URL)
	auth := sfauth.New(domain.OrgSpec{Name: "org1", LoginURL: srv.URL, Username: "u", Password: "p"})
	p := New(org, auth, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, p.Provision(context.Background()))

	resources := p.Resources()
	assert.Equal(t, "0Ar000000000999", resources[0].ID)
	assert.False(t, resources[0].Existing)
	assert.Equal(t, "/topic/lead_changes", resources[0].Channel())

	assert.Equal(t, "0Ar000000000001", resources[1].ID)
	assert.True(t, resources[1].Existing)
}

func TestProvisionFailsFatallyOnCreateError(t *testing.T) {
	mux := http.NewServeMux()
	var instanceURL string
	mux.HandleFunc("/services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "instance_url": instanceURL})
	})
	mux.HandleFunc("/services/data/v59.0/sobjects/PushTopic", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`[{"message":"duplicate value","errorCode":"DUPLICATE_VALUE"}]`))
	})
	srv := httptest.NewServer(mux)
	instanceURL = srv.URL
	defer srv.Close()

	org := newOrg(srv.URL)
	auth := sfauth.New(domain.OrgSpec{Name: "org1", LoginURL: srv.URL, Username: "u", Password: "p"})
	p := New(org, auth, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := p.Provision(context.Background())
	require.Error(t, err)
}
