package sfauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/rabbit-force/internal/domain"
)

func tokenServer(t *testing.T, instanceURL string, failures int) *httptest.Server {
	t.Helper()
	calls := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= failures {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "token-123",
			"instance_url": instanceURL,
			"token_type":   "Bearer",
		})
	}))
}

func TestAuthenticatorSessionAcquiresToken(t *testing.T) {
	srv := tokenServer(t, "https://my-instance.salesforce.com", 0)
	defer srv.Close()

	org := domain.OrgSpec{Name: "org1", LoginURL: srv.URL, Username: "u", Password: "p"}
	a := New(org)

	sess, err := a.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-123", sess.AccessToken)
	assert.Equal(t, "https://my-instance.salesforce.com", sess.InstanceURL)
	assert.Equal(t, StateAuthenticated, a.state)
}

func TestAuthenticatorRejectsBadCredentials(t *testing.T) {
	srv := tokenServer(t, "https://unused", 99)
	defer srv.Close()

	org := domain.OrgSpec{Name: "org1", LoginURL: srv.URL, Username: "u", Password: "wrong"}
	a := New(org)

	_, err := a.Session(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateExpired, a.state)
}

func TestDoRetriesOnceOnUnauthorized(t *testing.T) {
	srv := tokenServer(t, "https://my-instance.salesforce.com", 0)
	defer srv.Close()

	org := domain.OrgSpec{Name: "org1", LoginURL: srv.URL, Username: "u", Password: "p"}
	a := New(org)

	attempts := 0
	_, err := Do(context.Background(), a, func(sess Session) (struct{}, error) {
		attempts++
		if attempts == 1 {
			return struct{}{}, StatusToUnauthorized(http.StatusUnauthorized, assertErr())
		}
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDoFailsAfterSecondUnauthorized(t *testing.T) {
	srv := tokenServer(t, "https://my-instance.salesforce.com", 0)
	defer srv.Close()

	org := domain.OrgSpec{Name: "org1", LoginURL: srv.URL, Username: "u", Password: "p"}
	a := New(org)

	attempts := 0
	_, err := Do(context.Background(), a, func(sess Session) (struct{}, error) {
		attempts++
		return struct{}{}, StatusToUnauthorized(http.StatusUnauthorized, assertErr())
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func assertErr() error {
	return http.ErrBodyNotAllowed
}
