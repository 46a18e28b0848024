package cometd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/webitel/rabbit-force/internal/sfauth"
)

// transport issues Bayeux requests against one org's /cometd/{version}
// endpoint, attaching the current bearer token to every call.
type transport struct {
	endpoint   string
	httpClient *http.Client
}

func newTransport(instanceURL, apiVersion string, httpClient *http.Client) *transport {
	return &transport{
		endpoint:   fmt.Sprintf("%s/cometd/%s", instanceURL, apiVersion),
		httpClient: httpClient,
	}
}

// send posts a batch of Bayeux messages and returns the server's reply
// batch. A 401 response is wrapped with sfauth.ErrUnauthorized so callers
// can invalidate the token before retrying. The Client's handshake and
// connect calls retry a 401 under the reconnection backoff budget like any
// other retryable error; they do not limit it to a single retry.
func (t *transport) send(ctx context.Context, sess sfauth.Session, batch []BayeuxMessage) ([]BayeuxMessage, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("cometd: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cometd: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cometd: transport error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cometd: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, sfauth.StatusToUnauthorized(resp.StatusCode, fmt.Errorf("cometd: unauthorized"))
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", errTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d: %s", errFatalStatus, resp.StatusCode, respBody)
	}

	var reply []BayeuxMessage
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, fmt.Errorf("cometd: decode response: %w", err)
	}
	return reply, nil
}
