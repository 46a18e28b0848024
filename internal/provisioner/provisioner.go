// Package provisioner implements spec.md §4.C: ensuring each declared
// PushTopic/StreamingChannel exists before the pipeline starts, and tearing
// down the non-durable ones on clean shutdown.
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/rferrors"
	"github.com/webitel/rabbit-force/internal/sfauth"
)

// Provisioner binds one org's ResourceSpecs to live PushTopic/StreamingChannel
// records, creating the ones that don't already exist.
type Provisioner struct {
	org        domain.OrgSpec
	auth       *sfauth.Authenticator
	httpClient *http.Client
	apiVersion string
	logger     *slog.Logger
}

func New(org domain.OrgSpec, auth *sfauth.Authenticator, httpClient *http.Client, logger *slog.Logger) *Provisioner {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provisioner{
		org:        org,
		auth:       auth,
		httpClient: httpClient,
		apiVersion: sfauth.APIVersion(org),
		logger:     logger,
	}
}

// Provision resolves or creates every resource in the org, mutating each
// ResourceSpec in place with its ID and Existing flag. A failure to create a
// required resource is fatal, per spec.md §4.C.
func (p *Provisioner) Provision(ctx context.Context) error {
	for i := range p.org.Resources {
		res := &p.org.Resources[i]
		if res.IsExisting() {
			res.Existing = true
			if res.SpecID() != "" {
				res.ID = res.SpecID()
			}
			continue
		}

		id, err := sfauth.Do(ctx, p.auth, func(sess sfauth.Session) (string, error) {
			return p.create(ctx, sess, res)
		})
		if err != nil {
			return rferrors.Configuration("provision", "org %s: create %s %q: %v", p.org.Name, res.Kind, res.Name(), err)
		}
		res.ID = id
		res.Existing = false
	}
	return nil
}

// Resources returns the org's resource specs as resolved by Provision (each
// carrying its ID and Existing flag).
func (p *Provisioner) Resources() []domain.ResourceSpec {
	return p.org.Resources
}

// Teardown deletes every non-durable resource created during Provision.
// Errors here are logged, not returned, per spec.md §4.C.
func (p *Provisioner) Teardown(ctx context.Context) {
	for _, res := range p.org.Resources {
		if res.Durable || res.Existing || res.ID == "" {
			continue
		}
		_, err := sfauth.Do(ctx, p.auth, func(sess sfauth.Session) (struct{}, error) {
			return struct{}{}, p.delete(ctx, sess, res)
		})
		if err != nil {
			p.logger.Warn("RESOURCE_TEARDOWN_FAILED", "org_name", p.org.Name, "kind", res.Kind.String(), "id", res.ID, "err", err)
		}
	}
}

func (p *Provisioner) sobjectURL(sess sfauth.Session, kind domain.ResourceKind, id string) string {
	url := fmt.Sprintf("%s/services/data/v%s/sobjects/%s", sess.InstanceURL, p.apiVersion, kind.String())
	if id != "" {
		url += "/" + id
	}
	return url
}

func (p *Provisioner) create(ctx context.Context, sess sfauth.Session, res *domain.ResourceSpec) (string, error) {
	body, err := json.Marshal(res.Spec)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sobjectURL(sess, res.Kind, ""), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return "", sfauth.StatusToUnauthorized(resp.StatusCode, fmt.Errorf("create %s: %s", res.Kind, respBody))
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create %s: status %d: %s", res.Kind, resp.StatusCode, respBody)
	}

	var parsed struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("create %s: decode response: %w", res.Kind, err)
	}
	return parsed.ID, nil
}

func (p *Provisioner) delete(ctx context.Context, sess sfauth.Session, res domain.ResourceSpec) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.sobjectURL(sess, res.Kind, res.ID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return sfauth.StatusToUnauthorized(resp.StatusCode, fmt.Errorf("delete %s %s", res.Kind, res.ID))
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete %s %s: status %d: %s", res.Kind, res.ID, resp.StatusCode, respBody)
	}
	return nil
}
