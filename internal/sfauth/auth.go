// Package sfauth implements the per-org OAuth2 state machine of spec.md
// §4.B: password-grant token acquisition, shared between the resource
// provisioner's REST calls and the CometD client's Bayeux transport.
package sfauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/rferrors"
)

// State names the authenticator's current phase.
type State int8

const (
	StateFresh State = iota
	StateAuthenticated
	StateExpired
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Session is the credential pair downstream components need: a bearer token
// and the org's instance URL to address REST/Bayeux calls against.
type Session struct {
	AccessToken string
	InstanceURL string
	IssuedAt    time.Time
}

// Authenticator drives one org's token lifecycle. One instance exists per
// org and is shared by the Resource Provisioner and CometD Client.
type Authenticator struct {
	org    domain.OrgSpec
	config oauth2.Config

	mu      sync.Mutex
	state   State
	session Session
}

const defaultAPIVersion = "59.0"

// New builds an Authenticator for org. loginURL defaults to
// https://login.salesforce.com (or test.salesforce.com when org.Sandbox).
func New(org domain.OrgSpec) *Authenticator {
	loginURL := org.LoginURL
	if loginURL == "" {
		if org.Sandbox {
			loginURL = "https://test.salesforce.com"
		} else {
			loginURL = "https://login.salesforce.com"
		}
	}
	return &Authenticator{
		org:   org,
		state: StateFresh,
		config: oauth2.Config{
			ClientID:     org.ConsumerKey,
			ClientSecret: org.ConsumerSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: loginURL + "/services/oauth2/token",
			},
		},
	}
}

// Session returns the current token/instance-url pair, authenticating from
// scratch if this is the first call or a prior call forced expiry.
func (a *Authenticator) Session(ctx context.Context) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateAuthenticated {
		return a.session, nil
	}
	return a.acquireLocked(ctx)
}

// Invalidate transitions the authenticator to expired after a downstream
// 401/INVALID_SESSION_ID response, per spec.md §4.B. The next Session call
// retries the password grant once.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateAuthenticated {
		a.state = StateExpired
	}
}

func (a *Authenticator) acquireLocked(ctx context.Context) (Session, error) {
	a.state = StateRefreshing
	token, err := a.config.PasswordCredentialsToken(ctx, a.org.Username, a.org.Password)
	if err != nil {
		a.state = StateExpired
		return Session{}, rferrors.Auth("password_grant", fmt.Errorf("org %s: %w", a.org.Name, err))
	}

	instanceURL, _ := token.Extra("instance_url").(string)
	if instanceURL == "" {
		a.state = StateExpired
		return Session{}, rferrors.Auth("password_grant", fmt.Errorf("org %s: token response missing instance_url", a.org.Name))
	}

	a.session = Session{
		AccessToken: token.AccessToken,
		InstanceURL: instanceURL,
		IssuedAt:    time.Now(),
	}
	a.state = StateAuthenticated
	return a.session, nil
}

// APIVersion returns the REST/Bayeux API version to address, taken from the
// highest ApiVersion declared across the org's resources, defaulting to
// defaultAPIVersion when none specify one (spec.md §6).
func APIVersion(org domain.OrgSpec) string {
	if org.APIVersion != "" {
		return org.APIVersion
	}
	best := ""
	for _, r := range org.Resources {
		if v, ok := r.Spec["ApiVersion"].(string); ok && v > best {
			best = v
		}
	}
	if best == "" {
		return defaultAPIVersion
	}
	return best
}
