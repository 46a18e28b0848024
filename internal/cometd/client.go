// Package cometd implements the Bayeux handshake/connect/subscribe state
// machine of spec.md §4.D: one long-polling session per Salesforce org,
// with OAuth refresh, the replay extension, and backoff-governed
// reconnection.
package cometd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/replaystore"
	"github.com/webitel/rabbit-force/internal/rfbackoff"
	"github.com/webitel/rabbit-force/internal/rferrors"
	"github.com/webitel/rabbit-force/internal/sfauth"
)

// Message is one non-meta Bayeux delivery, handed to the Source Manager.
type Message struct {
	Channel string
	Raw     json.RawMessage
	Data    json.RawMessage
	Event   *domain.ReplayEvent
}

// errReHandshake signals the connect loop that advice.reconnect=handshake
// was received and the client should rehandshake rather than terminate.
var errReHandshake = errors.New("cometd: rehandshake requested")

// Client owns one org's Bayeux session exclusively: its HTTP session, its
// token, and its subscription set. No task outside the Source Manager
// touches a Client's internals, per spec.md §9.
type Client struct {
	org               domain.OrgSpec
	auth              *sfauth.Authenticator
	replayStore       replaystore.Store
	connectionTimeout time.Duration
	logger            *slog.Logger

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]BayeuxMessage]

	mu            sync.Mutex
	state         State
	clientID      string
	transport     *transport
	subscriptions map[string]bool // channel -> replayAll requested

	messages chan Message
}

// Option configures a Client at construction.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (tests inject one
// pointed at an httptest.Server).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithConnectionTimeout bounds the reconnection budget (0 = infinite), per
// the --source-connection-timeout CLI flag.
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectionTimeout = d }
}

// New builds a Client for org. channels are the Bayeux channel names to
// subscribe to (ResourceSpec.Channel()); replayAll marks which of them
// should request -2 ("replay all retained events") when no marker is
// stored, per spec.md §4.D.
func New(org domain.OrgSpec, auth *sfauth.Authenticator, store replaystore.Store, logger *slog.Logger, channels map[string]bool, opts ...Option) *Client {
	c := &Client{
		org:           org,
		auth:          auth,
		replayStore:   store,
		logger:        logger,
		httpClient:    http.DefaultClient,
		state:         StateUnconnected,
		subscriptions: channels,
		messages:      make(chan Message, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]BayeuxMessage](gobreaker.Settings{
		Name:        "cometd:" + org.Name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// Messages returns the channel of inbound non-meta Bayeux deliveries.
func (c *Client) Messages() <-chan Message { return c.messages }

// Channels returns the Bayeux channel names this client is configured to
// subscribe to.
func (c *Client) Channels() []string {
	channels := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		channels = append(channels, ch)
	}
	return channels
}

// OrgName returns the Salesforce org this client serves.
func (c *Client) OrgName() string { return c.org.Name }

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the handshake/connect loop until ctx is cancelled or the
// client reaches StateFailed. It closes the Messages channel on return.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.messages)

	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return nil
		}

		if err := c.handshake(ctx); err != nil {
			c.setState(StateFailed)
			return rferrors.SourceFatal("handshake", fmt.Errorf("org %s: %w", c.org.Name, err))
		}

		if err := c.subscribeAll(ctx); err != nil {
			c.setState(StateFailed)
			return rferrors.SourceFatal("subscribe", fmt.Errorf("org %s: %w", c.org.Name, err))
		}

		err := c.connectLoop(ctx)
		if err == nil {
			c.setState(StateDisconnected)
			return nil
		}
		if errors.Is(err, errReHandshake) {
			c.setState(StateUnconnected)
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.setState(StateDisconnected)
			return nil
		}
		c.setState(StateFailed)
		return err
	}
}

// session resolves the org's instance URL/token and (re)builds the
// transport when the instance URL changes (e.g. after a fresh login).
func (c *Client) session(ctx context.Context) (sfauth.Session, error) {
	sess, err := c.auth.Session(ctx)
	if err != nil {
		return sfauth.Session{}, err
	}
	c.mu.Lock()
	t := newTransport(sess.InstanceURL, sfauth.APIVersion(c.org), c.httpClient)
	if c.transport == nil || c.transport.endpoint != t.endpoint {
		c.transport = t
	}
	c.mu.Unlock()
	return sess, nil
}

func (c *Client) handshake(ctx context.Context) error {
	c.setState(StateConnecting)

	op := func() ([]BayeuxMessage, error) {
		sess, err := c.session(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		msg := BayeuxMessage{
			Channel:                  channelHandshake,
			Version:                  "1.0",
			MinimumVersion:           "1.0",
			SupportedConnectionTypes: []string{"long-polling"},
			Ext:                      map[string]any{"replay": true},
		}
		reply, err := c.sendOne(ctx, sess, msg)
		if err != nil {
			if errors.Is(err, sfauth.ErrUnauthorized) {
				c.auth.Invalidate()
				return nil, err
			}
			if errors.Is(err, errFatalStatus) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if reply.Successful == nil || !*reply.Successful {
			return nil, backoff.Permanent(fmt.Errorf("handshake rejected: %s", reply.Error))
		}
		return []BayeuxMessage{reply}, nil
	}

	replies, err := backoff.Retry(ctx, op, rfbackoff.RetryOptions(c.connectionTimeout)...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID = replies[0].ClientID
	c.mu.Unlock()
	c.setState(StateConnected)
	return nil
}

func (c *Client) subscribeAll(ctx context.Context) error {
	for channel, replayAll := range c.subscriptions {
		if err := c.subscribe(ctx, channel, replayAll); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) replayValue(ctx context.Context, channel string, replayAll bool) (int64, error) {
	marker, err := c.replayStore.Get(ctx, c.org.Name, channel)
	if err != nil {
		return 0, err
	}
	if marker != nil {
		return marker.ReplayID, nil
	}
	if replayAll {
		return -2, nil
	}
	return -1, nil
}

func (c *Client) subscribe(ctx context.Context, channel string, replayAll bool) error {
	replay, err := c.replayValue(ctx, channel, replayAll)
	if err != nil {
		return rferrors.ReplayStore("subscribe_replay_lookup", err)
	}

	sess, err := c.session(ctx)
	if err != nil {
		return err
	}

	msg := BayeuxMessage{
		Channel:      channelSubscribe,
		ClientID:     c.clientIDSnapshot(),
		Subscription: channel,
		Ext:          map[string]any{"replay": map[string]any{channel: replay}},
	}
	reply, err := c.sendOne(ctx, sess, msg)
	if err != nil {
		return err
	}
	if reply.Successful == nil || !*reply.Successful {
		return fmt.Errorf("subscribe %s rejected: %s", channel, reply.Error)
	}
	return nil
}

func (c *Client) clientIDSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// connectLoop issues /meta/connect requests back-to-back, per spec.md §4.D's
// long-poll loop, until an unrecoverable error, a rehandshake request, or
// ctx cancellation.
func (c *Client) connectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reply, advice, err := c.connectOnce(ctx)
		if err != nil {
			return err
		}

		for _, m := range reply {
			if isMeta(m.Channel) {
				continue
			}
			c.deliver(m)
		}

		if advice == nil {
			continue
		}
		switch advice.Reconnect {
		case AdviceHandshake:
			return errReHandshake
		case AdviceNone:
			return rferrors.SourceFatal("connect", fmt.Errorf("advice.reconnect=none"))
		case AdviceRetry, "":
			if advice.Interval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(advice.Interval) * time.Millisecond):
				}
			}
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) ([]BayeuxMessage, *Advice, error) {
	op := func() ([]BayeuxMessage, error) {
		sess, err := c.session(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		msg := BayeuxMessage{
			Channel:        channelConnect,
			ClientID:       c.clientIDSnapshot(),
			ConnectionType: "long-polling",
		}
		reply, err := c.sendBatch(ctx, sess, []BayeuxMessage{msg})
		if err != nil {
			if errors.Is(err, sfauth.ErrUnauthorized) {
				c.auth.Invalidate()
				return nil, err
			}
			if errors.Is(err, errFatalStatus) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return reply, nil
	}

	reply, err := backoff.Retry(ctx, op, rfbackoff.RetryOptions(c.connectionTimeout)...)
	if err != nil {
		return nil, nil, err
	}

	var advice *Advice
	for i := range reply {
		if reply[i].Channel == channelConnect && reply[i].Advice != nil {
			advice = reply[i].Advice
		}
	}
	return reply, advice, nil
}

// deliver hands one non-meta message to the Source Manager. The send
// blocks when the bounded channel is full, which is the implicit
// back-pressure spec.md §4.E and §5 describe: a slow consumer delays the
// next long-poll round-trip rather than dropping events.
func (c *Client) deliver(m BayeuxMessage) {
	c.messages <- Message{
		Channel: m.Channel,
		Raw:     rawMessageJSON(m),
		Data:    m.Data,
		Event:   extractReplayEvent(m.Data),
	}
}

func extractReplayEvent(data json.RawMessage) *domain.ReplayEvent {
	if len(data) == 0 {
		return nil
	}
	var wrapper struct {
		Event *domain.ReplayEvent `json:"event"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil
	}
	return wrapper.Event
}

func rawMessageJSON(m BayeuxMessage) json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

func (c *Client) sendOne(ctx context.Context, sess sfauth.Session, msg BayeuxMessage) (BayeuxMessage, error) {
	reply, err := c.sendBatch(ctx, sess, []BayeuxMessage{msg})
	if err != nil {
		return BayeuxMessage{}, err
	}
	if len(reply) == 0 {
		return BayeuxMessage{}, fmt.Errorf("cometd: empty reply to %s", msg.Channel)
	}
	return reply[0], nil
}

func (c *Client) sendBatch(ctx context.Context, sess sfauth.Session, batch []BayeuxMessage) ([]BayeuxMessage, error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = newMessageID()
		}
	}

	return c.breaker.Execute(func() ([]BayeuxMessage, error) {
		return t.send(ctx, sess, batch)
	})
}

// Unsubscribe sends /meta/unsubscribe for channel, best-effort.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}
	msg := BayeuxMessage{Channel: channelUnsubscribe, ClientID: c.clientIDSnapshot(), Subscription: channel}
	_, err = c.sendOne(ctx, sess, msg)
	return err
}

// Disconnect sends /meta/disconnect, best-effort, moving the client's state
// to disconnecting and then disconnected. It does not stop Run's loop, which
// ends when its context is cancelled.
func (c *Client) Disconnect(ctx context.Context) error {
	c.setState(StateDisconnecting)
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}
	msg := BayeuxMessage{Channel: channelDisconnect, ClientID: c.clientIDSnapshot()}
	_, err = c.sendOne(ctx, sess, msg)
	c.setState(StateDisconnected)
	return err
}

// newMessageID generates a unique Bayeux message id.
func newMessageID() string {
	return uuid.NewString()
}
