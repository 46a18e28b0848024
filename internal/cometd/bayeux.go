package cometd

import (
	"encoding/json"
	"strings"
)

// BayeuxMessage is the wire shape of every Bayeux request/response, carrying
// only the fields this client needs. Data and Ext are kept whole; other
// top-level fields not listed here are dropped when a message is decoded.
type BayeuxMessage struct {
	Channel                  string          `json:"channel"`
	ClientID                 string          `json:"clientId,omitempty"`
	ID                       string          `json:"id,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Successful               *bool           `json:"successful,omitempty"`
	Advice                   *Advice         `json:"advice,omitempty"`
	Ext                      map[string]any  `json:"ext,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
}

// Advice is the server's reconnection guidance, carried on handshake and
// connect replies per the Bayeux protocol.
type Advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int    `json:"interval,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
}

const (
	AdviceRetry     = "retry"
	AdviceHandshake = "handshake"
	AdviceNone      = "none"
)

const (
	channelHandshake   = "/meta/handshake"
	channelConnect     = "/meta/connect"
	channelSubscribe   = "/meta/subscribe"
	channelUnsubscribe = "/meta/unsubscribe"
	channelDisconnect  = "/meta/disconnect"
)

func isMeta(channel string) bool {
	return strings.HasPrefix(channel, "/meta/")
}
