// Package domain holds the shapes that flow between the pipeline's stages:
// envelopes, the org/broker configuration they come from and go to, and the
// routing rules that bind the two together.
package domain

import "encoding/json"

// Envelope is the unit of routing. It is built once by the source manager
// and never mutated downstream.
type Envelope struct {
	OrgName string         `json:"org_name"`
	Message InboundMessage `json:"message"`
}

// InboundMessage is the Bayeux data message exactly as Salesforce delivered
// it: channel, the event payload, and the replay metadata when present.
// Raw is kept alongside the typed fields so routing and re-marshaling never
// lose a field the CometD client didn't explicitly model.
type InboundMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	Event   *ReplayEvent    `json:"event,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// ReplayEvent is the `event` object Salesforce attaches to PushTopic and
// StreamingChannel notifications that carry replay information.
type ReplayEvent struct {
	ReplayID    int64  `json:"replayId"`
	Type        string `json:"type,omitempty"`
	CreatedDate string `json:"createdDate,omitempty"`
}

// MarshalJSON re-emits the message using Raw when present so that what the
// sink publishes is byte-for-byte what the router saw, not a re-serialization
// of the typed subset.
func (m InboundMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type alias InboundMessage
	return json.Marshal(alias(m))
}

// UnmarshalJSON decodes the typed fields and keeps the full input in Raw.
func (m *InboundMessage) UnmarshalJSON(data []byte) error {
	type alias InboundMessage
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = InboundMessage(a)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}
