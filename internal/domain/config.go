package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// OrgSpec describes one Salesforce organization this bridge authenticates
// against and the set of resources (PushTopics / StreamingChannels) it
// should subscribe to.
type OrgSpec struct {
	Name           string         `json:"-" yaml:"-"`
	ConsumerKey    string         `json:"consumer_key" yaml:"consumer_key"`
	ConsumerSecret string         `json:"consumer_secret" yaml:"consumer_secret"`
	Username       string         `json:"username" yaml:"username"`
	Password       string         `json:"password" yaml:"password"`
	Sandbox        bool           `json:"sandbox" yaml:"sandbox"`
	LoginURL       string         `json:"login_url" yaml:"login_url"`
	APIVersion     string         `json:"api_version" yaml:"api_version"`
	Resources      []ResourceSpec `json:"resources" yaml:"resources"`
}

// ResourceKind distinguishes the two Streaming API record types.
type ResourceKind int8

const (
	ResourcePushTopic ResourceKind = iota + 1
	ResourceStreamingChannel
)

func (k ResourceKind) String() string {
	switch k {
	case ResourcePushTopic:
		return "PushTopic"
	case ResourceStreamingChannel:
		return "StreamingChannel"
	default:
		return "Unknown"
	}
}

// ResourceSpec is a tagged PushTopic/StreamingChannel declaration. Durable
// defaults to true; a non-durable resource created by the provisioner is
// deleted again on clean shutdown.
type ResourceSpec struct {
	Kind    ResourceKind
	Spec    map[string]any
	Durable bool

	// Populated by the provisioner once the resource is bound/created.
	ID       string `json:"-" yaml:"-"`
	Existing bool   `json:"-" yaml:"-"`
}

// resourceSpecDoc is the wire shape of a ResourceSpec entry: a Type tag
// naming PushTopic/StreamingChannel, the Spec map passed to it, and an
// optional Durable flag (nil means the spec.md §3 default of true).
type resourceSpecDoc struct {
	Type    string         `json:"type" yaml:"type"`
	Spec    map[string]any `json:"spec" yaml:"spec"`
	Durable *bool          `json:"durable" yaml:"durable"`
}

func parseResourceKind(s string) (ResourceKind, error) {
	switch {
	case strings.EqualFold(s, "PushTopic"):
		return ResourcePushTopic, nil
	case strings.EqualFold(s, "StreamingChannel"):
		return ResourceStreamingChannel, nil
	default:
		return 0, fmt.Errorf("resource type must be PushTopic or StreamingChannel, got %q", s)
	}
}

func (r *ResourceSpec) fromDoc(doc resourceSpecDoc) error {
	kind, err := parseResourceKind(doc.Type)
	if err != nil {
		return err
	}
	r.Kind = kind
	r.Spec = doc.Spec
	r.Durable = true
	if doc.Durable != nil {
		r.Durable = *doc.Durable
	}
	return nil
}

// UnmarshalJSON implements the tagged-variant decoding of spec.md §3.
func (r *ResourceSpec) UnmarshalJSON(data []byte) error {
	var doc resourceSpecDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return r.fromDoc(doc)
}

// UnmarshalYAML implements the tagged-variant decoding of spec.md §3.
func (r *ResourceSpec) UnmarshalYAML(value *yaml.Node) error {
	var doc resourceSpecDoc
	if err := value.Decode(&doc); err != nil {
		return err
	}
	return r.fromDoc(doc)
}

// Name returns the resource's `Name` field if present in Spec.
func (r *ResourceSpec) Name() string {
	if v, ok := r.Spec["Name"].(string); ok {
		return v
	}
	return ""
}

// SpecID returns the resource's `Id` field if present in Spec, distinct
// from the ID assigned once the provisioner resolves or creates it.
func (r *ResourceSpec) SpecID() string {
	if v, ok := r.Spec["Id"].(string); ok {
		return v
	}
	return ""
}

// IsExisting reports whether the spec names an already-existing resource
// rather than one that must be created, per spec.md §3's invariant: a
// PushTopic is existing only when Spec contains solely an Id or a Name, a
// StreamingChannel only when that sole Name starts with /u/. Any other key
// alongside it (e.g. a Query meant for creation) means "to be created".
func (r *ResourceSpec) IsExisting() bool {
	if len(r.Spec) != 1 {
		return false
	}
	switch {
	case r.SpecID() != "":
		return true
	case r.Name() != "":
		if r.Kind == ResourceStreamingChannel {
			return strings.HasPrefix(r.Name(), "/u/")
		}
		return true
	default:
		return false
	}
}

// Channel returns the Bayeux channel this resource is delivered on.
func (r *ResourceSpec) Channel() string {
	name := r.Name()
	if r.Kind == ResourceStreamingChannel {
		return name
	}
	return "/topic/" + name
}

// BrokerSpec is one RabbitMQ connection's parameters plus the exchanges it
// declares at startup.
type BrokerSpec struct {
	Name        string         `json:"-" yaml:"-"`
	Host        string         `json:"host" yaml:"host"`
	Port        int            `json:"port" yaml:"port"`
	Login       string         `json:"login" yaml:"login"`
	Password    string         `json:"password" yaml:"password"`
	VirtualHost string         `json:"virtualhost" yaml:"virtualhost"`
	SSL         bool           `json:"ssl" yaml:"ssl"`
	VerifySSL   bool           `json:"verify_ssl" yaml:"verify_ssl"`
	LoginMethod string         `json:"login_method" yaml:"login_method"`
	Insist      bool           `json:"insist" yaml:"insist"`
	Exchanges   []ExchangeSpec `json:"exchanges" yaml:"exchanges"`
}

// ExchangeSpec mirrors the AMQP exchange.declare arguments verbatim.
type ExchangeSpec struct {
	Name       string         `json:"exchange_name" yaml:"exchange_name"`
	Type       string         `json:"type_name" yaml:"type_name"`
	Passive    bool           `json:"passive" yaml:"passive"`
	Durable    bool           `json:"durable" yaml:"durable"`
	AutoDelete bool           `json:"auto_delete" yaml:"auto_delete"`
	NoWait     bool           `json:"no_wait" yaml:"no_wait"`
	Arguments  map[string]any `json:"arguments" yaml:"arguments"`
}

// MessageProperties is the constrained subset of AMQP basic-properties a
// route may set. ContentType/ContentEncoding are always forced downstream.
type MessageProperties struct {
	DeliveryMode byte              `json:"delivery_mode,omitempty" yaml:"delivery_mode,omitempty"`
	Priority     byte              `json:"priority,omitempty" yaml:"priority,omitempty"`
	Expiration   string            `json:"expiration,omitempty" yaml:"expiration,omitempty"`
	MessageID    string            `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Type         string            `json:"type,omitempty" yaml:"type,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Route identifies a publish target: a broker/exchange pair, a routing key,
// and optional message properties.
type Route struct {
	BrokerName   string             `json:"broker_name" yaml:"broker_name"`
	ExchangeName string             `json:"exchange_name" yaml:"exchange_name"`
	RoutingKey   string             `json:"routing_key" yaml:"routing_key"`
	Properties   *MessageProperties `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Rule pairs a JSONPath condition with the route to take when it matches.
type Rule struct {
	Condition string `json:"condition" yaml:"condition"`
	Route     Route  `json:"route" yaml:"route"`
}

// RouterConfig is the router's full configuration: ordered rules plus a
// fallback applied when none match.
type RouterConfig struct {
	DefaultRoute *Route `json:"default_route" yaml:"default_route"`
	Rules        []Rule `json:"rules" yaml:"rules"`
}
