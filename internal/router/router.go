package router

import (
	"encoding/json"
	"fmt"

	"github.com/webitel/rabbit-force/internal/domain"
)

// compiledRule pairs a parsed path with the route it yields on match.
type compiledRule struct {
	path  *path
	route domain.Route
}

// Router evaluates spec.md §4.F's ordered rule list against an envelope. It
// is pure, stateless, and safe for concurrent use once built.
type Router struct {
	rules        []compiledRule
	defaultRoute *domain.Route
}

// New compiles every rule's condition up front; a parse failure here is
// meant to be fatal at startup, per spec.md §4.F.
func New(cfg domain.RouterConfig) (*Router, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		p, err := parse(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("router: rule %d: %w", i, err)
		}
		rules = append(rules, compiledRule{path: p, route: r.Route})
	}
	return &Router{rules: rules, defaultRoute: cfg.DefaultRoute}, nil
}

// Route returns the route of the first matching rule, the configured
// default route if none match, or nil to signal "drop".
func (r *Router) Route(envelope domain.Envelope) (*domain.Route, error) {
	node, err := toNode(envelope)
	if err != nil {
		return nil, fmt.Errorf("router: encoding envelope: %w", err)
	}
	root := []any{node}

	for _, rule := range r.rules {
		if len(evaluate(rule.path, root)) > 0 {
			route := rule.route
			return &route, nil
		}
	}
	return r.defaultRoute, nil
}

// ReferencedExchanges returns every distinct (broker, exchange) pair named
// by a rule's route or the default route, for startup validation against
// the Sink Manager's declared exchanges.
func (r *Router) ReferencedExchanges() [][2]string {
	seen := make(map[[2]string]bool)
	var out [][2]string
	add := func(route *domain.Route) {
		if route == nil {
			return
		}
		key := [2]string{route.BrokerName, route.ExchangeName}
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	for _, rule := range r.rules {
		add(&rule.route)
	}
	add(r.defaultRoute)
	return out
}

// toNode converts an envelope to the generic interface{} tree the
// evaluator walks, via its existing JSON encoding so the byte-identical
// `raw` rule (domain.InboundMessage.MarshalJSON) is respected.
func toNode(envelope domain.Envelope) (any, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	var node any
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return node, nil
}
