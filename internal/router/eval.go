package router

import (
	"fmt"
	"regexp"
)

// evaluate runs a compiled path against a root node (the single-element
// envelope list, per spec.md §4.F) and returns every node it selects.
func evaluate(p *path, root any) []any {
	nodes := []any{root}
	for _, sel := range p.selectors {
		nodes = applySelector(sel, nodes)
	}
	return nodes
}

func applySelector(sel selector, nodes []any) []any {
	var out []any
	switch sel.kind {
	case kindChild:
		for _, n := range nodes {
			if v, ok := member(n, sel.name); ok {
				out = append(out, v)
			}
		}
	case kindWildcard:
		for _, n := range nodes {
			out = append(out, children(n)...)
		}
	case kindRecursive:
		for _, n := range nodes {
			out = append(out, recurse(n, sel.name)...)
		}
	case kindFilter:
		for _, n := range nodes {
			for _, c := range children(n) {
				if evalPredicate(sel.predicate, c) {
					out = append(out, c)
				}
			}
			// A filter over a non-container node tests the node itself.
			if len(children(n)) == 0 {
				if evalPredicate(sel.predicate, n) {
					out = append(out, n)
				}
			}
		}
	}
	return out
}

// member resolves a named field/index on a map or slice.
func member(n any, name string) (any, bool) {
	switch v := n.(type) {
	case map[string]any:
		val, ok := v[name]
		return val, ok
	case []any:
		var idx int
		if _, err := fmt.Sscanf(name, "%d", &idx); err != nil {
			return nil, false
		}
		if idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	default:
		return nil, false
	}
}

func children(n any) []any {
	switch v := n.(type) {
	case map[string]any:
		out := make([]any, 0, len(v))
		for _, val := range v {
			out = append(out, val)
		}
		return out
	case []any:
		return v
	default:
		return nil
	}
}

// recurse collects every descendant of n, optionally filtered by name (or
// all descendants for a bare `..*`).
func recurse(n any, name string) []any {
	var out []any
	var walk func(any)
	walk = func(cur any) {
		switch v := cur.(type) {
		case map[string]any:
			if name != "" {
				if val, ok := v[name]; ok {
					out = append(out, val)
				}
			} else {
				for _, val := range v {
					out = append(out, val)
				}
			}
			for _, val := range v {
				walk(val)
			}
		case []any:
			if name == "" {
				out = append(out, v...)
			}
			for _, val := range v {
				walk(val)
			}
		}
	}
	walk(n)
	return out
}

// evalPredicate evaluates a filter predicate with @ bound to node.
func evalPredicate(p *predicate, node any) bool {
	if p.cmp != nil {
		return evalComparison(p.cmp, node)
	}
	left := evalPredicate(p.left, node)
	switch p.op {
	case opAnd:
		return left && evalPredicate(p.right, node)
	case opOr:
		return left || evalPredicate(p.right, node)
	default:
		return left
	}
}

func evalComparison(c *comparison, node any) bool {
	left := resolveOperand(c.left, node)
	if c.op == cmpMatch {
		pattern, _ := resolveOperand(c.right, node).(string)
		s, ok := left.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	}
	right := resolveOperand(c.right, node)
	return compare(c.op, left, right)
}

func resolveOperand(o operand, node any) any {
	if !o.isPath {
		return o.literal
	}
	matches := evaluate(o.rel, node)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func compare(op compareOp, left, right any) bool {
	if op == cmpEq {
		return equal(left, right)
	}
	if op == cmpNe {
		return !equal(left, right)
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case cmpLt:
			return lf < rf
		case cmpLe:
			return lf <= rf
		case cmpGt:
			return lf > rf
		case cmpGe:
			return lf >= rf
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case cmpLt:
			return ls < rs
		case cmpLe:
			return ls <= rs
		case cmpGt:
			return ls > rs
		case cmpGe:
			return ls >= rs
		}
	}
	return false
}

func equal(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
