// Package filter implements the subscription content filter: a closed
// predicate DSL over {data, metadata, event_type, correlation_id},
// compiled once when the subscription is loaded.
//
// An expression is a JSON document:
//
//	{"field": "data.amount", "op": "gt", "value": 100}
//	{"all": [expr, expr, ...]}
//	{"any": [expr, expr, ...]}
//	{"not": expr}
//
// Supported operators: eq, ne, gt, lt, gte, lte, in, contains, exists.
package filter

import (
	"fmt"
	"strings"

	"github.com/flowbus/flowbus/internal/runtime/jsoncodec"
)

// Env is the fixed shape predicates evaluate against.
type Env struct {
	Data          map[string]any
	Metadata      map[string]string
	EventType     string
	CorrelationID string
}

// Filter is a compiled predicate.
type Filter struct {
	root node
}

type node interface {
	eval(env Env) (bool, error)
}

// Compile parses an expression. An empty expression compiles to a filter
// that accepts everything.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{root: acceptAll{}}, nil
	}

	var raw map[string]any
	if err := jsoncodec.Unmarshal([]byte(expr), &raw); err != nil {
		return nil, fmt.Errorf("flowbus: invalid filter expression: %w", err)
	}
	root, err := compileNode(raw)
	if err != nil {
		return nil, err
	}
	return &Filter{root: root}, nil
}

// Eval runs the predicate. Errors indicate the expression could not be
// applied to this message (missing comparable value, type mismatch); the
// caller decides policy, the consumer fails open.
func (f *Filter) Eval(env Env) (bool, error) {
	return f.root.eval(env)
}

type acceptAll struct{}

func (acceptAll) eval(Env) (bool, error) { return true, nil }

func compileNode(raw map[string]any) (node, error) {
	if sub, ok := raw["all"]; ok {
		children, err := compileList(sub)
		if err != nil {
			return nil, err
		}
		return conjunction{children: children, any: false}, nil
	}
	if sub, ok := raw["any"]; ok {
		children, err := compileList(sub)
		if err != nil {
			return nil, err
		}
		return conjunction{children: children, any: true}, nil
	}
	if sub, ok := raw["not"]; ok {
		inner, ok := sub.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("flowbus: filter \"not\" requires an object")
		}
		child, err := compileNode(inner)
		if err != nil {
			return nil, err
		}
		return negation{child: child}, nil
	}
	return compilePredicate(raw)
}

func compileList(raw any) ([]node, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("flowbus: filter combinator requires a non-empty array")
	}
	children := make([]node, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("flowbus: filter combinator items must be objects")
		}
		child, err := compileNode(obj)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

type conjunction struct {
	children []node
	any      bool
}

func (c conjunction) eval(env Env) (bool, error) {
	for _, child := range c.children {
		ok, err := child.eval(env)
		if err != nil {
			return false, err
		}
		if c.any && ok {
			return true, nil
		}
		if !c.any && !ok {
			return false, nil
		}
	}
	return !c.any, nil
}

type negation struct {
	child node
}

func (n negation) eval(env Env) (bool, error) {
	ok, err := n.child.eval(env)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

type predicate struct {
	path  []string
	op    string
	value any
}

var operators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "lt": true, "gte": true, "lte": true,
	"in": true, "contains": true, "exists": true,
}

func compilePredicate(raw map[string]any) (node, error) {
	field, _ := raw["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("flowbus: filter predicate requires a \"field\"")
	}
	op, _ := raw["op"].(string)
	if !operators[op] {
		return nil, fmt.Errorf("flowbus: unsupported filter operator %q", op)
	}
	value, hasValue := raw["value"]
	if !hasValue && op != "exists" {
		return nil, fmt.Errorf("flowbus: filter operator %q requires a \"value\"", op)
	}
	if op == "in" {
		if _, ok := value.([]any); !ok {
			return nil, fmt.Errorf("flowbus: filter operator \"in\" requires an array value")
		}
	}

	path := strings.Split(field, ".")
	switch path[0] {
	case "data", "metadata", "event_type", "correlation_id":
	default:
		return nil, fmt.Errorf("flowbus: filter field must start with data, metadata, event_type or correlation_id, got %q", field)
	}
	return predicate{path: path, op: op, value: value}, nil
}

func (p predicate) eval(env Env) (bool, error) {
	got, found := lookup(env, p.path)

	if p.op == "exists" {
		return found, nil
	}
	if !found {
		// Missing fields fail equality-style checks but are not errors.
		return p.op == "ne", nil
	}

	switch p.op {
	case "eq":
		return equal(got, p.value), nil
	case "ne":
		return !equal(got, p.value), nil
	case "gt", "lt", "gte", "lte":
		return compareOrdered(got, p.value, p.op)
	case "in":
		for _, candidate := range p.value.([]any) {
			if equal(got, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "contains":
		return contains(got, p.value)
	}
	return false, fmt.Errorf("flowbus: unsupported filter operator %q", p.op)
}

func lookup(env Env, path []string) (any, bool) {
	switch path[0] {
	case "event_type":
		return env.EventType, true
	case "correlation_id":
		return env.CorrelationID, true
	case "metadata":
		if len(path) != 2 || env.Metadata == nil {
			return nil, false
		}
		v, ok := env.Metadata[path[1]]
		return v, ok
	case "data":
		var current any = env.Data
		for _, segment := range path[1:] {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = obj[segment]
			if !ok {
				return nil, false
			}
		}
		if len(path) == 1 {
			return env.Data, env.Data != nil
		}
		return current, true
	}
	return nil, false
}

func equal(a, b any) bool {
	if fa, aok := asFloat(a); aok {
		if fb, bok := asFloat(b); bok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(got, want any, op string) (bool, error) {
	fa, aok := asFloat(got)
	fb, bok := asFloat(want)
	if !aok || !bok {
		return false, fmt.Errorf("flowbus: filter operator %q requires numeric operands", op)
	}
	switch op {
	case "gt":
		return fa > fb, nil
	case "lt":
		return fa < fb, nil
	case "gte":
		return fa >= fb, nil
	default:
		return fa <= fb, nil
	}
}

func contains(got, want any) (bool, error) {
	switch v := got.(type) {
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", want)), nil
	case []any:
		for _, item := range v {
			if equal(item, want) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("flowbus: filter operator \"contains\" requires a string or array field")
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
