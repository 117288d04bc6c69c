package router

import (
	"github.com/flowbus/flowbus/internal/runtime/envelope"
	"github.com/flowbus/flowbus/internal/runtime/errors"
	"github.com/flowbus/flowbus/internal/runtime/filter"
	"github.com/flowbus/flowbus/internal/runtime/jsoncodec"
)

// ContentRouter routes on message content rather than event type: every rule
// auto-matches all event types and filters on a field/operator/value
// predicate.
type ContentRouter struct {
	rules []contentRule
}

type contentRule struct {
	name      string
	predicate *filter.Filter
	targets   []string
}

// NewContentRouter creates an empty content router.
func NewContentRouter() *ContentRouter {
	return &ContentRouter{}
}

// AddRule installs a predicate rule. Supported operators are the filter
// DSL's: eq, ne, gt, lt, gte, lte, in, contains, exists.
func (c *ContentRouter) AddRule(name, field, op string, value any, targets ...string) error {
	expr, err := jsoncodec.Marshal(map[string]any{
		"field": field,
		"op":    op,
		"value": value,
	})
	if err != nil {
		return &errors.RouterError{Rule: name, Cause: err}
	}
	predicate, err := filter.Compile(string(expr))
	if err != nil {
		return &errors.RouterError{Rule: name, Cause: err}
	}
	c.rules = append(c.rules, contentRule{name: name, predicate: predicate, targets: targets})
	return nil
}

// Route returns the union of targets whose predicates accept the message.
// A predicate that cannot be evaluated against this message contributes
// nothing; content mismatch is not an error here.
func (c *ContentRouter) Route(msg envelope.Message) []string {
	env := filter.Env{
		Data:          msg.Data,
		Metadata:      msg.Metadata,
		EventType:     msg.EventType,
		CorrelationID: msg.CorrelationID,
	}

	set := newTargetSet()
	for _, rule := range c.rules {
		ok, err := rule.predicate.Eval(env)
		if err != nil || !ok {
			continue
		}
		set.add(rule.targets...)
	}
	return set.list()
}
