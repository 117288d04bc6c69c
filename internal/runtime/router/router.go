// Package router decides which destinations receive a given message. All
// routers are pure: they inspect the message and return a set of targets,
// never touching the broker.
package router

import (
	"regexp"
	"sort"
	"strings"

	"github.com/flowbus/flowbus/internal/runtime/envelope"
	"github.com/flowbus/flowbus/internal/runtime/errors"
	"github.com/flowbus/flowbus/internal/runtime/store"
)

// Router maps a message to the destinations it should reach.
type Router interface {
	Route(msg envelope.Message) []string
}

// Strategy selects how a rule matches event types.
type Strategy string

const (
	StrategyExact   Strategy = "exact"
	StrategyPrefix  Strategy = "prefix"
	StrategyPattern Strategy = "pattern"
	StrategyRegex   Strategy = "regex"
)

// Rule is one routing rule. Predicate and Transform are optional; Priority
// orders evaluation (higher first) but every matching rule contributes its
// targets. The result is the union, not the best match.
type Rule struct {
	Name     string
	Strategy Strategy
	Match    []string
	Targets  []string
	Priority int

	// Predicate is evaluated against the message content; a nil predicate
	// always passes.
	Predicate func(msg envelope.Message) bool

	// Transform may rewrite message metadata before delivery.
	Transform func(msg *envelope.Message)
}

type compiledRule struct {
	Rule
	patterns []*regexp.Regexp // for pattern and regex strategies
}

// RuleRouter evaluates an ordered rule list with a subscription fallback:
// when no rule matches, active subscriptions wanting the event type plus the
// default queue receive the message.
type RuleRouter struct {
	rules        []compiledRule
	defaultQueue string
	fallback     func() []*store.EventSubscription
}

// NewRuleRouter creates an empty rule router.
func NewRuleRouter() *RuleRouter {
	return &RuleRouter{}
}

// SetFallback installs the subscription snapshot provider and default queue
// used when no rule matches.
func (r *RuleRouter) SetFallback(subscriptions func() []*store.EventSubscription, defaultQueue string) {
	r.fallback = subscriptions
	r.defaultQueue = defaultQueue
}

// AddRule compiles and installs a rule. Malformed patterns or regexes are
// rejected here, not at routing time.
func (r *RuleRouter) AddRule(rule Rule) error {
	if len(rule.Match) == 0 {
		return &errors.RouterError{Rule: rule.Name,
			Cause: errors.ErrEventTypeRequired}
	}

	compiled := compiledRule{Rule: rule}
	switch rule.Strategy {
	case StrategyExact, StrategyPrefix, "":
		if rule.Strategy == "" {
			compiled.Strategy = StrategyExact
		}
	case StrategyPattern:
		for _, pattern := range rule.Match {
			re, err := topicPatternToRegex(pattern)
			if err != nil {
				return &errors.RouterError{Rule: rule.Name, Cause: err}
			}
			compiled.patterns = append(compiled.patterns, re)
		}
	case StrategyRegex:
		for _, pattern := range rule.Match {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return &errors.RouterError{Rule: rule.Name, Cause: err}
			}
			compiled.patterns = append(compiled.patterns, re)
		}
	default:
		return &errors.RouterError{Rule: rule.Name,
			Cause: unknownStrategyError(rule.Strategy)}
	}

	r.rules = append(r.rules, compiled)
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].Priority > r.rules[j].Priority
	})
	return nil
}

// Route returns the union of all matching rules' targets, falling back to
// interested subscriptions and the default queue when nothing matches.
func (r *RuleRouter) Route(msg envelope.Message) []string {
	set := newTargetSet()
	matched := false

	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.matches(msg.EventType) {
			continue
		}
		if rule.Predicate != nil && !rule.Predicate(msg) {
			continue
		}
		matched = true
		if rule.Transform != nil {
			rule.Transform(&msg)
		}
		set.add(rule.Targets...)
	}

	if matched {
		return set.list()
	}

	if r.fallback != nil {
		for _, sub := range r.fallback() {
			if subscriptionWants(sub, msg.EventType) {
				set.add(sub.Queue)
			}
		}
	}
	if r.defaultQueue != "" {
		set.add(r.defaultQueue)
	}
	return set.list()
}

func (c *compiledRule) matches(eventType string) bool {
	switch c.Strategy {
	case StrategyExact:
		for _, m := range c.Match {
			if m == eventType || m == "*" {
				return true
			}
		}
	case StrategyPrefix:
		for _, m := range c.Match {
			if strings.HasPrefix(eventType, m) {
				return true
			}
		}
	case StrategyPattern, StrategyRegex:
		for _, re := range c.patterns {
			if re.MatchString(eventType) {
				return true
			}
		}
	}
	return false
}

func subscriptionWants(sub *store.EventSubscription, eventType string) bool {
	if sub.WantsEventType(eventType) {
		return true
	}
	for _, t := range sub.EventTypes {
		if strings.ContainsAny(t, "*#") && MatchTopic(t, eventType) {
			return true
		}
	}
	return false
}

// MatchTopic reports whether a topic value matches an AMQP-style pattern,
// where "*" matches exactly one dot-delimited segment and "#" matches zero
// or more segments.
func MatchTopic(pattern, value string) bool {
	re, err := topicPatternToRegex(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// topicPatternToRegex compiles an AMQP-style binding pattern to an anchored
// regular expression.
func topicPatternToRegex(pattern string) (*regexp.Regexp, error) {
	if pattern == "#" {
		return regexp.Compile(`^.*$`)
	}
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `[^.]+`)
	quoted = strings.ReplaceAll(quoted, `#\.`, `(?:.+\.)?`)
	quoted = strings.ReplaceAll(quoted, `\.#`, `(?:\..+)?`)
	quoted = strings.ReplaceAll(quoted, `#`, `.*`)
	return regexp.Compile(`^` + quoted + `$`)
}

// targetSet preserves insertion order while deduplicating.
type targetSet struct {
	seen  map[string]bool
	order []string
}

func newTargetSet() *targetSet {
	return &targetSet{seen: make(map[string]bool)}
}

func (s *targetSet) add(targets ...string) {
	for _, t := range targets {
		if t == "" || s.seen[t] {
			continue
		}
		s.seen[t] = true
		s.order = append(s.order, t)
	}
}

func (s *targetSet) list() []string {
	return s.order
}

func unknownStrategyError(s Strategy) error {
	return &strategyError{strategy: s}
}

type strategyError struct {
	strategy Strategy
}

func (e *strategyError) Error() string {
	return "flowbus: unknown routing strategy " + string(e.strategy)
}
