package router

import (
	"regexp"

	"github.com/flowbus/flowbus/internal/runtime/envelope"
	"github.com/flowbus/flowbus/internal/runtime/errors"
)

// TopicRouter routes on AMQP-style topic bindings: "*" matches exactly one
// dot-delimited segment, "#" matches zero or more. Patterns compile to
// regexes once at bind time.
type TopicRouter struct {
	bindings []topicBinding
}

type topicBinding struct {
	pattern string
	re      *regexp.Regexp
	targets []string
}

// NewTopicRouter creates an empty topic router.
func NewTopicRouter() *TopicRouter {
	return &TopicRouter{}
}

// Bind adds targets for a topic pattern.
func (t *TopicRouter) Bind(pattern string, targets ...string) error {
	re, err := topicPatternToRegex(pattern)
	if err != nil {
		return &errors.RouterError{Rule: pattern, Cause: err}
	}
	t.bindings = append(t.bindings, topicBinding{pattern: pattern, re: re, targets: targets})
	return nil
}

// Route returns the union of targets of all bindings matching the message's
// event type.
func (t *TopicRouter) Route(msg envelope.Message) []string {
	set := newTargetSet()
	for _, binding := range t.bindings {
		if binding.re.MatchString(msg.EventType) {
			set.add(binding.targets...)
		}
	}
	return set.list()
}
