package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flowbus/flowbus/internal/runtime/envelope"
	errspkg "github.com/flowbus/flowbus/internal/runtime/errors"
	"github.com/flowbus/flowbus/internal/runtime/store"
)

// Delivery is what a handler receives for one processing attempt.
type Delivery struct {
	// Event is the durable row backing this delivery.
	Event *store.Event

	// Message is the transport envelope as received.
	Message envelope.Message

	// Subscription is the binding this delivery belongs to.
	Subscription *store.EventSubscription

	// Attempt is the current attempt number, starting at 1.
	Attempt int
}

// Handler processes one delivery. The returned map is stored as the
// processor result. Handlers must be idempotent: at-least-once delivery
// means they can run again for the same event after a crash.
type Handler func(ctx context.Context, delivery Delivery) (map[string]any, error)

// HandlerRegistry maps string references to handler functions. It is
// populated at process startup and looked up by name at dispatch time; no
// dynamic code loading.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a named handler. Registering an existing name is an error
// so wiring mistakes surface at startup.
func (r *HandlerRegistry) Register(name string, handler Handler) error {
	if name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("flowbus: handler %q is already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// MustRegister registers a handler and panics on error. Intended for
// process-startup wiring.
func (r *HandlerRegistry) MustRegister(name string, handler Handler) {
	if err := r.Register(name, handler); err != nil {
		panic(err)
	}
}

// Resolve looks a handler up by name.
func (r *HandlerRegistry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Names returns the registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
