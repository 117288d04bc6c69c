package router

import (
	"github.com/flowbus/flowbus/internal/runtime/envelope"
)

// CompositeRouter runs several independent routers and unions their target
// sets.
type CompositeRouter struct {
	routers []Router
}

// NewCompositeRouter combines the given routers.
func NewCompositeRouter(routers ...Router) *CompositeRouter {
	return &CompositeRouter{routers: routers}
}

// Add appends another router.
func (c *CompositeRouter) Add(r Router) {
	c.routers = append(c.routers, r)
}

// Route returns the union over all member routers.
func (c *CompositeRouter) Route(msg envelope.Message) []string {
	set := newTargetSet()
	for _, r := range c.routers {
		set.add(r.Route(msg)...)
	}
	return set.list()
}
