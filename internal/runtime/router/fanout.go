package router

import (
	"github.com/flowbus/flowbus/internal/runtime/envelope"
)

// KeyFanoutGroup names the metadata key a publisher sets to address a
// fanout group explicitly.
const KeyFanoutGroup = "fb_fanout_group"

// FanoutRouter maps named groups to static target sets, independent of the
// generic rule list. A message reaches a group when the group name equals
// its event type or is named in the fb_fanout_group metadata entry.
type FanoutRouter struct {
	groups map[string][]string
}

// NewFanoutRouter creates an empty fanout router.
func NewFanoutRouter() *FanoutRouter {
	return &FanoutRouter{groups: make(map[string][]string)}
}

// AddGroup registers or replaces a group's target set.
func (f *FanoutRouter) AddGroup(name string, targets ...string) {
	f.groups[name] = targets
}

// Route returns the targets of the matched group, or nothing.
func (f *FanoutRouter) Route(msg envelope.Message) []string {
	set := newTargetSet()
	if targets, ok := f.groups[msg.EventType]; ok {
		set.add(targets...)
	}
	if group := msg.Metadata.Get(KeyFanoutGroup); group != "" {
		if targets, ok := f.groups[group]; ok {
			set.add(targets...)
		}
	}
	return set.list()
}
