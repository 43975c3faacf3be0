// Package subscription tracks which event patterns each connection has
// expressed interest in, and answers the reverse question of which
// connections an event should reach.
package subscription

import (
	"fmt"
	"sync"

	"github.com/alwitt/evgate/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Selector one event pattern a connection subscribes to. Type is matched
// exactly; an empty Source matches events from any source.
type Selector struct {
	Type   string `json:"type" validate:"required"`
	Source string `json:"source,omitempty"`
}

// String implements toString
func (s Selector) String() string {
	if s.Source == "" {
		return fmt.Sprintf("{%s @ *}", s.Type)
	}
	return fmt.Sprintf("{%s @ %s}", s.Type, s.Source)
}

// Matches whether an event falls under this selector
func (s Selector) Matches(event common.CloudEvent) bool {
	if s.Type != event.Type {
		return false
	}
	return s.Source == "" || s.Source == event.Source
}

// Registry connection subscription registry for one node. All state is
// local; subscriptions live and die with their connection.
type Registry interface {
	// RefreshSubscriptions replace a connection's selector set. The diff
	// against oldSet is returned so the caller can report what actually
	// changed. Re-asserting an already-known selector is a no-op.
	RefreshSubscriptions(
		connToken string, newSet, oldSet []Selector,
	) (added []Selector, removed []Selector, err error)
	// Match list the connections subscribed to an event
	Match(event common.CloudEvent) []string
	// DeregisterAll drop every subscription held by a connection
	DeregisterAll(connToken string)
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock sync.RWMutex
	// bySelector is selector => conn token set
	bySelector map[Selector]map[string]bool
	// byToken is conn token => selector set
	byToken  map[string]map[Selector]bool
	validate *validator.Validate
}

// GetRegistry define a subscription registry
func GetRegistry(nodeName string) (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry", "instance": nodeName,
	}
	return &registryImpl{
		Component:  common.Component{LogTags: logTags},
		bySelector: make(map[Selector]map[string]bool),
		byToken:    make(map[string]map[Selector]bool),
		validate:   validator.New(),
	}, nil
}

// RefreshSubscriptions replace a connection's selector set
func (r *registryImpl) RefreshSubscriptions(
	connToken string, newSet, oldSet []Selector,
) ([]Selector, []Selector, error) {
	for _, selector := range newSet {
		if err := r.validate.Struct(&selector); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Rejected invalid selector %s from %s", selector, connToken,
			)
			return nil, nil, err
		}
	}

	wanted := make(map[Selector]bool, len(newSet))
	for _, selector := range newSet {
		wanted[selector] = true
	}
	previous := make(map[Selector]bool, len(oldSet))
	for _, selector := range oldSet {
		previous[selector] = true
	}

	added := []Selector{}
	removed := []Selector{}
	for selector := range wanted {
		if !previous[selector] {
			added = append(added, selector)
		}
	}
	for selector := range previous {
		if !wanted[selector] {
			removed = append(removed, selector)
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	// Replace wholesale; the registry's view wins over the caller's oldSet
	// if the two drifted apart
	for selector := range r.byToken[connToken] {
		if !wanted[selector] {
			r.dropLocked(connToken, selector)
		}
	}
	if len(wanted) == 0 {
		delete(r.byToken, connToken)
	} else if r.byToken[connToken] == nil {
		r.byToken[connToken] = make(map[Selector]bool)
	}
	for selector := range wanted {
		r.byToken[connToken][selector] = true
		if r.bySelector[selector] == nil {
			r.bySelector[selector] = make(map[string]bool)
		}
		r.bySelector[selector][connToken] = true
	}

	log.WithFields(r.LogTags).Debugf(
		"Refreshed %s: %d selectors, %d added, %d removed",
		connToken, len(wanted), len(added), len(removed),
	)
	return added, removed, nil
}

// Match list the connections subscribed to an event
func (r *registryImpl) Match(event common.CloudEvent) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	seen := map[string]bool{}
	matched := []string{}
	for selector, tokens := range r.bySelector {
		if !selector.Matches(event) {
			continue
		}
		for connToken := range tokens {
			if !seen[connToken] {
				seen[connToken] = true
				matched = append(matched, connToken)
			}
		}
	}
	return matched
}

// DeregisterAll drop every subscription held by a connection
func (r *registryImpl) DeregisterAll(connToken string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for selector := range r.byToken[connToken] {
		r.dropLocked(connToken, selector)
	}
	delete(r.byToken, connToken)
	log.WithFields(r.LogTags).Debugf("Deregistered all subscriptions of %s", connToken)
}

// dropLocked remove one (connToken, selector) pairing. Caller holds the lock.
func (r *registryImpl) dropLocked(connToken string, selector Selector) {
	if tokens, ok := r.bySelector[selector]; ok {
		delete(tokens, connToken)
		if len(tokens) == 0 {
			delete(r.bySelector, selector)
		}
	}
	if selectors, ok := r.byToken[connToken]; ok {
		delete(selectors, selector)
	}
}
