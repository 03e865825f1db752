package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrDuplicateEventType = errors.New("duplicate event type")
)

// Registry maps stored type names to factories for their concrete types.
// It is filled at startup and read by every processor.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]func() Event{}}
}

// Add registers a factory that returns a fresh pointer to decode into.
func (r *Registry) Add(name string, factory func() Event) error {
	if name == "" || factory == nil {
		return errors.New("event type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEventType, name)
	}
	r.factories[name] = factory
	return nil
}

// Register adds *T under the name its EventType method reports.
func Register[T any, P interface {
	*T
	Event
}](r *Registry) error {
	name := P(new(T)).EventType()
	return r.Add(name, func() Event { return P(new(T)) })
}

func (r *Registry) Decode(name string, payload []byte) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, name)
	}
	evt := factory()
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return evt, nil
}

// Types lists registered names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
