package taskfarm

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// payloadRegistry maps wire names to factories and concrete Go types back to wire names.
type payloadRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() any
	names     map[reflect.Type]string
}

var payloads = &payloadRegistry{
	factories: make(map[string]func() any),
	names:     make(map[reflect.Type]string),
}

// RegisterPayloadType registers a payload type (task, result, initializer or custom payload)
// so it can be carried by commands. The factory must return a new, empty instance of the
// type, usually a pointer; values of exactly that type are encoded under name and decoded
// back into a fresh factory instance. Both ends of a connection must register the same names.
func RegisterPayloadType(name string, factory func() any) {
	sample := factory()
	if sample == nil {
		panic(fmt.Sprintf("taskfarm: payload factory for %q returned nil", name))
	}
	typ := reflect.TypeOf(sample)

	payloads.mu.Lock()
	defer payloads.mu.Unlock()
	if old, ok := payloads.factories[name]; ok {
		delete(payloads.names, reflect.TypeOf(old()))
	}
	payloads.factories[name] = factory
	payloads.names[typ] = name
	slog.Debug("Registered payload type", "name", name, "type", typ.String())
}

func (r *payloadRegistry) nameOf(payload any) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[reflect.TypeOf(payload)]
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnregisteredPayload, payload)
	}
	return name, nil
}

func (r *payloadRegistry) newInstance(name string) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredPayload, name)
	}
	return factory(), nil
}
