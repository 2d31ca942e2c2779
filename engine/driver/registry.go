package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownDriver is returned when resolving a name with no registered
// driver.
var ErrUnknownDriver = errors.New("unknown driver")

// Registry is a concurrency-safe name to Driver map.
//
// The engine resolves a workflow profile's driver name through the
// registry at submit time, so an unknown name is rejected before any
// workflow record is created.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds d under d.Name(), replacing any previous registration.
func (r *Registry) Register(d Driver) error {
	if d == nil {
		return fmt.Errorf("cannot register nil driver")
	}
	name := d.Name()
	if name == "" {
		return fmt.Errorf("cannot register driver with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = d
	return nil
}

// Resolve returns the driver registered under name.
func (r *Registry) Resolve(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return d, nil
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
