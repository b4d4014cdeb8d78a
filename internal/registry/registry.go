// Package registry keeps the broker's table of offered service descriptions.
package registry

import (
	"errors"
	"sync"

	"github.com/Indra5196/iceoryx/internal/protocol"
)

// MaxServiceDescriptions is the fixed capacity of a ServiceRegistry
const MaxServiceDescriptions = 1024

// ErrServiceRegistryFull is returned by Add when no entry is left
var ErrServiceRegistryFull = errors.New("registry: service registry full")

// Entry is one registered description and the number of ports offering it
type Entry struct {
	Description      protocol.ServiceDescription
	ReferenceCounter uint64
}

// ServiceRegistry is a bounded, reference counted set of service descriptions
// Entries keep their insertion order; adding an existing description only raises
// its counter.
type ServiceRegistry struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
}

// New creates an empty registry with room for MaxServices entries
func New() *ServiceRegistry {
	return NewWithCapacity(MaxServiceDescriptions)
}

// NewWithCapacity creates a registry holding at most n descriptions
// n is clamped to [1, MaxServiceDescriptions].
func NewWithCapacity(n int) *ServiceRegistry {
	n = min(max(n, 1), MaxServiceDescriptions)
	return &ServiceRegistry{capacity: n, entries: make([]Entry, 0, n)}
}

// Add registers sd or raises the counter of its existing entry
func (r *ServiceRegistry) Add(sd protocol.ServiceDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexLocked(sd); i >= 0 {
		r.entries[i].ReferenceCounter++
		return nil
	}
	if len(r.entries) >= r.capacity {
		return ErrServiceRegistryFull
	}
	r.entries = append(r.entries, Entry{Description: sd, ReferenceCounter: 1})
	return nil
}

// Remove lowers the counter of sd and drops the entry when it reaches zero
// Removing an unknown description does nothing.
func (r *ServiceRegistry) Remove(sd protocol.ServiceDescription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(sd)
	if i < 0 {
		return
	}
	if r.entries[i].ReferenceCounter > 1 {
		r.entries[i].ReferenceCounter--
		return
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
}

// Find returns the entries matching service and instance, any event
// Either query may be protocol.Wildcard.
func (r *ServiceRegistry) Find(service, instance string) []Entry {
	return r.FindEvent(service, instance, protocol.Wildcard)
}

// FindEvent returns the entries matching all three query parts in insertion order
func (r *ServiceRegistry) FindEvent(service, instance, event string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, e := range r.entries {
		if e.Description.Matches(service, instance, event) {
			out = append(out, e)
		}
	}
	return out
}

// ReferenceCount returns the counter of sd, zero when it is not registered
func (r *ServiceRegistry) ReferenceCount(sd protocol.ServiceDescription) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexLocked(sd); i >= 0 {
		return r.entries[i].ReferenceCounter
	}
	return 0
}

// ForEach calls fn for every entry in insertion order
// fn must not call back into the registry.
func (r *ServiceRegistry) ForEach(fn func(Entry)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		fn(e)
	}
}

// Services returns a snapshot of all entries
func (r *ServiceRegistry) Services() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Size returns the number of distinct registered descriptions
func (r *ServiceRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *ServiceRegistry) indexLocked(sd protocol.ServiceDescription) int {
	for i := range r.entries {
		if r.entries[i].Description == sd {
			return i
		}
	}
	return -1
}
