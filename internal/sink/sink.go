// Package sink defines the storage-sink contract and the name→sink
// registry populated once at startup, before the front-end's event loop
// runs.
package sink

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loganix/datalogger/internal/record"
)

// SendFunc pushes a reply or push record back to the client identified by
// handle. Sinks and the observer treat handle as an opaque value minted by
// the front-end; they never interpret it.
type SendFunc func(rec record.Record, handle uint64) error

// Sink is a pluggable storage backend. Open is called once, at startup,
// with the option string parsed from the daemon's "-o NAME[:OPTS]" flag.
// Process consumes one record and may push zero or more replies through
// send.
//
// Process's relay return value signals the front-end that this was a
// successful STORE and the observer should be offered the record too; it
// is false for every other successful outcome (a query that produced zero
// or more replies, an OBSERVE, a no-op).
type Sink interface {
	Open(opts string) error
	Process(rec record.Record, send SendFunc) (relay bool, err error)
	Close() error
}

// ErrDuplicateName is returned by Register when name is already taken.
var ErrDuplicateName = errors.New("sink: duplicate name")

// ErrUnknownSink is the error for a sink name that was never registered.
// Lookup itself reports that case as ok == false, not as this error.
var ErrUnknownSink = errors.New("sink: unknown name")

// Registry maps sink names to implementations. It is populated once at
// process startup and is read-only for the lifetime of the event loop.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register adds s under name. A duplicate name is a startup-fatal
// programming error: two sinks can never share a name.
func (r *Registry) Register(name string, s Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.sinks[name] = s
	return nil
}

// Lookup returns the sink registered under name, if any.
func (r *Registry) Lookup(name string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	return s, ok
}

// Names returns the registered sink names, sorted, for printing the
// built-in sink list (cmd/dataloggerd uses it in its "unknown sink" error).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
