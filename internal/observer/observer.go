// Package observer implements the live-subscription broker: the set of
// clients that have sent OBSERVE and want newly stored records matching
// their filter pushed to them as they arrive.
package observer

import (
	"fmt"
	"sync"

	"github.com/loganix/datalogger/internal/metrics"
	"github.com/loganix/datalogger/internal/record"
	"github.com/loganix/datalogger/internal/sink"
)

// Observer holds one subscription reference per client handle. All of its
// methods are currently called only from the front-end's single dispatch
// goroutine; the mutex guards against a future second caller.
type Observer struct {
	mu   sync.RWMutex
	subs map[uint64]record.Record
}

// New returns an empty Observer.
func New() *Observer {
	return &Observer{subs: make(map[uint64]record.Record)}
}

// Attach inserts or replaces the subscription reference held under handle.
// Re-subscribing with the same handle simply replaces the old filter.
func (o *Observer) Attach(ref record.Record, handle uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, existed := o.subs[handle]
	o.subs[handle] = ref
	if !existed {
		metrics.SubscriptionAttached()
	}
}

// Detach removes the subscription held under handle. It must be called
// exactly once per handle that was ever attached, when the owning
// connection disconnects; detaching a handle with no subscription panics.
func (o *Observer) Detach(handle uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subs[handle]; !ok {
		panic(fmt.Sprintf("observer: detach of unattached handle %d", handle))
	}
	delete(o.subs, handle)
	metrics.SubscriptionDetached()
}

// Count returns the number of active subscriptions.
func (o *Observer) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}

// Relay offers stored to every subscription; on a match, send is invoked
// with that subscription's handle. No subscription is skipped because an
// earlier send failed. Returns the total subscription count, not the
// match count.
func (o *Observer) Relay(stored record.Record, send sink.SendFunc) int {
	o.mu.RLock()
	subs := make(map[uint64]record.Record, len(o.subs))
	for h, ref := range o.subs {
		subs[h] = ref
	}
	o.mu.RUnlock()

	matched := 0
	for handle, ref := range subs {
		if stored.Match(ref) {
			matched++
			_ = send(stored, handle)
		}
	}
	metrics.RelayMatched(matched)
	return len(subs)
}
