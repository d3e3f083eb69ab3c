// internal/bus/bus.go
package bus

import (
	"sort"
	"sync"

	"github.com/user/switchboard/internal/types"
)

// Listener receives session events in emission order.
type Listener func(types.Event)

// Bus is a per-session publish/subscribe fan-out. Listeners attached after
// an event fired do not see it retroactively; there is no buffering. When a
// session's Deleted event is published, every listener for that session
// receives it once and is then released.
type Bus struct {
	mu        sync.Mutex
	listeners map[types.SessionID]map[int]Listener
	next      int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		listeners: make(map[types.SessionID]map[int]Listener),
	}
}

// Subscribe attaches a listener to the session's event stream and returns
// its unsubscribe function. Unsubscribe is idempotent: calling it twice is
// the same as calling it once.
func (b *Bus) Subscribe(id types.SessionID, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listeners[id] == nil {
		b.listeners[id] = make(map[int]Listener)
	}
	token := b.next
	b.next++
	b.listeners[id][token] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.listeners[id]; ok {
			delete(set, token)
			if len(set) == 0 {
				delete(b.listeners, id)
			}
		}
	}
}

// Publish delivers the event to all current listeners of the session in
// registration order. Listeners run synchronously on the caller's goroutine
// outside the bus lock, so a listener may subscribe or unsubscribe without
// deadlocking; such changes take effect for subsequent events.
func (b *Bus) Publish(id types.SessionID, event types.Event) {
	b.mu.Lock()
	set := b.listeners[id]
	tokens := make([]int, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
	}
	sort.Ints(tokens)
	snapshot := make([]Listener, len(tokens))
	for i, token := range tokens {
		snapshot[i] = set[token]
	}
	if _, deleted := event.(types.Deleted); deleted {
		delete(b.listeners, id)
	}
	b.mu.Unlock()

	for _, fn := range snapshot {
		fn(event)
	}
}

// ListenerCount returns the number of listeners attached to the session.
func (b *Bus) ListenerCount(id types.SessionID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[id])
}
