package notifier

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// View folds a snapshot and live events into a deduplicated set of records.
type View struct {
	mu     sync.RWMutex
	events map[uuid.UUID]Event
}

// NewView returns a View seeded with snapshot.
func NewView(snapshot []Event) *View {
	v := &View{events: make(map[uuid.UUID]Event, len(snapshot))}
	for _, e := range snapshot {
		v.Apply(e)
	}
	return v
}

// Apply adds e and reports whether its record was new.
func (v *View) Apply(e Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, seen := v.events[e.ID]; seen {
		return false
	}
	v.events[e.ID] = e
	return true
}

// Len returns the number of distinct records.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.events)
}

// Events returns the distinct events in seq order.
func (v *View) Events() []Event {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Event, 0, len(v.events))
	for _, e := range v.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
