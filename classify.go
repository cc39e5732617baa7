package gcalnotify

import (
	"sync"
	"time"
)

// EventKind classifies what an event delivered by an incremental pull
// represents.
type EventKind int

const (
	EventKindCreated EventKind = iota
	EventKindUpdated
	EventKindDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventKindCreated:
		return "created"
	case EventKindUpdated:
		return "updated"
	case EventKindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ClassifiedEvent pairs an event with its classification for one
// notification round. It is transient and never persisted.
type ClassifiedEvent struct {
	Event Event
	Kind  EventKind
}

// timestampGranularity is the coarsest resolution at which the API's created
// and updated timestamps can be considered equal.
const timestampGranularity = time.Second

// Classifier decides whether an event represents a creation, update or
// deletion. It keeps a process-local registry of event ids it has already
// delivered; for ids it has never seen it falls back to comparing the
// created and updated timestamps, which the API keeps equal until the first
// modification. The registry does not survive a restart, so the first
// delivery after a restart relies entirely on the timestamp fallback.
type Classifier struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewClassifier() *Classifier {
	return &Classifier{
		seen: make(map[string]struct{}),
	}
}

// Classify returns the kind for ev and records its id as seen. Cancelled
// events are always deletions regardless of timestamps.
func (c *Classifier) Classify(ev Event) EventKind {
	key := ev.CalendarID + "/" + ev.ID
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Status == EventStatusCancelled {
		delete(c.seen, key)
		return EventKindDeleted
	}
	if _, ok := c.seen[key]; ok {
		return EventKindUpdated
	}
	c.seen[key] = struct{}{}
	if ev.Updated.Sub(ev.Created).Abs() < timestampGranularity {
		return EventKindCreated
	}
	return EventKindUpdated
}
