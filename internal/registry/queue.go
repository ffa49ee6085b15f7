package registry

import (
	"sync"

	"bluetooth-peer/internal/device"
)

// EventKind tags an Event.
type EventKind int

const (
	// EventAnnounced carries a newly announced object.
	EventAnnounced EventKind = iota
	// EventPropertiesChanged carries parsed property updates for a path.
	EventPropertiesChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAnnounced:
		return "announced"
	case EventPropertiesChanged:
		return "properties_changed"
	default:
		return "unknown"
	}
}

// Event is an immutable notification handed from a delivery goroutine to the
// registry worker.
type Event struct {
	Kind    EventKind
	Object  device.AnnouncedObject
	Changes []device.Change
}

// Announced builds an EventAnnounced.
func Announced(path string, attrs device.Attributes) Event {
	return Event{Kind: EventAnnounced, Object: device.AnnouncedObject{Path: path, Attributes: attrs}}
}

// PropertiesChanged builds an EventPropertiesChanged.
func PropertiesChanged(path string, changes []device.Change) Event {
	return Event{Kind: EventPropertiesChanged, Object: device.AnnouncedObject{Path: path}, Changes: changes}
}

// Queue is an unbounded FIFO shared by any number of producers and exactly
// one consumer.
//
// Producers never block. The consumer waits on Wake or Done; Close is the
// single stop signal and makes every later Enqueue a no-op.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue appends e to the tail and wakes the consumer. It returns false if
// the queue is closed.
func (q *Queue) Enqueue(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the head item. It reports false when the queue is empty or
// closed.
func (q *Queue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return e, true
}

// Wake receives a value after Enqueue. Spurious wakes are possible.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Done is closed by Close.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Close stops the queue and returns the number of discarded items.
// Redundant calls return 0.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	n := len(q.items)
	q.items = nil
	close(q.done)
	return n
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
