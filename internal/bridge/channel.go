package bridge

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/eapache/queue"
)

// EventKind tells the consumer why it was woken.
type EventKind int

const (
	// EventFlush asks the consumer to collect accumulated output.
	EventFlush EventKind = iota
	// EventDone signals that the producer has finished.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventFlush:
		return "FLUSH"
	case EventDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Event is one wakeup delivered to the consumer callback.
type Event struct {
	Fetch *Fetch
	Kind  EventKind
}

// Callback handles a delivered event on the consumer context. It must call
// DecrementRefCount on the event's fetch exactly once, even when it ignores
// the payload.
type Callback func(Event)

var (
	ErrAlreadyInitialized = errors.New("bridge: event channel already initialized")
	ErrTerminated         = errors.New("bridge: event channel terminated")
)

// EventChannel is the cross-thread wakeup primitive between rewrite workers
// and the request loop. Producers enqueue events from any goroutine; one
// dispatcher goroutine delivers them in order to the registered callback,
// and that dispatcher goroutine is the consumer context all collection
// calls run on.
//
// Wakeups coalesce: the queue is unbounded so enqueueing never blocks a
// producer, and a capacity-one wake channel folds any number of pending
// signals into a single drain pass.
type EventChannel struct {
	mu          sync.Mutex
	events      *queue.Queue
	terminated  bool
	initialized bool

	wake     chan struct{}
	stopped  chan struct{}
	callback Callback
}

// NewEventChannel creates a channel that will deliver events to cb. The
// channel does nothing until Initialize is called.
func NewEventChannel(cb Callback) *EventChannel {
	if cb == nil {
		panic("bridge: NewEventChannel with nil callback")
	}
	return &EventChannel{
		events:   queue.New(),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		callback: cb,
	}
}

// Initialize starts the dispatcher. Calling it a second time is an error.
func (c *EventChannel) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return ErrTerminated
	}
	if c.initialized {
		return ErrAlreadyInitialized
	}
	c.initialized = true
	go c.dispatch()
	return nil
}

// Terminate tears the channel down. It returns once the dispatcher has
// exited, so no callback runs after Terminate returns. Events still queued
// are dropped without delivery, but their reference-count credits are
// returned so the fetches they point at can still die. Must not be called
// from the callback itself.
func (c *EventChannel) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	var dropped []Event
	for c.events.Length() > 0 {
		dropped = append(dropped, c.events.Remove().(Event))
	}
	initialized := c.initialized
	c.mu.Unlock()

	close(c.wake)
	if initialized {
		<-c.stopped
	}

	for _, ev := range dropped {
		ev.Fetch.DecrementRefCount()
	}
	if len(dropped) > 0 {
		slog.Debug("Event channel terminated with undelivered events", slog.Int("dropped", len(dropped)))
	}
}

// RequestCollection enqueues a wakeup for the consumer. It takes one
// reference-count credit on the fetch; the credit is returned when the
// event is delivered or dropped. Returns false if the channel is already
// torn down, in which case no credit is taken and the event is lost.
func (c *EventChannel) RequestCollection(f *Fetch, kind EventKind) bool {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return false
	}
	f.IncrementRefCount()
	c.events.Add(Event{Fetch: f, Kind: kind})
	// Signal while holding the lock so Terminate cannot close the wake
	// channel between the terminated check and the send. The send never
	// blocks: one pending signal is enough for a full drain.
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.mu.Unlock()
	return true
}

func (c *EventChannel) dispatch() {
	defer close(c.stopped)
	for range c.wake {
		for {
			c.mu.Lock()
			if c.terminated || c.events.Length() == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.events.Remove().(Event)
			c.mu.Unlock()
			c.callback(ev)
		}
	}
}
