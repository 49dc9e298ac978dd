// Package bridge connects the asynchronous rewrite pipeline to the server's
// per-connection request loop.
//
// A Fetch buffers rewritten output as worker goroutines produce it and wakes
// the consumer through an EventChannel so it can collect what has
// accumulated. The Fetch is shared by exactly two owners, the producer and
// the consumer, and stays alive until both have released it and every
// in-flight event credit has been returned.
package bridge

import (
	"sync"

	"github.com/edgespeed/edgespeed/internal/headers"
)

// CollectStatus is the result of a CollectAccumulatedWrites call.
type CollectStatus int

const (
	// CollectOK means output was returned and it was final, or the fetch is
	// done with nothing left to send.
	CollectOK CollectStatus = iota
	// CollectAgain means output may still follow; includes the idle case
	// where a wakeup found nothing buffered yet.
	CollectAgain
	// CollectError means the output segment could not be built. Buffered
	// state is left untouched; the caller treats the fetch as failed.
	CollectError
)

func (s CollectStatus) String() string {
	switch s {
	case CollectOK:
		return "OK"
	case CollectAgain:
		return "AGAIN"
	case CollectError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Segment is one run of collected output bytes. Last marks the final segment
// of the fetch; it is set on exactly one segment over the fetch's lifetime.
type Segment struct {
	Data []byte
	Last bool
}

// Options configures a Fetch at construction. Both policy fields are
// immutable afterwards.
type Options struct {
	PreserveCachingHeaders headers.PreservePolicy
	IPROLookup             bool
	// OnDestroy runs exactly once, outside the fetch lock, when the
	// reference count reaches zero.
	OnDestroy func(*Fetch)
}

// Fetch buffers output produced by rewrite workers until the request loop
// collects it.
//
// The reference count starts at two, one credit per owner. The producer's
// credit is returned by HandleDone, the consumer's by Detach, and every
// event enqueued on the channel carries one transient credit that is
// returned when the event is delivered or dropped. The fetch tears itself
// down when the count reaches zero.
type Fetch struct {
	mu sync.Mutex

	buffer    []byte
	refs      int
	done      bool
	success   bool
	lastSent  bool
	detached  bool
	destroyed bool

	captured         *headers.Snapshot
	headersCollected bool

	preserve   headers.PreservePolicy
	iproLookup bool

	channel   *EventChannel
	alloc     func(n int) ([]byte, error)
	onDestroy func(*Fetch)

	// Request holds the consumer's per-exchange state. The bridge never
	// touches it; the channel callback recovers it by type assertion.
	Request any
}

// NewFetch creates a Fetch owned jointly by a producer and a consumer.
// The channel must already be initialized.
func NewFetch(ch *EventChannel, opts Options) *Fetch {
	if ch == nil {
		panic("bridge: NewFetch with nil channel")
	}
	return &Fetch{
		refs:       2,
		preserve:   opts.PreserveCachingHeaders,
		iproLookup: opts.IPROLookup,
		channel:    ch,
		alloc:      func(n int) ([]byte, error) { return make([]byte, n), nil },
		onDestroy:  opts.OnDestroy,
	}
}

// PreserveCachingHeaders returns the header-preservation policy the fetch
// was constructed with.
func (f *Fetch) PreserveCachingHeaders() headers.PreservePolicy { return f.preserve }

// IPROLookup reports whether this fetch is an in-place resource
// optimization lookup.
func (f *Fetch) IPROLookup() bool { return f.iproLookup }

// HandleWrite appends data to the output buffer. Writes arriving after
// HandleDone or after teardown are silently discarded; there is no longer
// anyone to deliver them to.
func (f *Fetch) HandleWrite(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed || f.done {
		return
	}
	f.buffer = append(f.buffer, data...)
}

// HandleFlush asks the channel to wake the consumer so it collects what has
// accumulated. It moves no data itself; repeated flushes before a drain
// collapse into one.
func (f *Fetch) HandleFlush() {
	f.channel.RequestCollection(f, EventFlush)
}

// HandleHeadersComplete captures the response header snapshot. Must be
// called at most once, before any write.
func (f *Fetch) HandleHeadersComplete(snap *headers.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captured != nil {
		panic("bridge: HandleHeadersComplete called twice")
	}
	if len(f.buffer) > 0 {
		panic("bridge: HandleHeadersComplete after HandleWrite")
	}
	f.captured = snap.Clone()
}

// HandleDone records that the producer has finished, wakes the consumer one
// last time, and returns the producer's ownership credit. Must be called
// exactly once. success is recorded only; failure just means no further
// writes will arrive.
func (f *Fetch) HandleDone(success bool) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		panic("bridge: HandleDone called twice")
	}
	f.done = true
	f.success = success
	f.mu.Unlock()

	f.channel.RequestCollection(f, EventDone)
	f.DecrementRefCount()
}

// Done reports whether the producer has signaled completion.
func (f *Fetch) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Success reports the value the producer passed to HandleDone.
func (f *Fetch) Success() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.success
}

// CollectAccumulatedWrites drains the buffer under lock and returns the
// collected segments.
//
// The final segment of the fetch is marked Last exactly once: on the drain
// that empties the buffer after HandleDone. A wakeup that finds nothing
// buffered and the producer still running is a harmless no-op returning
// (nil, CollectAgain). On CollectError nothing is consumed.
func (f *Fetch) CollectAccumulatedWrites() ([]Segment, CollectStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buffer) == 0 {
		if f.done && !f.lastSent {
			f.lastSent = true
			return []Segment{{Last: true}}, CollectOK
		}
		if f.done {
			return nil, CollectOK
		}
		return nil, CollectAgain
	}

	out, err := f.alloc(len(f.buffer))
	if err != nil {
		return nil, CollectError
	}
	copy(out, f.buffer)
	f.buffer = f.buffer[:0]

	seg := Segment{Data: out}
	status := CollectAgain
	if f.done && !f.lastSent {
		f.lastSent = true
		seg.Last = true
		status = CollectOK
	}
	return []Segment{seg}, status
}

// CollectHeaders returns the captured header snapshot. Used at most once,
// only for non-streaming lookups, before the first CollectAccumulatedWrites.
func (f *Fetch) CollectHeaders() *headers.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headersCollected {
		panic("bridge: CollectHeaders called twice")
	}
	f.headersCollected = true
	return f.captured
}

// IncrementRefCount takes one ownership credit. Safe from any goroutine.
func (f *Fetch) IncrementRefCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		panic("bridge: IncrementRefCount after teardown")
	}
	f.refs++
	return f.refs
}

// DecrementRefCount returns one ownership credit and tears the fetch down
// when the count reaches zero. The OnDestroy hook runs outside the lock.
func (f *Fetch) DecrementRefCount() int {
	f.mu.Lock()
	f.refs--
	refs := f.refs
	if refs < 0 {
		f.mu.Unlock()
		panic("bridge: reference count went negative")
	}
	var destroy bool
	if refs == 0 && !f.destroyed {
		f.destroyed = true
		f.buffer = nil
		f.captured = nil
		destroy = true
	}
	f.mu.Unlock()

	if destroy && f.onDestroy != nil {
		f.onDestroy(f)
	}
	return refs
}

// Detach releases the consumer's ownership. The producer may keep writing
// afterwards; the writes go nowhere. Must be called exactly once.
func (f *Fetch) Detach() {
	f.mu.Lock()
	if f.detached {
		f.mu.Unlock()
		panic("bridge: Detach called twice")
	}
	f.detached = true
	f.mu.Unlock()
	f.DecrementRefCount()
}

// Detached reports whether the consumer has released the fetch. The channel
// callback checks this before touching consumer-owned state, since the
// exchange may have been abandoned while an event was in flight.
func (f *Fetch) Detached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}
