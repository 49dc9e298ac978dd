package bridge

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventChannelLifecycle(t *testing.T) {
	ch := NewEventChannel(balanceOnly())
	require.NoError(t, ch.Initialize())
	assert.ErrorIs(t, ch.Initialize(), ErrAlreadyInitialized)

	ch.Terminate()
	// Terminate is idempotent.
	assert.NotPanics(t, ch.Terminate)
	assert.ErrorIs(t, ch.Initialize(), ErrTerminated)
}

func TestEventDeliveryBalancesCredits(t *testing.T) {
	var delivered atomic.Int64
	ch := NewEventChannel(func(ev Event) {
		delivered.Add(1)
		ev.Fetch.DecrementRefCount()
	})
	require.NoError(t, ch.Initialize())
	defer ch.Terminate()

	destroyed := make(chan struct{})
	f := NewFetch(ch, Options{OnDestroy: func(*Fetch) { close(destroyed) }})

	for i := 0; i < 10; i++ {
		f.HandleWrite([]byte("x"))
		f.HandleFlush()
	}
	f.HandleDone(true)
	f.Detach()

	// Every enqueued credit must be returned at delivery; only then can
	// the fetch die.
	waitDestroyed(t, destroyed)
	assert.GreaterOrEqual(t, delivered.Load(), int64(1))
}

func TestEventsDeliveredInOrder(t *testing.T) {
	var mu sync.Mutex
	var kinds []EventKind
	done := make(chan struct{})
	ch := NewEventChannel(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		if ev.Kind == EventDone {
			close(done)
		}
		ev.Fetch.DecrementRefCount()
	})
	require.NoError(t, ch.Initialize())
	defer ch.Terminate()

	f := NewFetch(ch, Options{})
	f.HandleFlush()
	f.HandleFlush()
	f.HandleDone(true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("done event never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventDone, kinds[len(kinds)-1])
	for _, k := range kinds[:len(kinds)-1] {
		assert.Equal(t, EventFlush, k)
	}

	f.Detach()
}

func TestTerminateDropsEventsButReturnsCredits(t *testing.T) {
	var delivered atomic.Int64
	ch := NewEventChannel(func(ev Event) {
		delivered.Add(1)
		ev.Fetch.DecrementRefCount()
	})
	// Never initialized: nothing can be delivered, events just queue up.

	destroyed := make(chan struct{})
	f := NewFetch(ch, Options{OnDestroy: func(*Fetch) { close(destroyed) }})

	assert.True(t, ch.RequestCollection(f, EventFlush))
	assert.True(t, ch.RequestCollection(f, EventFlush))

	ch.Terminate()
	assert.Equal(t, int64(0), delivered.Load())

	// Post-termination enqueue is dropped without error and takes no
	// credit.
	assert.False(t, ch.RequestCollection(f, EventFlush))

	f.HandleDone(true)
	f.Detach()
	waitDestroyed(t, destroyed)
	assert.Equal(t, int64(0), delivered.Load())
}

func TestNoCallbackAfterTerminate(t *testing.T) {
	var delivered atomic.Int64
	block := make(chan struct{})
	ch := NewEventChannel(func(ev Event) {
		<-block
		delivered.Add(1)
		ev.Fetch.DecrementRefCount()
	})
	require.NoError(t, ch.Initialize())

	f := NewFetch(ch, Options{})
	f.HandleFlush()

	// Let the dispatcher pick the event up, then terminate while the
	// callback is still running. Terminate must wait it out.
	time.Sleep(50 * time.Millisecond)
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()
	ch.Terminate()
	assert.Equal(t, int64(1), delivered.Load())

	f.HandleDone(true)
	f.Detach()
}
