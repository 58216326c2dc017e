package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collector gathers delivered events and lets tests wait for a count.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) collect(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]Event(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, c.len())
	return nil
}

func TestPublishFansOut(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var a, c collector
	_, err := b.Subscribe(a.collect)
	require.NoError(t, err)
	_, err = b.Subscribe(c.collect)
	require.NoError(t, err)

	b.Publish(New(EventJobEnqueued, JobPayload{JobID: 1}))
	b.Publish(New(EventJobCompleted, JobPayload{JobID: 1}))

	gotA := a.waitFor(t, 2)
	gotC := c.waitFor(t, 2)

	// Per-subscriber order matches emission order.
	require.Equal(t, EventJobEnqueued, gotA[0].Type())
	require.Equal(t, EventJobCompleted, gotA[1].Type())
	require.Equal(t, EventJobEnqueued, gotC[0].Type())
	require.Equal(t, EventJobCompleted, gotC[1].Type())
}

func TestSubscribeNilHandler(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, err := b.Subscribe(nil)
	require.Error(t, err)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var c collector
	sub, err := b.Subscribe(c.collect)
	require.NoError(t, err)

	b.Publish(New(EventDesignChanged, DesignPayload{DesignID: 1}))
	c.waitFor(t, 1)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent

	b.Publish(New(EventDesignChanged, DesignPayload{DesignID: 2}))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, c.len())
}

func TestBusCloseFlushesThenDrops(t *testing.T) {
	b := NewBus()

	var c collector
	_, err := b.Subscribe(c.collect)
	require.NoError(t, err)

	b.Publish(New(EventJobStarted, JobPayload{JobID: 1}))
	b.Close()

	// The queued event is flushed on close; later publishes are dropped.
	c.waitFor(t, 1)
	b.Publish(New(EventJobStarted, JobPayload{JobID: 2}))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, c.len())

	_, err = b.Subscribe(c.collect)
	require.Error(t, err)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBus()
	defer b.Close()

	block := make(chan struct{})
	var c collector
	first := true
	_, err := b.Subscribe(func(e Event) {
		if first {
			first = false
			<-block
		}
		c.collect(e)
	})
	require.NoError(t, err)

	// Jam the handler, then overflow the queue. Publishers never block.
	b.Publish(New(EventJobProgress, JobPayload{JobID: 0}))
	for i := 1; i <= queueDepth+50; i++ {
		b.Publish(New(EventJobProgress, JobPayload{JobID: int64(i)}))
	}
	close(block)

	deadline := time.Now().Add(2 * time.Second)
	for c.len() <= queueDepth/2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Some events were shed, but the bus kept flowing.
	require.Greater(t, c.len(), queueDepth/2)
	require.LessOrEqual(t, c.len(), queueDepth+1)
}
