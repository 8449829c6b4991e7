package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) get(i int) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[i]
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(EventJobSubmitted, c.add)
	defer unsub()

	bus.Publish(EventJobSubmitted, map[string]any{"job_id": "job-1"})
	bus.Publish(EventJobCompleted, map[string]any{"job_id": "job-1"})

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	ev := c.get(0)
	assert.Equal(t, EventJobSubmitted, ev.Type)
	assert.Equal(t, "job-1", ev.Data["job_id"])
	assert.False(t, ev.Timestamp.IsZero())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.len(), "other event types must not be delivered")
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(len(AllTypes))
	defer bus.Close()

	var c collector
	unsub := bus.SubscribeAll(c.add)
	for _, typ := range AllTypes {
		bus.Publish(typ, nil)
	}
	require.Eventually(t, func() bool { return c.len() == len(AllTypes) }, time.Second, 5*time.Millisecond)

	unsub()
	bus.Publish(EventJobSubmitted, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, len(AllTypes), c.len())
}

func TestBus_NonBlockingWhenSubscriberIsSlow(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	unsub := bus.Subscribe(EventWorkerFinished, func(Event) { <-block })
	defer unsub()
	defer close(block)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventWorkerFinished, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_PanicInSubscriberIsContained(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	bus.Subscribe(EventRoleReady, func(e Event) {
		if e.Data["role"] == "advisor" {
			panic("boom")
		}
		c.add(e)
	})

	bus.Publish(EventRoleReady, map[string]any{"role": "advisor"})
	bus.Publish(EventRoleReady, map[string]any{"role": "worker1"})
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "worker1", c.get(0).Data["role"])
}

func TestBus_NilAndClosed(t *testing.T) {
	var nilBus *Bus
	nilBus.Publish(EventJobSubmitted, nil)

	bus := NewBus(1)
	bus.Close()
	bus.Publish(EventJobSubmitted, nil)
	unsub := bus.Subscribe(EventJobSubmitted, func(Event) {})
	unsub()
}
