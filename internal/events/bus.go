// Package events carries pipeline lifecycle events to in-process
// subscribers and the JSONL audit log.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventJobSubmitted      EventType = "job_submitted"
	EventDirectiveQueued   EventType = "directive_queued"
	EventWorkersDispatched EventType = "workers_dispatched"
	EventWorkerFinished    EventType = "worker_finished"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalDecided   EventType = "approval_decided"
	EventJobCompleted      EventType = "job_completed"
	EventRoleReady         EventType = "role_ready"
	// Record changes observed on disk.
	EventTaskRecordChanged   EventType = "task_record_changed"
	EventReportRecordChanged EventType = "report_record_changed"
)

// AllTypes lists every event type, for subscribers that want everything.
var AllTypes = []EventType{
	EventJobSubmitted,
	EventDirectiveQueued,
	EventWorkersDispatched,
	EventWorkerFinished,
	EventApprovalRequested,
	EventApprovalDecided,
	EventJobCompleted,
	EventRoleReady,
	EventTaskRecordChanged,
	EventReportRecordChanged,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events asynchronously through a buffered channel per
// subscriber. When a subscriber's buffer is full the event is dropped for
// that subscriber so Publish never blocks. A nil *Bus discards everything.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns its unsubscribe
// function. fn runs on its own goroutine; panics in fn are contained.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every type in AllTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllTypes))
	for _, t := range AllTypes {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close ends every subscription. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
