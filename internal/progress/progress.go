// Package progress carries per-job status lines from the pipeline to a
// single consumer without ever blocking the producer.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/shogun/internal/approval"
	"github.com/msageha/shogun/internal/queue"
)

// Kind is the source of an event.
type Kind int

const (
	KindCommander Kind = iota
	KindAdvisor
	KindReport
	KindWorker
	KindApproval
)

func (k Kind) String() string {
	switch k {
	case KindCommander:
		return "commander"
	case KindAdvisor:
		return "advisor"
	case KindReport:
		return "report"
	case KindWorker:
		return "worker"
	case KindApproval:
		return "approval"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Event struct {
	Kind   Kind
	Worker int
	Text   string
	At     time.Time
	// Gate is set on KindApproval events only.
	Gate *approval.Gate
}

// Source renders the event origin, e.g. "worker3".
func (e Event) Source() string {
	if e.Kind == KindWorker {
		return fmt.Sprintf("worker%d", e.Worker)
	}
	return e.Kind.String()
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Source(), e.Text)
}

// Sink receives progress text from one source.
type Sink interface {
	Emit(text string)
}

type discard struct{}

func (discard) Emit(string) {}

// Discard drops everything.
var Discard Sink = discard{}

// SinkFunc adapts a function to Sink.
type SinkFunc func(string)

func (f SinkFunc) Emit(text string) { f(text) }

// Stream is the event channel of one job. Producers push through sinks into
// an unbounded queue; a pump goroutine forwards to Events in order. The
// consumer must drain Events until it is closed.
type Stream struct {
	q         *queue.Queue[Event]
	out       chan Event
	closeOnce sync.Once
	now       func() time.Time
}

func NewStream() *Stream {
	s := &Stream{
		q:   queue.New[Event](),
		out: make(chan Event),
		now: time.Now,
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.out)
	for {
		ev, err := s.q.Pop(context.Background())
		if err != nil {
			return
		}
		s.out <- ev
	}
}

// Events yields every published event and closes after Close once the
// backlog is delivered.
func (s *Stream) Events() <-chan Event {
	return s.out
}

// Sink returns a sink tagged with kind. worker is only used for KindWorker.
func (s *Stream) Sink(kind Kind, worker int) Sink {
	return &streamSink{s: s, kind: kind, worker: worker}
}

// RequestApproval publishes a pending gate to the consumer.
func (s *Stream) RequestApproval(g *approval.Gate, text string) {
	s.publish(Event{Kind: KindApproval, Text: text, Gate: g})
}

func (s *Stream) publish(ev Event) {
	ev.At = s.now()
	// Events after Close are dropped.
	_ = s.q.Push(ev)
}

// Close ends the stream. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(s.q.Close)
}

type streamSink struct {
	s      *Stream
	kind   Kind
	worker int
}

func (k *streamSink) Emit(text string) {
	k.s.publish(Event{Kind: k.kind, Worker: k.worker, Text: text})
}
