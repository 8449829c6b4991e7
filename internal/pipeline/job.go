package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/msageha/shogun/internal/approval"
	"github.com/msageha/shogun/internal/progress"
)

// promise is resolved at most once; later resolutions are ignored.
type promise[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

// resolve reports whether this call set the value.
func (p *promise[T]) resolve(v T) bool {
	set := false
	p.once.Do(func() {
		p.val = v
		set = true
		close(p.done)
	})
	return set
}

func (p *promise[T]) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *promise[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// job is one submitted request travelling through the tiers.
type job struct {
	id        string
	input     string
	project   string
	submitted time.Time
	stream    *progress.Stream
	result    *promise[completion]
}

// completion is a job's final status message and its outcome label.
type completion struct {
	message string
	outcome string
}

type advisorJob struct {
	*job
	cmdID string
	gate  *approval.Gate
}

type workerJob struct {
	job    *job
	index  int
	sink   progress.Sink
	result *promise[bool]
}

// Ticket is the caller's handle on a submitted job.
type Ticket struct {
	ID string
	j  *job
}

// Events streams the job's progress. It closes once the job has finished
// and the backlog is delivered. Callers must drain it.
func (t *Ticket) Events() <-chan progress.Event {
	return t.j.stream.Events()
}

// Wait blocks until the job finishes and returns its final status message.
func (t *Ticket) Wait(ctx context.Context) (string, error) {
	c, err := t.j.result.wait(ctx)
	return c.message, err
}

// Outcome is "done", "failed", "error" or "shutdown" once the job has
// finished, and "" before.
func (t *Ticket) Outcome() string {
	if !t.j.result.resolved() {
		return ""
	}
	return t.j.result.val.outcome
}

func (t *Ticket) Input() string   { return t.j.input }
func (t *Ticket) Project() string { return t.j.project }

func (t *Ticket) Submitted() time.Time { return t.j.submitted }

func (t *Ticket) Done() <-chan struct{} {
	return t.j.result.done
}
