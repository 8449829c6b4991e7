package daemon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/msageha/shogun/internal/approval"
	"github.com/msageha/shogun/internal/pipeline"
	"github.com/msageha/shogun/internal/progress"
	"github.com/msageha/shogun/internal/uds"
)

var (
	ErrUnknownJob      = errors.New("unknown job")
	ErrNoPendingChoice = errors.New("no approval pending")
)

// maxFinishedJobs bounds how many finished jobs stay queryable in memory.
// Older ones remain in the history database.
const maxFinishedJobs = 100

// trackedJob is the daemon's view of one submitted job.
type trackedJob struct {
	ticket *pipeline.Ticket

	mu       sync.Mutex
	lines    []string
	gate     *approval.Gate
	gateText string
	done     bool
	result   string
	finished time.Time
}

func (j *trackedJob) pendingGate() (*approval.Gate, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.gate == nil || j.gate.Decision() != approval.Pending {
		return nil, ""
	}
	return j.gate, j.gateText
}

// Tracker consumes each job's progress stream so CLI clients can poll it.
type Tracker struct {
	mu       sync.Mutex
	jobs     map[string]*trackedJob
	finished []string

	onApproval func(jobID, text string)
	onFinish   func(tk *pipeline.Ticket, result string, finished time.Time)
	logger     hclog.Logger
	wg         sync.WaitGroup
	now        func() time.Time
}

func NewTracker(logger hclog.Logger) *Tracker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Tracker{
		jobs:   make(map[string]*trackedJob),
		logger: logger.Named("jobs"),
		now:    time.Now,
	}
}

// OnApproval registers a callback for approval requests. Call before Track.
func (t *Tracker) OnApproval(fn func(jobID, text string)) { t.onApproval = fn }

// OnFinish registers a callback for finished jobs. Call before Track.
func (t *Tracker) OnFinish(fn func(tk *pipeline.Ticket, result string, finished time.Time)) {
	t.onFinish = fn
}

// Track starts draining tk's events.
func (t *Tracker) Track(tk *pipeline.Ticket) {
	j := &trackedJob{ticket: tk}
	t.mu.Lock()
	t.jobs[tk.ID] = j
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(j)
}

func (t *Tracker) consume(j *trackedJob) {
	defer t.wg.Done()
	id := j.ticket.ID
	for ev := range j.ticket.Events() {
		j.mu.Lock()
		j.lines = append(j.lines, ev.String())
		if ev.Kind == progress.KindApproval {
			j.gate = ev.Gate
			j.gateText = ev.Text
		}
		j.mu.Unlock()

		if ev.Kind == progress.KindApproval {
			t.logger.Info("approval_pending", "job_id", id)
			if t.onApproval != nil {
				t.onApproval(id, ev.Text)
			}
		}
	}

	// The stream closes only after the job is resolved.
	result, _ := j.ticket.Wait(context.Background())
	finished := t.now()
	j.mu.Lock()
	j.done = true
	j.result = result
	j.finished = finished
	j.mu.Unlock()

	if t.onFinish != nil {
		t.onFinish(j.ticket, result, finished)
	}
	t.retire(id)
}

// retire keeps at most maxFinishedJobs finished jobs.
func (t *Tracker) retire(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = append(t.finished, id)
	for len(t.finished) > maxFinishedJobs {
		delete(t.jobs, t.finished[0])
		t.finished = t.finished[1:]
	}
}

func (t *Tracker) get(id string) (*trackedJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	return j, ok
}

// Snapshot returns the job's progress lines from index since onwards.
func (t *Tracker) Snapshot(id string, since int) (uds.JobResult, error) {
	j, ok := t.get(id)
	if !ok {
		return uds.JobResult{}, ErrUnknownJob
	}
	_, pending := j.pendingGate()

	j.mu.Lock()
	defer j.mu.Unlock()
	if since < 0 || since > len(j.lines) {
		since = len(j.lines)
	}
	return uds.JobResult{
		JobID:           id,
		Lines:           append([]string{}, j.lines[since:]...),
		Next:            len(j.lines),
		PendingApproval: pending,
		Done:            j.done,
		Result:          j.result,
	}, nil
}

// Decide resolves the job's pending approval. changed is false when the
// gate was already decided.
func (t *Tracker) Decide(id string, approve bool) (changed bool, err error) {
	j, ok := t.get(id)
	if !ok {
		return false, ErrUnknownJob
	}
	j.mu.Lock()
	gate := j.gate
	j.mu.Unlock()
	if gate == nil {
		return false, ErrNoPendingChoice
	}
	changed = gate.Resolve(approve)
	if changed {
		t.logger.Info("approval_decided", "job_id", id, "approved", approve)
	}
	return changed, nil
}

// Summaries lists tracked jobs, oldest first.
func (t *Tracker) Summaries() []uds.JobSummary {
	t.mu.Lock()
	jobs := make([]*trackedJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		jobs = append(jobs, j)
	}
	t.mu.Unlock()

	out := make([]uds.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		_, pending := j.pendingGate()
		j.mu.Lock()
		out = append(out, uds.JobSummary{
			JobID:           j.ticket.ID,
			Input:           j.ticket.Input(),
			Submitted:       j.ticket.Submitted(),
			PendingApproval: pending != "",
			Done:            j.done,
		})
		j.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Submitted.Before(out[b].Submitted) })
	return out
}

// Wait blocks until every tracked stream has been drained.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
