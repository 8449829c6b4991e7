// Package pipeline runs the commander → advisor → workers flow. Each role
// has one loop fed by its own FIFO queue; a job ends with exactly one status
// message no matter where it fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/msageha/shogun/internal/approval"
	"github.com/msageha/shogun/internal/events"
	"github.com/msageha/shogun/internal/metrics"
	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/progress"
	"github.com/msageha/shogun/internal/queue"
)

var ErrStopped = errors.New("pipeline stopped")

// Agents performs the work of each phase.
type Agents interface {
	Command(ctx context.Context, jobID, input, project string, sink progress.Sink) (string, error)
	Assign(ctx context.Context, cmdID, project string, sink progress.Sink) (int, error)
	Execute(ctx context.Context, cmdID string, sink progress.Sink) error
	Aggregate(ctx context.Context, cmdID string, sink progress.Sink) error
	Work(ctx context.Context, worker int, project string, sink progress.Sink) (string, error)
}

// Ledger is the durable record of directives, tasks and reports.
type Ledger interface {
	AppendCommand(jobID, text, project string) (string, error)
	UpdateCommandStatus(id string, status model.Status) error
	AssignedWorkers() ([]int, error)
	ReadTask(worker int) (model.Task, error)
	WriteReport(worker int, r model.Report) error
}

const (
	outcomeDone     = "done"
	outcomeFailed   = "failed"
	outcomeError    = "error"
	outcomeShutdown = "shutdown"
)

const shutdownMessage = "shutdown: pipeline stopped before the job finished"

type Options struct {
	Workers  int
	Approval approval.Mode
	Logger   hclog.Logger
	Metrics  metrics.Recorder
	Bus      *events.Bus
}

type Pipeline struct {
	agents Agents
	ledger Ledger
	opts   Options
	logger hclog.Logger

	commanderQ *queue.Queue[*job]
	advisorQ   *queue.Queue[*advisorJob]
	workerQs   []*queue.Queue[*workerJob]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	stopped   bool

	now func() time.Time
}

func New(agents Agents, ledger Ledger, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = model.DefaultWorkerCount
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		agents:     agents,
		ledger:     ledger,
		opts:       opts,
		logger:     opts.Logger.Named("pipeline"),
		commanderQ: queue.New[*job](),
		advisorQ:   queue.New[*advisorJob](),
		workerQs:   make([]*queue.Queue[*workerJob], opts.Workers),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
	for i := range p.workerQs {
		p.workerQs[i] = queue.New[*workerJob]()
	}
	return p
}

// Start launches one loop per role. Calling it again has no effect.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(2 + len(p.workerQs))
		go p.runCommander()
		go p.runAdvisor()
		for i := range p.workerQs {
			go p.runWorker(i + 1)
		}
		p.logger.Info("pipeline_started", "workers", len(p.workerQs), "approval", p.opts.Approval.String())
	})
}

// Submit enqueues a request for the commander.
func (p *Pipeline) Submit(input, project string) (*Ticket, error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	j := &job{
		id:        uuid.NewString(),
		input:     input,
		project:   project,
		submitted: p.now(),
		stream:    progress.NewStream(),
		result:    newPromise[completion](),
	}
	if err := p.commanderQ.Push(j); err != nil {
		j.stream.Close()
		return nil, ErrStopped
	}
	p.opts.Metrics.QueueDepth("commander", p.commanderQ.Len())
	p.opts.Bus.Publish(events.EventJobSubmitted, map[string]any{"job_id": j.id, "project": project})
	p.logger.Info("job_submitted", "job_id", j.id, "project", project)
	return &Ticket{ID: j.id, j: j}, nil
}

// Stop cancels the loops and resolves every job still queued or waiting
// with a shutdown message. Safe to call more than once. It does not stop
// the role processes.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.cancel()
		p.commanderQ.Close()
		p.advisorQ.Close()
		for _, q := range p.workerQs {
			q.Close()
		}
		p.wg.Wait()

		drained := 0
		for _, j := range p.commanderQ.Drain() {
			p.finish(j, shutdownMessage, outcomeShutdown)
			drained++
		}
		for _, aj := range p.advisorQ.Drain() {
			p.finish(aj.job, fmt.Sprintf("directive queued (%s); %s", aj.cmdID, shutdownMessage), outcomeShutdown)
			drained++
		}
		for _, q := range p.workerQs {
			for _, wj := range q.Drain() {
				wj.result.resolve(false)
				drained++
			}
		}
		p.logger.Info("pipeline_stopped", "drained", drained)
	})
}

// QueueDepths reports how many jobs wait in each role's queue.
func (p *Pipeline) QueueDepths() map[string]int {
	out := map[string]int{
		model.Commander.String(): p.commanderQ.Len(),
		model.Advisor.String():   p.advisorQ.Len(),
	}
	for i, q := range p.workerQs {
		out[model.Worker(i+1).String()] = q.Len()
	}
	return out
}

// finish resolves j once; later calls are ignored.
func (p *Pipeline) finish(j *job, msg, outcome string) {
	if !j.result.resolve(completion{message: msg, outcome: outcome}) {
		return
	}
	j.stream.Close()
	p.opts.Metrics.PipelineCompleted(outcome)
	p.opts.Bus.Publish(events.EventJobCompleted, map[string]any{
		"job_id":  j.id,
		"outcome": outcome,
		"message": msg,
	})
	p.logger.Info("job_completed", "job_id", j.id, "outcome", outcome, "elapsed", p.now().Sub(j.submitted).Round(time.Millisecond))
}

// guard recovers a panic in a loop iteration. For the last stage it also
// makes sure j ends with a message even if no path resolved it.
func (p *Pipeline) guard(j *job, stage string, last bool) {
	if r := recover(); r != nil {
		p.logger.Error("loop_panic", "stage", stage, "job_id", j.id, "panic", r)
		p.finish(j, fmt.Sprintf("error: internal failure in %s: %v", stage, r), outcomeError)
		return
	}
	if last && !j.result.resolved() {
		p.finish(j, fmt.Sprintf("error: %s ended without a result", stage), outcomeError)
	}
}

func (p *Pipeline) stopping() bool {
	return p.ctx.Err() != nil
}

// describe renders err for a status message, folding newlines.
func describe(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
