package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/msageha/shogun/internal/approval"
	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/progress"
)

// memLedger is an in-memory Ledger.
type memLedger struct {
	mu         sync.Mutex
	commands   map[string]model.Status
	order      []string
	assigned   []int
	tasks      map[int]model.Task
	reports    map[int]model.Report
	failWrites int
}

func newMemLedger() *memLedger {
	return &memLedger{
		commands: map[string]model.Status{},
		tasks:    map[int]model.Task{},
		reports:  map[int]model.Report{},
	}
}

func (l *memLedger) AppendCommand(jobID, text, project string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.commands {
		if s == model.StatusPending {
			l.commands[id] = model.StatusSuperseded
		}
	}
	id := fmt.Sprintf("cmd_%d", len(l.order)+1)
	l.commands[id] = model.StatusPending
	l.order = append(l.order, id)
	return id, nil
}

func (l *memLedger) UpdateCommandStatus(id string, status model.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := model.ValidateCommandTransition(l.commands[id], status); err != nil {
		return err
	}
	l.commands[id] = status
	return nil
}

func (l *memLedger) status(id string) model.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commands[id]
}

func (l *memLedger) setAssigned(workers ...int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assigned = workers
	for _, w := range workers {
		l.tasks[w] = model.Task{TaskID: fmt.Sprintf("task_%d", w), Timestamp: "2026-01-02T03:04:05Z", Status: model.StatusAssigned}
	}
}

func (l *memLedger) AssignedWorkers() ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.assigned...), nil
}

func (l *memLedger) ReadTask(worker int) (model.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks[worker], nil
}

func (l *memLedger) WriteReport(worker int, r model.Report) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWrites > 0 {
		l.failWrites--
		return errors.New("disk full")
	}
	l.reports[worker] = r
	return nil
}

func (l *memLedger) report(worker int) (model.Report, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reports[worker]
	return r, ok
}

// fakeAgents scripts each phase. Unset hooks succeed.
type fakeAgents struct {
	ledger *memLedger

	command   func(ctx context.Context, input string) (string, error)
	assign    func(ctx context.Context, cmdID string) error
	work      func(ctx context.Context, worker int) (string, error)
	execute   error
	aggregate error

	mu    sync.Mutex
	calls []string
}

func (a *fakeAgents) record(call string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
}

func (a *fakeAgents) called(call string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (a *fakeAgents) Command(ctx context.Context, _, input, _ string, sink progress.Sink) (string, error) {
	a.record("command")
	sink.Emit("thinking about " + input)
	if a.command != nil {
		return a.command(ctx, input)
	}
	return "directive: " + input, nil
}

func (a *fakeAgents) Assign(ctx context.Context, cmdID, _ string, _ progress.Sink) (int, error) {
	a.record("assign")
	if a.assign != nil {
		if err := a.assign(ctx, cmdID); err != nil {
			return 0, err
		}
	}
	workers, _ := a.ledger.AssignedWorkers()
	return len(workers), nil
}

func (a *fakeAgents) Execute(_ context.Context, _ string, _ progress.Sink) error {
	a.record("execute")
	return a.execute
}

func (a *fakeAgents) Aggregate(_ context.Context, _ string, _ progress.Sink) error {
	a.record("aggregate")
	return a.aggregate
}

func (a *fakeAgents) Work(ctx context.Context, worker int, _ string, sink progress.Sink) (string, error) {
	a.record(fmt.Sprintf("work%d", worker))
	sink.Emit("working")
	if a.work != nil {
		return a.work(ctx, worker)
	}
	return fmt.Sprintf("worker %d done", worker), nil
}

// consume drains a ticket's events in the background, applying decide to
// any approval request. The returned func waits for the stream to close and
// returns every event.
func consume(t *Ticket, decide func(*approval.Gate)) func() []progress.Event {
	done := make(chan []progress.Event, 1)
	go func() {
		var evs []progress.Event
		for ev := range t.Events() {
			evs = append(evs, ev)
			if ev.Kind == progress.KindApproval && decide != nil {
				decide(ev.Gate)
			}
		}
		done <- evs
	}()
	return func() []progress.Event { return <-done }
}
