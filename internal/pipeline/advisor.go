package pipeline

import (
	"fmt"
	"strings"

	"github.com/msageha/shogun/internal/approval"
	"github.com/msageha/shogun/internal/events"
	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/progress"
)

func (p *Pipeline) runAdvisor() {
	defer p.wg.Done()
	for {
		aj, err := p.advisorQ.Pop(p.ctx)
		if err != nil {
			return
		}
		p.opts.Metrics.QueueDepth("advisor", p.advisorQ.Len())
		if p.stopping() {
			p.finish(aj.job, fmt.Sprintf("directive queued (%s); %s", aj.cmdID, shutdownMessage), outcomeShutdown)
			return
		}
		p.handleAdvisor(aj)
	}
}

// handleAdvisor assigns the directive, fans out to the assigned workers,
// joins on all of them, applies the approval policy, and runs the
// execution and report phases.
func (p *Pipeline) handleAdvisor(aj *advisorJob) {
	j := aj.job
	defer p.guard(j, "advisor", true)

	sink := j.stream.Sink(progress.KindAdvisor, 0)
	prefix := fmt.Sprintf("directive queued (%s)", aj.cmdID)

	if _, err := p.agents.Assign(p.ctx, aj.cmdID, j.project, sink); err != nil {
		if p.stopping() {
			p.finish(j, prefix+"; "+shutdownMessage, outcomeShutdown)
			return
		}
		p.closeCommand(aj.cmdID, model.StatusFailed)
		p.finish(j, prefix+"; advisor failed: "+describe(err), outcomeError)
		return
	}

	workers, err := p.ledger.AssignedWorkers()
	if err != nil {
		p.closeCommand(aj.cmdID, model.StatusFailed)
		p.finish(j, prefix+"; could not read assignments: "+describe(err), outcomeError)
		return
	}
	if len(workers) == 0 {
		p.closeCommand(aj.cmdID, model.StatusFailed)
		p.finish(j, prefix+"; no workers assigned", outcomeFailed)
		return
	}

	failed, ok := p.fanOut(aj, workers)
	if !ok {
		p.finish(j, prefix+"; "+shutdownMessage, outcomeShutdown)
		return
	}
	workSummary := fmt.Sprintf("%d/%d workers succeeded", len(workers)-len(failed), len(workers))
	if len(failed) > 0 {
		workSummary += " (failed: " + strings.Join(failed, ", ") + ")"
	}
	sink.Emit(workSummary)

	approved, reason, ok := p.decide(aj, workSummary)
	if !ok {
		p.finish(j, prefix+"; "+workSummary+"; "+shutdownMessage, outcomeShutdown)
		return
	}

	parts := []string{workSummary}
	allOK := len(failed) == 0
	if approved {
		if err := p.agents.Execute(p.ctx, aj.cmdID, sink); err != nil {
			parts = append(parts, "execution failed: "+describe(err))
			allOK = false
		} else {
			parts = append(parts, "execution done")
		}
	} else {
		parts = append(parts, "execution skipped ("+reason+")")
	}

	reportSink := j.stream.Sink(progress.KindReport, 0)
	if err := p.agents.Aggregate(p.ctx, aj.cmdID, reportSink); err != nil {
		parts = append(parts, "report failed: "+describe(err))
		allOK = false
	} else {
		parts = append(parts, "report done")
	}

	outcome := outcomeDone
	status := model.StatusDone
	if !allOK {
		outcome = outcomeFailed
		status = model.StatusFailed
	}
	p.closeCommand(aj.cmdID, status)
	p.finish(j, fmt.Sprintf("completed (%s): %s", aj.cmdID, strings.Join(parts, "; ")), outcome)
}

// fanOut pushes one job per assigned worker and waits for all of them. It
// returns the roles that failed, or ok=false when the pipeline stopped
// while waiting.
func (p *Pipeline) fanOut(aj *advisorJob, workers []int) (failed []string, ok bool) {
	j := aj.job
	p.opts.Bus.Publish(events.EventWorkersDispatched, map[string]any{
		"job_id":     j.id,
		"command_id": aj.cmdID,
		"workers":    workers,
	})
	p.logger.Info("workers_dispatched", "job_id", j.id, "command_id", aj.cmdID, "workers", workers)

	jobs := make([]*workerJob, 0, len(workers))
	for _, i := range workers {
		wj := &workerJob{
			job:    j,
			index:  i,
			sink:   j.stream.Sink(progress.KindWorker, i),
			result: newPromise[bool](),
		}
		jobs = append(jobs, wj)
		if i < 1 || i > len(p.workerQs) {
			wj.sink.Emit(fmt.Sprintf("no worker %d in this formation", i))
			wj.result.resolve(false)
			continue
		}
		q := p.workerQs[i-1]
		if err := q.Push(wj); err != nil {
			wj.result.resolve(false)
			continue
		}
		p.opts.Metrics.QueueDepth(model.Worker(i).String(), q.Len())
	}

	for _, wj := range jobs {
		succeeded, err := wj.result.wait(p.ctx)
		if err != nil {
			return nil, false
		}
		if !succeeded {
			failed = append(failed, model.Worker(wj.index).String())
		}
	}
	return failed, true
}

// decide applies the approval policy. ok is false when the pipeline stopped
// while waiting for a user decision.
func (p *Pipeline) decide(aj *advisorJob, workSummary string) (approved bool, reason string, ok bool) {
	j := aj.job
	switch p.opts.Approval {
	case approval.AlwaysAllow:
		approved = true
	case approval.AlwaysReject:
		reason = "approval policy rejects execution"
	default:
		aj.gate = approval.NewGate()
		j.stream.RequestApproval(aj.gate, fmt.Sprintf("execute directive %s? %s", aj.cmdID, workSummary))
		p.opts.Bus.Publish(events.EventApprovalRequested, map[string]any{"job_id": j.id, "command_id": aj.cmdID})
		p.logger.Info("approval_requested", "job_id", j.id, "command_id", aj.cmdID)

		var err error
		approved, err = aj.gate.Wait(p.ctx)
		if err != nil {
			return false, "", false
		}
		if !approved {
			reason = "rejected by user"
		}
	}
	p.opts.Bus.Publish(events.EventApprovalDecided, map[string]any{
		"job_id":     j.id,
		"command_id": aj.cmdID,
		"approved":   approved,
		"mode":       p.opts.Approval.String(),
	})
	return approved, reason, true
}

// closeCommand moves the directive to a terminal status. A directive that
// was superseded in the meantime keeps that status.
func (p *Pipeline) closeCommand(cmdID string, status model.Status) {
	if err := p.ledger.UpdateCommandStatus(cmdID, status); err != nil {
		p.logger.Debug("command_status_unchanged", "command_id", cmdID, "status", string(status), "error", err)
	}
}
