package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/msageha/shogun/internal/events"
	"github.com/msageha/shogun/internal/model"
)

func (p *Pipeline) runWorker(index int) {
	defer p.wg.Done()
	q := p.workerQs[index-1]
	for {
		wj, err := q.Pop(p.ctx)
		if err != nil {
			return
		}
		p.opts.Metrics.QueueDepth(model.Worker(index).String(), q.Len())
		if p.stopping() {
			wj.result.resolve(false)
			return
		}
		p.handleWork(wj)
	}
}

// handleWork runs the worker on its task and always leaves a report behind.
// Any panic resolves the job as failed, with an error report when none was
// attempted yet.
func (p *Pipeline) handleWork(wj *workerJob) {
	succeeded := false
	reported := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("loop_panic", "stage", "worker", "worker", wj.index, "job_id", wj.job.id, "panic", r)
			succeeded = false
			if !reported {
				p.writeReport(wj.index, false, fmt.Sprintf("internal error: %v", r))
			}
		}
		wj.result.resolve(succeeded)
	}()

	out, err := p.agents.Work(p.ctx, wj.index, wj.job.project, wj.sink)
	ok := err == nil
	if err != nil && strings.TrimSpace(out) == "" {
		out = err.Error()
	}
	reported = true
	p.writeReport(wj.index, ok, out)

	p.opts.Bus.Publish(events.EventWorkerFinished, map[string]any{
		"job_id":  wj.job.id,
		"role":    model.Worker(wj.index).String(),
		"success": ok,
	})
	succeeded = ok
}

// writeReport records the worker's outcome. When the record cannot be
// written a short error report is attempted instead.
func (p *Pipeline) writeReport(index int, ok bool, output string) {
	taskID := "unknown"
	timestamp := p.now().UTC().Format(time.RFC3339)
	if task, err := p.ledger.ReadTask(index); err == nil {
		if task.TaskID != "" {
			taskID = task.TaskID
		}
		if task.Timestamp != "" {
			timestamp = task.Timestamp
		}
	}

	status := model.StatusDone
	if !ok {
		status = model.StatusFailed
	}
	report := model.Report{
		WorkerID:  model.Worker(index).String(),
		TaskID:    taskID,
		Timestamp: timestamp,
		Status:    status,
		Result:    FormatReportResult(output),
	}
	err := p.ledger.WriteReport(index, report)
	if err == nil {
		return
	}

	p.logger.Error("report_write_failed", "worker", index, "task_id", taskID, "error", err)
	report.Status = model.StatusError
	report.Result = truncateRunes(sanitize(fmt.Sprintf("report could not be saved: %v", err)), fallbackResultLen)
	if err := p.ledger.WriteReport(index, report); err != nil {
		p.logger.Error("fallback_report_write_failed", "worker", index, "task_id", taskID, "error", err)
	}
}
