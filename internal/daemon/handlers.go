package daemon

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/pipeline"
	"github.com/msageha/shogun/internal/uds"
)

const defaultHistoryLimit = 20

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle(uds.CmdSubmit, d.handleSubmit)
	d.server.Handle(uds.CmdJob, d.handleJob)
	d.server.Handle(uds.CmdApprove, func(req *uds.Request) *uds.Response { return d.handleDecision(req, true) })
	d.server.Handle(uds.CmdReject, func(req *uds.Request) *uds.Response { return d.handleDecision(req, false) })
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdHistory, d.handleHistory)
	d.server.Handle(uds.CmdShutdown, func(*uds.Request) *uds.Response {
		d.logger.Info("shutdown_requested", "via", "socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleSubmit(req *uds.Request) *uds.Response {
	var p uds.SubmitParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if strings.TrimSpace(p.Input) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "input is required")
	}
	if p.ProjectID != "" && d.store.ProjectRoot(p.ProjectID) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "unknown project: "+p.ProjectID)
	}

	tk, err := d.pipeline.Submit(p.Input, p.ProjectID)
	if errors.Is(err, pipeline.ErrStopped) {
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
	}
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	d.tracker.Track(tk)
	return uds.SuccessResponse(uds.SubmitResult{JobID: tk.ID})
}

func (d *Daemon) handleJob(req *uds.Request) *uds.Response {
	var p uds.JobParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	res, err := d.tracker.Snapshot(p.JobID, p.Since)
	if errors.Is(err, ErrUnknownJob) {
		return d.historyFallback(p.JobID)
	}
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(res)
}

// historyFallback answers a job query for a job that is no longer tracked
// in memory.
func (d *Daemon) historyFallback(jobID string) *uds.Response {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, ok, err := d.history.Get(ctx, jobID)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeNotFound, "no job "+jobID)
	}
	return uds.SuccessResponse(uds.JobResult{JobID: jobID, Done: true, Result: e.Result})
}

func (d *Daemon) handleDecision(req *uds.Request, approve bool) *uds.Response {
	var p uds.DecisionParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	changed, err := d.tracker.Decide(p.JobID, approve)
	switch {
	case errors.Is(err, ErrUnknownJob):
		return uds.ErrorResponse(uds.ErrCodeNotFound, "no job "+p.JobID)
	case errors.Is(err, ErrNoPendingChoice):
		return uds.ErrorResponse(uds.ErrCodeValidation, "job "+p.JobID+" is not waiting for approval")
	case err != nil:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(uds.DecisionResult{Changed: changed})
}

func (d *Daemon) handleStatus(*uds.Request) *uds.Response {
	depths := d.pipeline.QueueDepths()
	res := uds.StatusResult{
		Workspace: d.root,
		Approval:  d.config.Approval.Mode,
		Jobs:      d.tracker.Summaries(),
	}
	for _, role := range model.Roles(d.config.Workers.Count) {
		res.Roles = append(res.Roles, uds.RoleStatus{
			Role:  role.String(),
			Ready: d.isReady(role),
			Busy:  d.host.Busy(role),
			Queue: depths[role.String()],
		})
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleHistory(req *uds.Request) *uds.Response {
	p := uds.HistoryParams{Limit: defaultHistoryLimit}
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := d.history.List(ctx, p.Limit)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	res := uds.HistoryResult{Entries: make([]uds.HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		res.Entries = append(res.Entries, uds.HistoryEntry{
			JobID:     e.JobID,
			Project:   e.Project,
			Input:     e.Input,
			Outcome:   e.Outcome,
			Result:    e.Result,
			Submitted: e.Submitted,
			Finished:  e.Finished,
		})
	}
	return uds.SuccessResponse(res)
}
