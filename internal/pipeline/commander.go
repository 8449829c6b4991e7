package pipeline

import (
	"fmt"

	"github.com/msageha/shogun/internal/events"
	"github.com/msageha/shogun/internal/progress"
)

func (p *Pipeline) runCommander() {
	defer p.wg.Done()
	for {
		j, err := p.commanderQ.Pop(p.ctx)
		if err != nil {
			return
		}
		p.opts.Metrics.QueueDepth("commander", p.commanderQ.Len())
		if p.stopping() {
			p.finish(j, shutdownMessage, outcomeShutdown)
			return
		}
		p.handleCommand(j)
	}
}

// handleCommand turns the request into a recorded directive and hands it to
// the advisor. A failure ends the job here.
func (p *Pipeline) handleCommand(j *job) {
	defer p.guard(j, "commander", false)

	sink := j.stream.Sink(progress.KindCommander, 0)
	directive, err := p.agents.Command(p.ctx, j.id, j.input, j.project, sink)
	if err != nil {
		if p.stopping() {
			p.finish(j, shutdownMessage, outcomeShutdown)
			return
		}
		p.finish(j, "error: commander failed: "+describe(err), outcomeError)
		return
	}

	cmdID, err := p.ledger.AppendCommand(j.id, directive, j.project)
	if err != nil {
		p.finish(j, "error: could not record directive: "+describe(err), outcomeError)
		return
	}
	sink.Emit(fmt.Sprintf("directive %s queued for the advisor", cmdID))
	p.opts.Bus.Publish(events.EventDirectiveQueued, map[string]any{"job_id": j.id, "command_id": cmdID})
	p.logger.Info("directive_queued", "job_id", j.id, "command_id", cmdID)

	if err := p.advisorQ.Push(&advisorJob{job: j, cmdID: cmdID}); err != nil {
		p.finish(j, fmt.Sprintf("directive queued (%s); %s", cmdID, shutdownMessage), outcomeShutdown)
		return
	}
	p.opts.Metrics.QueueDepth("advisor", p.advisorQ.Len())
}
