// Package agent turns pipeline phases into jobs for the resident role
// processes: it builds prompts, resolves per-tier model settings, and keeps
// the task records in step with the advisor's assignments.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/shogun/internal/host"
	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/progress"
	"github.com/msageha/shogun/internal/store"
	"github.com/msageha/shogun/internal/wire"
)

// JobRunner is the part of the process host the service drives.
type JobRunner interface {
	RunJob(ctx context.Context, role model.Role, req wire.Request, sink progress.Sink, opts ...host.RunOption) (host.Result, error)
}

// ExitError reports a job that ran to completion with a failing exit code.
type ExitError struct {
	Role     model.Role
	ExitCode int
	Output   string
}

// exitErrorOutputLen caps, in runes, the output quoted by ExitError.
const exitErrorOutputLen = 200

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if r := []rune(out); len(r) > exitErrorOutputLen {
		out = string(r[:exitErrorOutputLen]) + "..."
	}
	if out == "" {
		return fmt.Sprintf("%s exited with code %d", e.Role, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Role, e.ExitCode, out)
}

type Service struct {
	cfg          model.Config
	runner       JobRunner
	store        *store.Store
	instructions *InstructionLoader
	logger       hclog.Logger
	tempDir      string
	now          func() time.Time
}

func NewService(cfg model.Config, runner JobRunner, st *store.Store, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		cfg:          cfg,
		runner:       runner,
		store:        st,
		instructions: NewInstructionLoader(st.StateDir()),
		logger:       logger.Named("agent"),
		tempDir:      os.TempDir(),
		now:          time.Now,
	}
}

// run sends one job to the process serving phase.
func (s *Service) run(ctx context.Context, phase model.Phase, worker int, prompt, cwd, modelOverride string, sink progress.Sink) (host.Result, error) {
	role := phase.Role(worker)
	if sink == nil {
		sink = progress.Discard
	}

	system, err := s.instructions.Load(role.Tier)
	if err != nil {
		return host.Result{}, fmt.Errorf("load instructions for %s: %w", role, err)
	}
	promptFile := filepath.Join(s.tempDir, "shogun-prompt-"+uuid.NewString()[:8]+".md")
	if err := os.WriteFile(promptFile, []byte(system), 0600); err != nil {
		return host.Result{}, fmt.Errorf("write system prompt: %w", err)
	}
	defer os.Remove(promptFile)

	agentCfg := s.cfg.AgentFor(role.Tier)
	modelID := agentCfg.Model
	if role.Tier == model.TierWorker && strings.TrimSpace(modelOverride) != "" {
		modelID = strings.TrimSpace(modelOverride)
	}
	req := wire.Request{
		Prompt:           prompt,
		SystemPromptFile: promptFile,
		ModelID:          modelID,
		Thinking:         agentCfg.Thinking,
		Cwd:              cwd,
	}

	s.logger.Info("job_dispatch", "role", role.String(), "phase", phase.String(), "model", modelID, "thinking", agentCfg.Thinking, "cwd", cwd)
	sink.Emit(fmt.Sprintf("sending %s job to %s", phase, role))
	res, err := s.runner.RunJob(ctx, role, req, sink)
	if err != nil {
		s.logger.Warn("job_failed", "role", role.String(), "phase", phase.String(), "error", err)
		sink.Emit(fmt.Sprintf("%s failed: %v", role, err))
		return res, err
	}
	if !res.Success {
		s.logger.Warn("job_nonzero_exit", "role", role.String(), "phase", phase.String(), "exit_code", res.ExitCode)
		sink.Emit(fmt.Sprintf("%s finished with exit code %d", role, res.ExitCode))
		return res, &ExitError{Role: role, ExitCode: res.ExitCode, Output: res.Output}
	}
	s.logger.Info("job_done", "role", role.String(), "phase", phase.String())
	sink.Emit(fmt.Sprintf("%s finished", role))
	return res, nil
}

// Command runs the commander on the user's input and returns the directive
// for the advisor. Empty commander output falls back to the input itself.
func (s *Service) Command(ctx context.Context, jobID, input, project string, sink progress.Sink) (string, error) {
	res, err := s.run(ctx, model.PhaseCommand, 0, BuildCommandPrompt(jobID, input, project), "", "", sink)
	if err != nil {
		return "", err
	}
	if directive := strings.TrimSpace(res.Output); directive != "" {
		return directive, nil
	}
	return input, nil
}

// Assign resets every worker record, asks the advisor for an assignment of
// the directive cmdID, and writes one task record per assigned worker. It
// returns how many tasks were written. Advisor output without a usable
// assignment writes nothing and is not an error.
func (s *Service) Assign(ctx context.Context, cmdID, project string, sink progress.Sink) (int, error) {
	if err := s.store.ResetAssignments(); err != nil {
		return 0, fmt.Errorf("reset assignments: %w", err)
	}
	res, err := s.run(ctx, model.PhaseAssign, 0, BuildAssignPrompt(cmdID, s.store.Workers()), "", "", sink)
	if err != nil {
		return 0, err
	}

	assignments, err := ParseAssignments(res.Output)
	if err != nil {
		s.logger.Warn("assignment_unparsable", "command_id", cmdID, "error", err)
		return 0, nil
	}

	written := 0
	for _, a := range assignments {
		if a.Worker < 1 || a.Worker > s.store.Workers() || strings.TrimSpace(a.Description) == "" {
			s.logger.Warn("assignment_skipped", "command_id", cmdID, "worker", a.Worker)
			continue
		}
		taskID, err := model.NewRecordID(model.KindTask, s.now())
		if err != nil {
			return written, err
		}
		p := a.Project
		if p == "" {
			p = project
		}
		task := model.Task{
			TaskID:        taskID,
			ParentCmd:     cmdID,
			Description:   a.Description,
			TargetPath:    a.TargetPath,
			Project:       p,
			ModelOverride: a.ModelOverride,
			Status:        model.StatusAssigned,
			Timestamp:     s.now().UTC().Format(time.RFC3339),
		}
		if err := s.store.WriteTask(a.Worker, task); err != nil {
			return written, fmt.Errorf("write task for worker %d: %w", a.Worker, err)
		}
		written++
	}
	s.logger.Info("tasks_assigned", "command_id", cmdID, "count", written)
	return written, nil
}

// Execute has the advisor act on the collected reports.
func (s *Service) Execute(ctx context.Context, cmdID string, sink progress.Sink) error {
	_, err := s.run(ctx, model.PhaseExecute, 0, BuildExecutePrompt(cmdID), "", "", sink)
	return err
}

// Aggregate has the advisor fold the reports into the dashboard.
func (s *Service) Aggregate(ctx context.Context, cmdID string, sink progress.Sink) error {
	_, err := s.run(ctx, model.PhaseReport, 0, BuildReportPrompt(cmdID), "", "", sink)
	return err
}

// Work runs worker on its task record. The output is returned on failure
// too so it can be reported.
func (s *Service) Work(ctx context.Context, worker int, project string, sink progress.Sink) (string, error) {
	task, err := s.store.ReadTask(worker)
	if err != nil {
		return "", err
	}

	cwd := s.workCwd(task, project)
	var taskYAML []byte
	if cwd != "" {
		taskYAML, err = yamlv3.Marshal(&model.TaskFile{Task: task})
		if err != nil {
			return "", fmt.Errorf("encode task: %w", err)
		}
	}
	prompt := BuildWorkPrompt(worker, task, string(taskYAML), s.store.ReportPath(worker), cwd != "")

	res, err := s.run(ctx, model.PhaseWork, worker, prompt, cwd, task.ModelOverride, sink)
	return res.Output, err
}

// workCwd returns the project root a worker should run in, or "" to keep
// the workspace root. Tasks that target the workspace's own files stay in
// the workspace.
func (s *Service) workCwd(task model.Task, project string) string {
	if targetsWorkspace(task.TargetPath) {
		return ""
	}
	id := task.Project
	if id == "" {
		id = project
	}
	root := s.store.ProjectRoot(id)
	if root == "" {
		return ""
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return ""
	}
	return root
}

func targetsWorkspace(target string) bool {
	target = strings.TrimSpace(filepath.ToSlash(target))
	if target == "" {
		return false
	}
	if strings.HasPrefix(target, "queue/") || strings.HasPrefix(target, "config/") || strings.HasPrefix(target, ".shogun/") {
		return true
	}
	base := strings.ToLower(filepath.Base(target))
	return base == "dashboard.md" || (strings.HasPrefix(base, "worker") && strings.HasSuffix(base, ".yaml"))
}

// IsExit reports whether err is a completed job with a failing exit code.
func IsExit(err error) bool {
	var e *ExitError
	return errors.As(err, &e)
}
