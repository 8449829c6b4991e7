// Package store keeps the durable command log, per-worker task and report
// records, and the project map under a workspace root.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/msageha/shogun/internal/lock"
	"github.com/msageha/shogun/internal/model"
	yamlutil "github.com/msageha/shogun/internal/yaml"
)

var ErrWorkerRange = errors.New("worker index out of range")

const (
	commandLogKey = "command_log"
	projectsKey   = "projects"
)

type Store struct {
	root    string
	workers int
	locks   *lock.MutexMap
	logger  hclog.Logger
	now     func() time.Time
}

func New(root string, workers int, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		root:    root,
		workers: workers,
		locks:   lock.NewMutexMap(),
		logger:  logger.Named("store"),
		now:     time.Now,
	}
}

func (s *Store) Root() string { return s.root }
func (s *Store) Workers() int { return s.workers }
func (s *Store) StateDir() string { return filepath.Join(s.root, ".shogun") }

func (s *Store) CommandLogPath() string {
	return filepath.Join(s.root, "queue", "commander_to_advisor.yaml")
}

func (s *Store) TaskPath(worker int) string {
	return filepath.Join(s.root, "queue", "tasks", fmt.Sprintf("worker%d.yaml", worker))
}

func (s *Store) ReportPath(worker int) string {
	return filepath.Join(s.root, "queue", "reports", fmt.Sprintf("worker%d_report.yaml", worker))
}

func (s *Store) DashboardPath() string { return filepath.Join(s.root, "dashboard.md") }
func (s *Store) ProjectsPath() string { return filepath.Join(s.root, "config", "projects.yaml") }

// Init creates the queue layout and resets every worker record to idle.
func (s *Store) Init() error {
	for _, dir := range []string{
		filepath.Join(s.root, "queue", "tasks"),
		filepath.Join(s.root, "queue", "reports"),
		filepath.Join(s.root, "config"),
		s.StateDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s.ResetAssignments()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Store) checkWorker(worker int) error {
	if worker < 1 || worker > s.workers {
		return fmt.Errorf("%w: %d (1..%d)", ErrWorkerRange, worker, s.workers)
	}
	return nil
}

// read loads path into v, quarantining it when unparsable. A missing or
// unrecoverable file leaves v at its zero value.
func (s *Store) read(path string, v any) error {
	recovered, err := yamlutil.ReadOrRecover(s.StateDir(), path, v)
	if recovered {
		s.logger.Warn("corrupt_record_quarantined", "path", path)
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) write(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	return yamlutil.AtomicWrite(path, v)
}

// AppendCommand records a new pending directive. Older pending entries are
// marked superseded so only the newest directive is in flight.
func (s *Store) AppendCommand(jobID, text, project string) (string, error) {
	s.locks.Lock(commandLogKey)
	defer s.locks.Unlock(commandLogKey)

	var log model.CommandLog
	if err := s.read(s.CommandLogPath(), &log); err != nil {
		return "", fmt.Errorf("read command log: %w", err)
	}
	for i := range log.Queue {
		if log.Queue[i].Status == model.StatusPending {
			log.Queue[i].Status = model.StatusSuperseded
		}
	}

	id, err := model.NewRecordID(model.KindCommand, s.now())
	if err != nil {
		return "", err
	}
	log.Queue = append(log.Queue, model.Command{
		ID:        id,
		JobID:     jobID,
		Timestamp: s.timestamp(),
		Command:   text,
		Project:   project,
		Priority:  "medium",
		Status:    model.StatusPending,
	})
	if err := s.write(s.CommandLogPath(), &log); err != nil {
		return "", fmt.Errorf("write command log: %w", err)
	}
	s.logger.Debug("command_appended", "command_id", id, "job_id", jobID)
	return id, nil
}

func (s *Store) Commands() ([]model.Command, error) {
	s.locks.Lock(commandLogKey)
	defer s.locks.Unlock(commandLogKey)

	var log model.CommandLog
	if err := s.read(s.CommandLogPath(), &log); err != nil {
		return nil, fmt.Errorf("read command log: %w", err)
	}
	return log.Queue, nil
}

func (s *Store) UpdateCommandStatus(id string, status model.Status) error {
	s.locks.Lock(commandLogKey)
	defer s.locks.Unlock(commandLogKey)

	var log model.CommandLog
	if err := s.read(s.CommandLogPath(), &log); err != nil {
		return fmt.Errorf("read command log: %w", err)
	}
	for i := range log.Queue {
		if log.Queue[i].ID != id {
			continue
		}
		if err := model.ValidateCommandTransition(log.Queue[i].Status, status); err != nil {
			return fmt.Errorf("command %s: %w", id, err)
		}
		log.Queue[i].Status = status
		return s.write(s.CommandLogPath(), &log)
	}
	return fmt.Errorf("command %s not found", id)
}

// ResetAssignments marks every worker's task and report idle so stale
// records from an earlier directive never count as assigned.
func (s *Store) ResetAssignments() error {
	var errs []error
	for i := 1; i <= s.workers; i++ {
		if err := s.WriteTask(i, model.Task{Status: model.StatusIdle}); err != nil {
			errs = append(errs, err)
		}
		if err := s.WriteReport(i, model.Report{WorkerID: model.Worker(i).String(), Status: model.StatusIdle}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) WriteTask(worker int, t model.Task) error {
	if err := s.checkWorker(worker); err != nil {
		return err
	}
	path := s.TaskPath(worker)
	s.locks.Lock(path)
	defer s.locks.Unlock(path)
	return s.write(path, &model.TaskFile{Task: t})
}

// ReadTask returns the worker's task record, or an empty record when none
// exists.
func (s *Store) ReadTask(worker int) (model.Task, error) {
	if err := s.checkWorker(worker); err != nil {
		return model.Task{}, err
	}
	path := s.TaskPath(worker)
	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	var f model.TaskFile
	if err := s.read(path, &f); err != nil {
		return model.Task{}, fmt.Errorf("read task for worker %d: %w", worker, err)
	}
	return f.Task, nil
}

// AssignedWorkers lists, in ascending order, the workers whose task record
// holds assigned work.
func (s *Store) AssignedWorkers() ([]int, error) {
	var out []int
	for i := 1; i <= s.workers; i++ {
		t, err := s.ReadTask(i)
		if err != nil {
			return nil, err
		}
		if t.Assigned() {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *Store) WriteReport(worker int, r model.Report) error {
	if err := s.checkWorker(worker); err != nil {
		return err
	}
	if r.WorkerID == "" {
		r.WorkerID = model.Worker(worker).String()
	}
	path := s.ReportPath(worker)
	s.locks.Lock(path)
	defer s.locks.Unlock(path)
	return s.write(path, &model.ReportFile{Report: r})
}

func (s *Store) ReadReport(worker int) (model.Report, error) {
	if err := s.checkWorker(worker); err != nil {
		return model.Report{}, err
	}
	path := s.ReportPath(worker)
	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	var f model.ReportFile
	if err := s.read(path, &f); err != nil {
		return model.Report{}, fmt.Errorf("read report for worker %d: %w", worker, err)
	}
	return f.Report, nil
}

// ReadDashboard returns dashboard.md, or "" when the advisor has not written
// one yet.
func (s *Store) ReadDashboard() (string, error) {
	data, err := os.ReadFile(s.DashboardPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Store) Projects() ([]model.Project, error) {
	s.locks.Lock(projectsKey)
	defer s.locks.Unlock(projectsKey)

	var f model.ProjectsFile
	if err := s.read(s.ProjectsPath(), &f); err != nil {
		return nil, fmt.Errorf("read projects: %w", err)
	}
	return f.Projects, nil
}

// ProjectRoot resolves a project id to its directory. It returns "" for an
// empty or unknown id.
func (s *Store) ProjectRoot(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	projects, err := s.Projects()
	if err != nil {
		s.logger.Warn("projects_unreadable", "error", err)
		return ""
	}
	for _, p := range projects {
		if p.ID == id {
			return strings.TrimRight(strings.TrimSpace(p.Path), "/")
		}
	}
	return ""
}
