package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/shogun/internal/model"
)

func newStore(t *testing.T, workers int) *Store {
	t.Helper()
	s := New(t.TempDir(), workers, nil)
	require.NoError(t, s.Init())
	return s
}

func TestInit_ResetsWorkersToIdle(t *testing.T) {
	s := newStore(t, 3)

	for i := 1; i <= 3; i++ {
		task, err := s.ReadTask(i)
		require.NoError(t, err)
		assert.Equal(t, model.StatusIdle, task.Status)

		rep, err := s.ReadReport(i)
		require.NoError(t, err)
		assert.Equal(t, model.StatusIdle, rep.Status)
		assert.Equal(t, model.Worker(i).String(), rep.WorkerID)
	}
	assert.DirExists(t, filepath.Join(s.Root(), "config"))
}

func TestAppendCommand_SupersedesPending(t *testing.T) {
	s := newStore(t, 1)

	first, err := s.AppendCommand("job-1", "refactor module X", "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateCommandStatus(first, model.StatusDone))

	second, err := s.AppendCommand("job-2", "add tests", "core")
	require.NoError(t, err)
	third, err := s.AppendCommand("job-3", "fix lint", "")
	require.NoError(t, err)
	assert.True(t, model.IsRecordID(third))

	cmds, err := s.Commands()
	require.NoError(t, err)
	require.Len(t, cmds, 3)

	byID := map[string]model.Command{}
	for _, c := range cmds {
		byID[c.ID] = c
	}
	assert.Equal(t, model.StatusDone, byID[first].Status)
	assert.Equal(t, model.StatusSuperseded, byID[second].Status)
	assert.Equal(t, "core", byID[second].Project)
	assert.Equal(t, model.StatusPending, byID[third].Status)
	assert.Equal(t, "job-3", byID[third].JobID)
}

func TestUpdateCommandStatus(t *testing.T) {
	s := newStore(t, 1)
	id, err := s.AppendCommand("job", "do it", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateCommandStatus(id, model.StatusFailed))
	assert.Error(t, s.UpdateCommandStatus(id, model.StatusDone), "terminal status must not change")
	assert.Error(t, s.UpdateCommandStatus("cmd_missing", model.StatusDone))
}

func TestAssignedWorkers(t *testing.T) {
	s := newStore(t, 4)

	require.NoError(t, s.WriteTask(3, model.Task{TaskID: "t3", Description: "c", Status: model.StatusAssigned}))
	require.NoError(t, s.WriteTask(1, model.Task{TaskID: "t1", Description: "a", Status: model.StatusAssigned}))
	require.NoError(t, s.WriteTask(2, model.Task{TaskID: "t2", Description: "", Status: model.StatusAssigned}))

	got, err := s.AssignedWorkers()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, got)

	require.NoError(t, s.ResetAssignments())
	got, err = s.AssignedWorkers()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWorkerRange(t *testing.T) {
	s := newStore(t, 2)

	tests := []struct {
		name   string
		worker int
	}{
		{"zero", 0},
		{"negative", -1},
		{"above count", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.WriteTask(tt.worker, model.Task{}), ErrWorkerRange)
			_, err := s.ReadReport(tt.worker)
			assert.ErrorIs(t, err, ErrWorkerRange)
		})
	}
}

func TestReadTask_CorruptRecordIsQuarantined(t *testing.T) {
	s := New(t.TempDir(), 1, nil)
	path := s.TaskPath(1)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("task: [\n"), 0644))

	task, err := s.ReadTask(1)
	require.NoError(t, err)
	assert.Equal(t, model.Task{}, task)

	entries, err := os.ReadDir(filepath.Join(s.StateDir(), "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProjectRoot(t *testing.T) {
	s := newStore(t, 1)
	data := "projects:\n  - id: core\n    path: /src/core/\n  - id: web\n    path: /src/web\n"
	require.NoError(t, os.WriteFile(s.ProjectsPath(), []byte(data), 0644))

	assert.Equal(t, "/src/core", s.ProjectRoot("core"))
	assert.Equal(t, "/src/web", s.ProjectRoot(" web "))
	assert.Equal(t, "", s.ProjectRoot("missing"))
	assert.Equal(t, "", s.ProjectRoot(""))
}

func TestReadDashboard(t *testing.T) {
	s := newStore(t, 1)

	got, err := s.ReadDashboard()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, os.WriteFile(s.DashboardPath(), []byte("# Dashboard\n"), 0644))
	got, err = s.ReadDashboard()
	require.NoError(t, err)
	assert.Equal(t, "# Dashboard\n", got)
}
