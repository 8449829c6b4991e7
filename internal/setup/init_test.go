package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/store"
)

func newWorkspace(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "myproject")
	require.NoError(t, os.Mkdir(dir, 0755))
	return dir
}

func TestRun_CreatesLayout(t *testing.T) {
	dir := newWorkspace(t)
	require.NoError(t, Run(dir, ""))

	for _, d := range []string{
		".shogun/instructions",
		".shogun/logs",
		".shogun/locks",
		".shogun/quarantine",
		"queue/tasks",
		"queue/reports",
		"config",
	} {
		info, err := os.Stat(filepath.Join(dir, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}
	for _, f := range []string{
		".shogun/shogun.md",
		".shogun/instructions/commander.md",
		".shogun/instructions/advisor.md",
		".shogun/instructions/worker.md",
		"dashboard.md",
		"config/projects.yaml",
	} {
		data, err := os.ReadFile(filepath.Join(dir, f))
		require.NoError(t, err, f)
		assert.NotEmpty(t, data, f)
	}
}

func TestRun_WritesConfig(t *testing.T) {
	dir := newWorkspace(t)
	require.NoError(t, Run(dir, ""))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, "myproject", cfg.Project.Name)
	assert.Equal(t, abs, cfg.Project.Root)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, "prompt_user", cfg.Approval.Mode)
	assert.Equal(t, "claude", cfg.Runtime.CLI)
}

func TestRun_ProjectNameOverride(t *testing.T) {
	dir := newWorkspace(t)
	require.NoError(t, Run(dir, "custom"))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Project.Name)
}

func TestRun_WorkerRecordsIdle(t *testing.T) {
	dir := newWorkspace(t)
	require.NoError(t, Run(dir, ""))

	st := store.New(dir, 8, nil)
	for i := 1; i <= 8; i++ {
		task, err := st.ReadTask(i)
		require.NoError(t, err)
		assert.Equal(t, model.StatusIdle, task.Status)
		rep, err := st.ReadReport(i)
		require.NoError(t, err)
		assert.Equal(t, model.StatusIdle, rep.Status)
	}
	projects, err := st.Projects()
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestRun_AlreadyExists(t *testing.T) {
	dir := newWorkspace(t)
	require.NoError(t, Run(dir, ""))

	err := Run(dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestFindRoot(t *testing.T) {
	dir := newWorkspace(t)
	require.NoError(t, Run(dir, ""))
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, abs, FindRoot(nested))
	assert.Equal(t, abs, FindRoot(dir))
	assert.Empty(t, FindRoot(t.TempDir()))
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err)
}
