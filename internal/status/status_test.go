package status

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/store"
	"github.com/msageha/shogun/internal/uds"
)

func seedWorkspace(t *testing.T) (string, model.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := model.ApplyDefaults(model.Config{Workers: model.WorkersConfig{Count: 2}})
	st := store.New(root, 2, nil)
	require.NoError(t, st.Init())

	id, err := st.AppendCommand("job-1", "split the parser", "")
	require.NoError(t, err)
	require.NoError(t, st.WriteTask(1, model.Task{
		TaskID:      "task_0000000001_aaaaaaaa",
		ParentCmd:   id,
		Description: "move lexer into its own package",
		Status:      model.StatusAssigned,
	}))
	require.NoError(t, st.WriteReport(1, model.Report{TaskID: "task_0000000001_aaaaaaaa", Status: model.StatusFailed, Result: "tests fail"}))
	return root, cfg
}

func TestCollect_DaemonStopped(t *testing.T) {
	root, cfg := seedWorkspace(t)
	r := Collect(root, cfg)

	assert.False(t, r.Daemon.Running)
	assert.Nil(t, r.Live)
	require.Len(t, r.Commands, 1)
	assert.Equal(t, "split the parser", r.Commands[0].Command)
	require.Len(t, r.Workers, 2)
	assert.Equal(t, WorkerRecord{
		Role:         "worker1",
		TaskID:       "task_0000000001_aaaaaaaa",
		TaskStatus:   "assigned",
		Description:  "move lexer into its own package",
		ReportStatus: "failed",
	}, r.Workers[0])
	assert.Equal(t, "idle", r.Workers[1].TaskStatus)
}

func TestRun_JSON(t *testing.T) {
	root, cfg := seedWorkspace(t)
	var buf bytes.Buffer
	require.NoError(t, Run(root, cfg, true, &buf))

	var got Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.False(t, got.Daemon.Running)
	assert.Len(t, got.Workers, 2)
}

func TestRender(t *testing.T) {
	r := Report{
		Daemon: DaemonStatus{Running: true, Pid: 321},
		Live: &uds.StatusResult{
			Approval: "prompt_user",
			Roles: []uds.RoleStatus{
				{Role: "commander", Ready: true},
				{Role: "worker1", Ready: true, Busy: true, Queue: 2},
			},
			Jobs: []uds.JobSummary{{JobID: "0123456789abcdef", Input: "refactor module X", PendingApproval: true}},
		},
		Workers:  []WorkerRecord{{Role: "worker1", TaskStatus: "assigned", ReportStatus: "-"}},
		Commands: []model.Command{{ID: "cmd_1", Command: "refactor", Status: model.StatusPending}},
	}
	out := Render(r)

	for _, want := range []string{"pid 321", "prompt_user", "commander", "busy", "queue 2", "01234567", "awaiting approval", "refactor module X", "cmd_1"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "0123456789abcdef")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
