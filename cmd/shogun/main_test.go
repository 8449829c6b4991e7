package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/shogun/internal/uds"
)

// fakeDaemon serves scripted job snapshots and records decisions.
type fakeDaemon struct {
	mu        sync.Mutex
	snapshots []uds.JobResult
	calls     int
	decisions []string
}

func startFakeDaemon(t *testing.T, snapshots ...uds.JobResult) (*fakeDaemon, *uds.Client) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "shogun-cli-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "d.sock")

	fd := &fakeDaemon{snapshots: snapshots}
	srv := uds.NewServer(path, nil)
	srv.Handle(uds.CmdJob, func(*uds.Request) *uds.Response {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		i := min(fd.calls, len(fd.snapshots)-1)
		fd.calls++
		return uds.SuccessResponse(fd.snapshots[i])
	})
	for _, command := range []string{uds.CmdApprove, uds.CmdReject} {
		srv.Handle(command, func(req *uds.Request) *uds.Response {
			fd.mu.Lock()
			fd.decisions = append(fd.decisions, req.Command)
			fd.mu.Unlock()
			return uds.SuccessResponse(uds.DecisionResult{Changed: true})
		})
	}
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return fd, uds.NewClient(path)
}

func TestFollow_PrintsLinesAndResult(t *testing.T) {
	_, client := startFakeDaemon(t,
		uds.JobResult{JobID: "j1", Lines: []string{"[commander] thinking"}, Next: 1},
		uds.JobResult{JobID: "j1", Lines: []string{"[advisor] assigning"}, Next: 2},
		uds.JobResult{JobID: "j1", Next: 2, Done: true, Result: "directive queued (cmd_1)"},
	)
	var out bytes.Buffer
	require.NoError(t, follow(client, "j1", &out, nil, time.Millisecond))

	assert.Equal(t, "[commander] thinking\n[advisor] assigning\ndirective queued (cmd_1)\n", out.String())
}

func TestFollow_AsksOncePerQuestion(t *testing.T) {
	pending := uds.JobResult{JobID: "j1", PendingApproval: "Allow workers to run?"}
	fd, client := startFakeDaemon(t, pending, pending, pending,
		uds.JobResult{JobID: "j1", Done: true, Result: "ok"})

	var asked []string
	ask := func(q string) (bool, bool) {
		asked = append(asked, q)
		return true, true
	}
	var out bytes.Buffer
	require.NoError(t, follow(client, "j1", &out, ask, time.Millisecond))

	assert.Equal(t, []string{"Allow workers to run?"}, asked)
	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Equal(t, []string{uds.CmdApprove}, fd.decisions)
}

func TestFollow_NoPromptPrintsHint(t *testing.T) {
	fd, client := startFakeDaemon(t,
		uds.JobResult{JobID: "j1", PendingApproval: "Allow workers to run?"},
		uds.JobResult{JobID: "j1", Done: true, Result: "rejected"},
	)
	var out bytes.Buffer
	require.NoError(t, follow(client, "j1", &out, nil, time.Millisecond))

	assert.Contains(t, out.String(), "shogun approve j1")
	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Empty(t, fd.decisions)
}

func TestPromptDecision(t *testing.T) {
	tests := []struct {
		input       string
		wantApprove bool
		wantOK      bool
	}{
		{"y\n", true, true},
		{"YES\n", true, true},
		{"n\n", false, true},
		{"maybe\nno\n", false, true},
		{"", false, false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		approve, ok := promptDecision(strings.NewReader(tt.input), &out)("Proceed?")
		assert.Equal(t, tt.wantApprove, approve, tt.input)
		assert.Equal(t, tt.wantOK, ok, tt.input)
		assert.Contains(t, out.String(), "Proceed? [y/n]")
	}
}

func TestPrintHistory(t *testing.T) {
	var out bytes.Buffer
	printHistory(&out, nil)
	assert.Equal(t, "no finished jobs\n", out.String())

	out.Reset()
	printHistory(&out, []uds.HistoryEntry{{
		JobID:    "abc",
		Input:    "split\n the parser",
		Outcome:  "done",
		Finished: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	assert.Contains(t, out.String(), "done")
	assert.Contains(t, out.String(), "abc  split the parser")
}

func TestWorkspaceRoot_NotFound(t *testing.T) {
	workspaceDir = t.TempDir()
	t.Cleanup(func() { workspaceDir = "" })

	_, err := workspaceRoot()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shogun setup")
}
