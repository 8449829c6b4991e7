package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseRole(t *testing.T) {
	tests := []struct {
		phase Phase
		want  Role
	}{
		{PhaseCommand, Commander},
		{PhaseAssign, Advisor},
		{PhaseExecute, Advisor},
		{PhaseReport, Advisor},
		{PhaseWork, Worker(3)},
	}
	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.phase.Role(3))
		})
	}
}

func TestRoleStringRoundTrip(t *testing.T) {
	for _, r := range Roles(3) {
		parsed, err := ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
	assert.Equal(t, "worker2", Worker(2).String())

	for _, bad := range []string{"", "worker", "worker0", "workerx", "karo"} {
		_, err := ParseRole(bad)
		assert.Error(t, err, bad)
	}
}

func TestRoles(t *testing.T) {
	roles := Roles(2)
	assert.Equal(t, []Role{Commander, Advisor, Worker(1), Worker(2)}, roles)
}

func TestApplyDefaults(t *testing.T) {
	cfg := ApplyDefaults(Config{})
	assert.Equal(t, DefaultWorkerCount, cfg.Workers.Count)
	assert.Equal(t, "prompt_user", cfg.Approval.Mode)
	assert.Equal(t, DefaultJobTimeoutSec, cfg.Runtime.JobTimeoutSec)
	assert.Equal(t, DefaultStopGraceMs, cfg.Runtime.StopGraceMs)
	assert.Equal(t, "claude", cfg.Runtime.CLI)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())

	cfg = ApplyDefaults(Config{Workers: WorkersConfig{Count: 50}})
	assert.Equal(t, MaxWorkerCount, cfg.Workers.Count)
}

func TestValidate(t *testing.T) {
	cfg := ApplyDefaults(Config{})
	cfg.Approval.Mode = "sometimes"
	cfg.Logging.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approval.mode")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
workers:
  count: 3
agents:
  worker:
    model: sonnet
    thinking: true
approval:
  mode: always_allow
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers.Count)
	assert.Equal(t, "always_allow", cfg.Approval.Mode)
	assert.Equal(t, AgentConfig{Model: "sonnet", Thinking: true}, cfg.AgentFor(TierWorker))
	assert.Equal(t, AgentConfig{}, cfg.AgentFor(TierCommander))
}

func TestValidateCommandTransition(t *testing.T) {
	assert.NoError(t, ValidateCommandTransition(StatusPending, StatusSuperseded))
	assert.NoError(t, ValidateCommandTransition(StatusPending, StatusDone))
	assert.Error(t, ValidateCommandTransition(StatusDone, StatusPending))
	assert.Error(t, ValidateCommandTransition(StatusSuperseded, StatusDone))
}

func TestTaskAssigned(t *testing.T) {
	assert.True(t, Task{TaskID: "t", Description: "d", Status: StatusAssigned}.Assigned())
	assert.False(t, Task{TaskID: "t", Description: "", Status: StatusAssigned}.Assigned())
	assert.False(t, Task{TaskID: "t", Description: "d", Status: StatusIdle}.Assigned())
}
