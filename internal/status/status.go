// Package status gathers the workspace state for `shogun status`, from the
// daemon when it runs and from the on-disk records either way.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/msageha/shogun/internal/lock"
	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/store"
	"github.com/msageha/shogun/internal/uds"
)

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

// WorkerRecord is a worker's current task and report as stored on disk.
type WorkerRecord struct {
	Role         string `json:"role"`
	TaskID       string `json:"task_id,omitempty"`
	TaskStatus   string `json:"task_status"`
	Description  string `json:"description,omitempty"`
	ReportStatus string `json:"report_status"`
}

type Report struct {
	Daemon   DaemonStatus      `json:"daemon"`
	Live     *uds.StatusResult `json:"live,omitempty"`
	Commands []model.Command   `json:"commands,omitempty"`
	Workers  []WorkerRecord    `json:"workers"`
}

// maxCommands caps how many recent directives are shown.
const maxCommands = 5

// Collect builds the report for the workspace at root.
func Collect(root string, cfg model.Config) Report {
	stateDir := filepath.Join(root, ".shogun")
	var r Report

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	var live uds.StatusResult
	if err := client.Call(uds.CmdStatus, nil, &live); err == nil {
		r.Daemon.Running = true
		r.Live = &live
		if pid, err := lock.ReadPID(filepath.Join(stateDir, "locks", "daemon.lock")); err == nil {
			r.Daemon.Pid = pid
		}
	}

	st := store.New(root, cfg.Workers.Count, nil)
	if cmds, err := st.Commands(); err == nil {
		if len(cmds) > maxCommands {
			cmds = cmds[len(cmds)-maxCommands:]
		}
		r.Commands = cmds
	}
	for i := 1; i <= cfg.Workers.Count; i++ {
		rec := WorkerRecord{Role: model.Worker(i).String(), TaskStatus: "-", ReportStatus: "-"}
		if t, err := st.ReadTask(i); err == nil && t.Status != "" {
			rec.TaskID = t.TaskID
			rec.TaskStatus = string(t.Status)
			rec.Description = t.Description
		}
		if rep, err := st.ReadReport(i); err == nil && rep.Status != "" {
			rec.ReportStatus = string(rep.Status)
		}
		r.Workers = append(r.Workers, rec)
	}
	return r
}

// Run prints the report for root as text or JSON.
func Run(root string, cfg model.Config, jsonOutput bool, w io.Writer) error {
	r := Collect(root, cfg)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, err := io.WriteString(w, Render(r))
	return err
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	busyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func statusStyle(s string) lipgloss.Style {
	switch s {
	case "done", "ready", "running", "idle":
		return okStyle
	case "failed", "error", "stopped", "starting":
		return badStyle
	case "busy", "assigned", "in_progress", "pending", "awaiting approval":
		return busyStyle
	default:
		return mutedStyle
	}
}

// Render lays the report out as bordered panels.
func Render(r Report) string {
	var panels []string

	var b strings.Builder
	b.WriteString(headingStyle.Render("Daemon") + "\n")
	if r.Daemon.Running {
		fmt.Fprintf(&b, "%s", statusStyle("running").Render("running"))
		if r.Daemon.Pid > 0 {
			fmt.Fprintf(&b, " pid %d", r.Daemon.Pid)
		}
		if r.Live != nil {
			fmt.Fprintf(&b, "  approval: %s", r.Live.Approval)
		}
	} else {
		b.WriteString(statusStyle("stopped").Render("stopped"))
	}
	panels = append(panels, panelStyle.Render(b.String()))

	if r.Live != nil {
		b.Reset()
		b.WriteString(headingStyle.Render("Roles") + "\n")
		for i, role := range r.Live.Roles {
			state := "starting"
			switch {
			case role.Busy:
				state = "busy"
			case role.Ready:
				state = "ready"
			}
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%-10s %s  queue %d", role.Role, statusStyle(state).Render(fmt.Sprintf("%-8s", state)), role.Queue)
		}
		panels = append(panels, panelStyle.Render(b.String()))

		if len(r.Live.Jobs) > 0 {
			b.Reset()
			b.WriteString(headingStyle.Render("Jobs"))
			for _, j := range r.Live.Jobs {
				state := "running"
				switch {
				case j.Done:
					state = "done"
				case j.PendingApproval:
					state = "awaiting approval"
				}
				fmt.Fprintf(&b, "\n%s  %s  %s", j.JobID[:min(8, len(j.JobID))], statusStyle(state).Render(state), truncate(j.Input, 50))
			}
			panels = append(panels, panelStyle.Render(b.String()))
		}
	}

	b.Reset()
	b.WriteString(headingStyle.Render("Workers"))
	for _, w := range r.Workers {
		fmt.Fprintf(&b, "\n%-10s task %s  report %s",
			w.Role,
			statusStyle(w.TaskStatus).Render(fmt.Sprintf("%-10s", w.TaskStatus)),
			statusStyle(w.ReportStatus).Render(w.ReportStatus))
		if w.Description != "" {
			b.WriteString("  " + mutedStyle.Render(truncate(w.Description, 40)))
		}
	}
	panels = append(panels, panelStyle.Render(b.String()))

	if len(r.Commands) > 0 {
		b.Reset()
		b.WriteString(headingStyle.Render("Directives"))
		for _, c := range r.Commands {
			fmt.Fprintf(&b, "\n%s  %s  %s", c.ID, statusStyle(string(c.Status)).Render(string(c.Status)), truncate(c.Command, 50))
		}
		panels = append(panels, panelStyle.Render(b.String()))
	}

	return lipgloss.JoinVertical(lipgloss.Left, panels...) + "\n"
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
