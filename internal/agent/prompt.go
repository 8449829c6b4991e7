package agent

import (
	"fmt"
	"strings"

	"github.com/msageha/shogun/internal/model"
)

// --- Prompt Builders ---

// BuildCommandPrompt asks the commander to turn user input into a single
// directive for the advisor.
func BuildCommandPrompt(jobID, input, project string) string {
	if project == "" {
		project = "(none)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[shogun] job_id:%s phase:command\n", jobID)
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "request: %s\n", input)
	fmt.Fprintf(&sb, "project_id: %s\n", project)
	sb.WriteString("\n")
	sb.WriteString("Analyse the request and write one concrete directive for the advisor as a single block of plain text.")
	return sb.String()
}

// BuildAssignPrompt asks the advisor to split the pending directive into
// worker tasks.
func BuildAssignPrompt(cmdID string, workers int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[shogun] command_id:%s phase:assign\n", cmdID)
	sb.WriteString("\n")
	sb.WriteString("queue/commander_to_advisor.yaml holds a new directive. Your working directory is the workspace root; use relative paths.\n")
	sb.WriteString("Only process the command whose status is pending. Ignore done, failed and superseded entries.\n")
	sb.WriteString("\n")
	sb.WriteString("Reply with the assignment in this YAML form and nothing else:\n")
	sb.WriteString("\n```yaml\ntasks:\n  - worker_id: 1\n    description: \"what to do\"\n    target_path: \"file or directory (optional)\"\n    project: \"project id (optional)\"\n```\n\n")
	fmt.Fprintf(&sb, "worker_id ranges over 1..%d. Spread independent tasks across workers so they run in parallel.", workers)
	return sb.String()
}

// BuildExecutePrompt asks the advisor to act on the collected reports.
func BuildExecutePrompt(cmdID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[shogun] command_id:%s phase:execute\n", cmdID)
	sb.WriteString("\n")
	sb.WriteString("Every worker has reported. Read queue/reports/worker*_report.yaml (relative to the workspace root).\n")
	sb.WriteString("Project paths are listed in config/projects.yaml; report paths may be relative to those roots.\n")
	sb.WriteString("\n")
	sb.WriteString("1. Read all reports\n")
	sb.WriteString("2. Identify the files that still need changes\n")
	sb.WriteString("3. Apply the changes using absolute paths\n")
	sb.WriteString("4. Confirm the build succeeds in the project root\n")
	sb.WriteString("5. Finish with a summary\n")
	sb.WriteString("\n")
	sb.WriteString("---\nmodifications:\n  - file: \"path\"\n    description: \"change\"\nresult: \"success|failure\"\nsummary: \"...\"\n---")
	return sb.String()
}

// BuildReportPrompt asks the advisor to fold the reports into dashboard.md.
func BuildReportPrompt(cmdID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[shogun] command_id:%s phase:report\n", cmdID)
	sb.WriteString("\n")
	sb.WriteString("Read the reports in queue/reports/ and update the results section of dashboard.md.\n")
	sb.WriteString("Both paths are relative to your working directory. If there are no worker*_report.yaml files, say so in dashboard.md.")
	return sb.String()
}

// BuildWorkPrompt tells a worker where its task is and where to report.
// When inline is true the task is embedded because the working directory is
// a project root rather than the workspace.
func BuildWorkPrompt(worker int, task model.Task, taskYAML, reportPath string, inline bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[shogun] task_id:%s command_id:%s worker:%d phase:work\n", task.TaskID, task.ParentCmd, worker)
	sb.WriteString("\n")
	if inline {
		sb.WriteString("Carry out this task. Your working directory is the project root and target_path is relative to it.\n")
		fmt.Fprintf(&sb, "\n```yaml\n%s```\n\n", taskYAML)
		fmt.Fprintf(&sb, "When done, write your report as YAML to this absolute path: %s\n", reportPath)
	} else {
		fmt.Fprintf(&sb, "queue/tasks/worker%d.yaml holds your task. Read it and carry it out. Paths are relative to your working directory.\n", worker)
		fmt.Fprintf(&sb, "When done, write your report as YAML to queue/reports/worker%d_report.yaml.\n", worker)
	}
	sb.WriteString("If a prerequisite document does not exist yet, decide the approach yourself and proceed.")
	return sb.String()
}
