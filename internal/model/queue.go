package model

// CommandLog is queue/commander_to_advisor.yaml.
type CommandLog struct {
	Queue []Command `yaml:"queue"`
}

type Command struct {
	ID        string `yaml:"id"`
	JobID     string `yaml:"job_id,omitempty"`
	Timestamp string `yaml:"timestamp"`
	Command   string `yaml:"command"`
	Project   string `yaml:"project,omitempty"`
	Priority  string `yaml:"priority"`
	Status    Status `yaml:"status"`
}

// TaskFile is queue/tasks/worker{N}.yaml.
type TaskFile struct {
	Task Task `yaml:"task"`
}

type Task struct {
	TaskID        string `yaml:"task_id"`
	ParentCmd     string `yaml:"parent_cmd,omitempty"`
	Description   string `yaml:"description"`
	TargetPath    string `yaml:"target_path,omitempty"`
	Project       string `yaml:"project,omitempty"`
	ModelOverride string `yaml:"model_override,omitempty"`
	Status        Status `yaml:"status"`
	Timestamp     string `yaml:"timestamp"`
}

// Assigned reports whether the record holds work for its worker.
func (t Task) Assigned() bool {
	return t.Status == StatusAssigned && t.TaskID != "" && t.Description != ""
}

// ReportFile is queue/reports/worker{N}_report.yaml.
type ReportFile struct {
	Report Report `yaml:"report"`
}

type Report struct {
	WorkerID       string         `yaml:"worker_id"`
	TaskID         string         `yaml:"task_id"`
	Timestamp      string         `yaml:"timestamp"`
	Status         Status         `yaml:"status"`
	Result         string         `yaml:"result"`
	SkillCandidate SkillCandidate `yaml:"skill_candidate"`
}

type SkillCandidate struct {
	Found       bool   `yaml:"found"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Reason      string `yaml:"reason,omitempty"`
}

// ProjectsFile is config/projects.yaml.
type ProjectsFile struct {
	Projects []Project `yaml:"projects"`
}

type Project struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	Path string `yaml:"path"`
}
