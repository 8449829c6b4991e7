package agent

import (
	"fmt"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// Assignment is one task handed to a worker by the advisor.
type Assignment struct {
	Worker        int    `yaml:"worker_id"`
	Description   string `yaml:"description"`
	TargetPath    string `yaml:"target_path,omitempty"`
	Project       string `yaml:"project,omitempty"`
	ModelOverride string `yaml:"model_override,omitempty"`
}

type assignmentDoc struct {
	Tasks []Assignment `yaml:"tasks"`
}

// ExtractYAML pulls the YAML payload out of advisor output: the first
// ```yaml fence, else the first bare fence, else everything from the first
// line starting with "tasks:" or "---". Returns "" when nothing is left.
func ExtractYAML(output string) string {
	text := ""
	if start := strings.Index(output, "```yaml"); start >= 0 {
		text = fenced(output, start+len("```yaml"))
	} else if start := strings.Index(output, "```"); start >= 0 {
		text = fenced(output, start+len("```"))
	}
	if strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}

	var kept []string
	found := false
	for _, line := range strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if !found && (strings.HasPrefix(strings.ToLower(trimmed), "tasks:") || strings.HasPrefix(trimmed, "---")) {
			found = true
		}
		if found {
			kept = append(kept, line)
		}
	}
	if len(kept) > 0 {
		return strings.Join(kept, "\n")
	}
	return strings.TrimSpace(output)
}

func fenced(s string, from int) string {
	end := strings.Index(s[from:], "```")
	if end <= 0 {
		return ""
	}
	return s[from : from+end]
}

// ParseAssignments decodes the tasks list from advisor output.
func ParseAssignments(output string) ([]Assignment, error) {
	text := ExtractYAML(output)
	if text == "" {
		return nil, nil
	}
	var doc assignmentDoc
	if err := yamlv3.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("parse assignments: %w", err)
	}
	return doc.Tasks, nil
}
