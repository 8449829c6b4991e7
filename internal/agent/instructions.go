package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/shogun/internal/model"
)

var fallbackInstructions = map[model.Tier]string{
	model.TierCommander: `You are the commander. You receive requests from the user and hand the advisor one directive.
Never do the work yourself. Output only the directive text, with no explanation, markdown or code fences.`,
	model.TierAdvisor: `You are the advisor. You receive directives from the commander and split them into tasks for the workers.
Do not do the work yourself while assigning; design the plan and hand it out.
When asked for an assignment, reply only in the requested YAML form.`,
	model.TierWorker: `You are a worker. You receive one task from the advisor and carry it out.
Follow the task faithfully and write your report when you are done.`,
}

// InstructionLoader reads the system prompt for a tier from
// <stateDir>/instructions/<tier>.md, prefixed by <stateDir>/shogun.md when
// present. Concurrent loads of the same tier share one read.
type InstructionLoader struct {
	stateDir string
	sf       singleflight.Group
}

func NewInstructionLoader(stateDir string) *InstructionLoader {
	return &InstructionLoader{stateDir: stateDir}
}

// Load returns the tier's system prompt, falling back to a built-in text
// when the instructions file is missing.
func (l *InstructionLoader) Load(t model.Tier) (string, error) {
	v, err, _ := l.sf.Do(t.String(), func() (any, error) {
		return l.load(t)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *InstructionLoader) load(t model.Tier) (string, error) {
	shared, err := readOptional(filepath.Join(l.stateDir, "shogun.md"))
	if err != nil {
		return "", err
	}
	body, err := readOptional(filepath.Join(l.stateDir, "instructions", t.String()+".md"))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(body) == "" {
		body = fallbackInstructions[t]
	}
	if strings.TrimSpace(shared) == "" {
		return body, nil
	}

	var sb strings.Builder
	sb.WriteString(shared)
	sb.WriteString("\n\n---\n\n")
	sb.WriteString(body)
	return sb.String(), nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return string(data), nil
}
