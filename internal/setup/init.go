// Package setup initializes a shogun workspace and locates it afterwards.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/store"
	atomicyaml "github.com/msageha/shogun/internal/yaml"
	"github.com/msageha/shogun/templates"
)

// StateDirName is the per-workspace directory holding config, logs, locks
// and instructions.
const StateDirName = ".shogun"

// ConfigPath returns the config file of the workspace at root.
func ConfigPath(root string) string {
	return filepath.Join(root, StateDirName, "config.yaml")
}

// Run initializes a workspace in dir. projectName overrides the directory
// basename as the project name.
func Run(dir, projectName string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve workspace dir: %w", err)
	}

	base := filepath.Join(absDir, StateDirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{
		filepath.Join(base, "instructions"),
		filepath.Join(base, "logs"),
		filepath.Join(base, "locks"),
		filepath.Join(base, "quarantine"),
	} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := copyTemplateFile("shogun.md", filepath.Join(base, "shogun.md")); err != nil {
		return err
	}
	for _, tier := range []model.Tier{model.TierCommander, model.TierAdvisor, model.TierWorker} {
		name := tier.String() + ".md"
		if err := copyTemplateFile(filepath.Join("instructions", name), filepath.Join(base, "instructions", name)); err != nil {
			return err
		}
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config template: %w", err)
	}
	if err := atomicyaml.AtomicWrite(ConfigPath(absDir), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	st := store.New(absDir, cfg.Workers.Count, nil)
	if err := st.Init(); err != nil {
		return fmt.Errorf("init records: %w", err)
	}
	if err := copyTemplateFile("dashboard.md", st.DashboardPath()); err != nil {
		return err
	}
	if _, err := os.Stat(st.ProjectsPath()); os.IsNotExist(err) {
		if err := atomicyaml.AtomicWrite(st.ProjectsPath(), model.ProjectsFile{Projects: []model.Project{}}); err != nil {
			return fmt.Errorf("write projects.yaml: %w", err)
		}
	}
	return nil
}

// FindRoot returns the nearest directory at or above dir that holds a
// .shogun/ directory, or "" when there is none.
func FindRoot(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, StateDirName)); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadConfig reads the workspace config at root.
func LoadConfig(root string) (model.Config, error) {
	cfg, err := model.LoadConfig(ConfigPath(root))
	if err != nil {
		return cfg, err
	}
	if cfg.Project.Root == "" {
		cfg.Project.Root = root
	}
	return cfg, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(dir, projectName string) (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(dir)
	}
	cfg.Project.Root = dir
	return model.ApplyDefaults(cfg), nil
}
