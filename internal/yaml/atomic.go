// Package yaml provides atomic YAML file I/O and recovery of unreadable records.
package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrCorrupt wraps parse failures of an existing file.
var ErrCorrupt = errors.New("corrupt yaml")

const tempPattern = ".shogun-tmp-*.yaml"

// Read parses path into v. A missing file yields an error satisfying
// errors.Is(err, fs.ErrNotExist); an unparsable one wraps ErrCorrupt.
func Read(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// AtomicWrite marshals data and replaces path with it. The previous
// content, if any, stays readable at path+".bak".
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw is AtomicWrite for pre-rendered YAML. Content that does not
// parse is refused before anything touches the disk.
func AtomicWriteRaw(path string, content []byte) error {
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}
	if err := keepBackup(path); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return replaceFile(path, content)
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

// keepBackup hard-links the current file to path+".bak" so the rename in
// replaceFile leaves the old inode reachable there.
func keepBackup(path string) error {
	bak := path + ".bak"
	if err := os.Remove(bak); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	err := os.Link(path, bak)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// replaceFile writes content to a temp file in path's directory, syncs it
// and renames it over path.
func replaceFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
