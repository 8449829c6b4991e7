package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves an unreadable file to <dir>/quarantine and returns its
// new location.
func Quarantine(dir, filePath string) (string, error) {
	quarantineDir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup replaces filePath with its .bak copy if that copy parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := replaceFile(filePath, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// ReadOrRecover reads filePath into v. When the file is corrupt it is
// quarantined under dir and the backup is tried. If nothing usable remains v
// is left untouched and recovered is true with a nil error, so callers fall
// back to their empty value.
func ReadOrRecover(dir, filePath string, v any) (recovered bool, err error) {
	err = Read(filePath, v)
	if err == nil || !errors.Is(err, ErrCorrupt) {
		return false, err
	}
	if _, err := Quarantine(dir, filePath); err != nil {
		return false, fmt.Errorf("quarantine %s: %w", filePath, err)
	}
	if RestoreFromBackup(filePath) == nil {
		_ = Read(filePath, v)
	}
	return true, nil
}
