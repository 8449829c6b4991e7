package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/shogun/internal/events"
)

// startWatcher publishes an event whenever a task or report record changes
// on disk, whoever wrote it.
func (d *Daemon) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	for _, dir := range []string{filepath.Dir(d.store.TaskPath(1)), filepath.Dir(d.store.ReportPath(1))} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	d.wg.Add(1)
	go d.watchLoop()
	return nil
}

func (d *Daemon) watchLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			d.handleFileEvent(ev.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("fsnotify_error", "error", err)
		}
	}
}

func (d *Daemon) handleFileEvent(path string) {
	typ, worker, ok := classifyRecord(path)
	if !ok {
		return
	}
	d.logger.Debug("record_changed", "type", string(typ), "path", path)
	d.bus.Publish(typ, map[string]any{
		"role": worker,
		"path": path,
	})
}

// classifyRecord maps a record file to its event type and worker role.
// Temp and backup files are ignored.
func classifyRecord(path string) (events.EventType, string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".yaml") || strings.HasPrefix(base, ".") {
		return "", "", false
	}
	name := strings.TrimSuffix(base, ".yaml")
	switch filepath.Base(filepath.Dir(path)) {
	case "tasks":
		if strings.HasPrefix(name, "worker") {
			return events.EventTaskRecordChanged, name, true
		}
	case "reports":
		if w, ok := strings.CutSuffix(name, "_report"); ok && strings.HasPrefix(w, "worker") {
			return events.EventReportRecordChanged, w, true
		}
	}
	return "", "", false
}
