// Package daemon runs the resident processes and the pipeline, and serves
// CLI requests over the workspace socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/msageha/shogun/internal/agent"
	"github.com/msageha/shogun/internal/approval"
	"github.com/msageha/shogun/internal/events"
	"github.com/msageha/shogun/internal/history"
	"github.com/msageha/shogun/internal/host"
	"github.com/msageha/shogun/internal/lock"
	"github.com/msageha/shogun/internal/metrics"
	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/notify"
	"github.com/msageha/shogun/internal/pipeline"
	"github.com/msageha/shogun/internal/store"
	"github.com/msageha/shogun/internal/uds"
)

// NewLogger builds the root logger at the configured level.
func NewLogger(level string, w io.Writer) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "shogun",
		Level:  lvl,
		Output: w,
	})
}

// Daemon owns every long-lived component of a workspace.
type Daemon struct {
	root     string
	stateDir string
	config   model.Config
	logger   hclog.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	httpSrv  *http.Server

	spawner  host.Spawner
	notifier notify.Func
	registry *prometheus.Registry
	recorder metrics.Recorder

	store    *store.Store
	host     *host.Host
	pipeline *pipeline.Pipeline
	tracker  *Tracker
	history  *history.Store
	bus      *events.Bus
	audit    *events.AuditLogger
	detach   func()

	readyMu sync.Mutex
	ready   map[model.Role]bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

// New creates a daemon for the workspace at root, logging to
// .shogun/logs/daemon.log.
func New(root string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(root, ".shogun", "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(root, cfg, logFile, logFile), nil
}

func newDaemon(root string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	cfg = model.ApplyDefaults(cfg)
	stateDir := filepath.Join(root, ".shogun")
	logger := NewLogger(cfg.Logging.Level, w)
	ctx, cancel := context.WithCancel(context.Background())

	projectRoot := cfg.Project.Root
	if projectRoot == "" {
		projectRoot = root
	}
	spawner := host.NewExecSpawner(cfg.Runtime, projectRoot)
	spawner.AddDir = root

	registry := prometheus.NewRegistry()
	return &Daemon{
		root:     root,
		stateDir: stateDir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(stateDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), logger),
		spawner:  spawner,
		notifier: notify.Send,
		registry: registry,
		recorder: metrics.NewPrometheusRecorder(registry),
		store:    store.New(root, cfg.Workers.Count, logger),
		tracker:  NewTracker(logger),
		bus:      events.NewBus(256),
		ready:    make(map[model.Role]bool),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
}

// Run starts the daemon and blocks until it has shut down.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	go d.waitSignals()
	<-d.stopped
	return nil
}

// Start brings every component up. On error everything already started is
// torn down again.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info("daemon_starting", "pid", os.Getpid(), "root", d.root, "workers", d.config.Workers.Count)

	if err := d.start(); err != nil {
		d.logger.Error("daemon_start_failed", "error", err)
		d.teardown()
		return err
	}
	d.logger.Info("daemon_ready", "socket", filepath.Join(d.stateDir, uds.DefaultSocketName))
	return nil
}

func (d *Daemon) start() error {
	mode, err := approval.ParseMode(d.config.Approval.Mode)
	if err != nil {
		return err
	}
	if err := d.store.Init(); err != nil {
		return fmt.Errorf("init workspace records: %w", err)
	}

	d.history, err = history.Open(filepath.Join(d.stateDir, "history.db"))
	if err != nil {
		return err
	}
	d.audit, err = events.NewAuditLogger(filepath.Join(d.stateDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	d.detach = d.audit.Attach(d.bus, func(err error) {
		d.logger.Warn("audit_write_failed", "error", err)
	})

	if err := d.startMetrics(); err != nil {
		return err
	}

	d.host = host.New(d.spawner, host.Options{
		Timeout:   time.Duration(d.config.Runtime.JobTimeoutSec) * time.Second,
		StopGrace: time.Duration(d.config.Runtime.StopGraceMs) * time.Millisecond,
		Logger:    d.logger,
		Metrics:   d.recorder,
	})
	if err := d.host.StartAll(d.ctx, model.Roles(d.config.Workers.Count), d.onReady); err != nil {
		if len(d.host.Roles()) == 0 {
			return fmt.Errorf("start resident processes: %w", err)
		}
		d.logger.Warn("some_roles_unavailable", "error", err)
	}

	svc := agent.NewService(d.config, d.host, d.store, d.logger)
	d.pipeline = pipeline.New(svc, d.store, pipeline.Options{
		Workers:  d.config.Workers.Count,
		Approval: mode,
		Logger:   d.logger,
		Metrics:  d.recorder,
		Bus:      d.bus,
	})
	d.pipeline.Start()

	d.tracker.OnApproval(d.notifyApproval)
	d.tracker.OnFinish(d.recordHistory)

	if err := d.startWatcher(); err != nil {
		return err
	}

	d.registerHandlers()
	d.server.SetObserver(d.recorder.ObserveRequest)
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start socket server: %w", err)
	}
	return nil
}

func (d *Daemon) startMetrics() error {
	addr := d.config.Metrics.Listen
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(d.registry))
	d.httpSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics_server_failed", "addr", addr, "error", err)
		}
	}()
	d.logger.Info("metrics_listening", "addr", addr)
	return nil
}

func (d *Daemon) onReady(role model.Role, state string) {
	d.readyMu.Lock()
	d.ready[role] = true
	d.readyMu.Unlock()
	d.bus.Publish(events.EventRoleReady, map[string]any{"role": role.String(), "state": state})
	d.logger.Info("role_ready", "role", role.String())
}

func (d *Daemon) isReady(role model.Role) bool {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()
	return d.ready[role]
}

func (d *Daemon) notifyApproval(jobID, text string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier("shogun: approval needed", text); err != nil {
		d.logger.Debug("notify_failed", "job_id", jobID, "error", err)
	}
}

func (d *Daemon) recordHistory(tk *pipeline.Ticket, result string, finished time.Time) {
	if d.history == nil {
		return
	}
	err := d.history.Record(context.Background(), history.Entry{
		JobID:     tk.ID,
		Project:   tk.Project(),
		Input:     tk.Input(),
		Outcome:   tk.Outcome(),
		Result:    result,
		Submitted: tk.Submitted(),
		Finished:  finished,
	})
	if err != nil {
		d.logger.Warn("history_record_failed", "job_id", tk.ID, "error", err)
	}
}

// waitSignals shuts down on SIGTERM or SIGINT. A second signal stops the
// resident processes immediately and exits.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("signal_received", "signal", sig.String())
	case <-d.stopped:
		return
	}

	go func() {
		select {
		case <-sigCh:
			d.logger.Warn("force_exit")
			if d.host != nil {
				d.host.StopAll()
			}
			os.Exit(1)
		case <-d.stopped:
		}
	}()
	d.Shutdown()
}

// Shutdown stops the pipeline, the resident processes and every server.
// Safe to call more than once and from several goroutines.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown_started")
		d.cancel()

		d.server.Stop()
		if d.pipeline != nil {
			d.pipeline.Stop()
		}
		if d.host != nil {
			d.host.StopAll()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := d.tracker.Wait(ctx); err != nil {
			d.logger.Warn("shutdown_timeout", "waiting_for", "job streams", "timeout", timeout)
		}

		d.logger.Info("daemon_stopped")
		d.teardown()
		close(d.stopped)
	})
}

// teardown releases what start acquired. Every step tolerates a component
// that never started.
func (d *Daemon) teardown() {
	d.cancel()
	d.server.Stop()
	if d.pipeline != nil {
		d.pipeline.Stop()
	}
	if d.host != nil {
		d.host.StopAll()
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = d.httpSrv.Shutdown(ctx)
		cancel()
	}
	d.wg.Wait()

	if d.detach != nil {
		d.detach()
	}
	d.bus.Close()
	if d.audit != nil {
		_ = d.audit.Close()
	}
	if d.history != nil {
		_ = d.history.Close()
	}
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
		d.logFile = nil
	}
}
