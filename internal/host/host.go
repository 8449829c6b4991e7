// Package host keeps one resident runner process per role and exchanges
// framed jobs with it over stdio.
package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/shogun/internal/metrics"
	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/progress"
	"github.com/msageha/shogun/internal/wire"
)

var (
	ErrNoProcess     = errors.New("no process for role")
	ErrBusy          = errors.New("role is busy")
	ErrTimeout       = errors.New("job timed out")
	ErrProtocol      = errors.New("protocol error")
	ErrProcessExited = errors.New("process exited")
	ErrStopped       = errors.New("host stopped")
)

const (
	DefaultTimeout   = 600 * time.Second
	DefaultStopGrace = 2 * time.Second
	// DefaultOrphanGrace is how long past its timeout an abandoned job's
	// RESULT is still expected.
	DefaultOrphanGrace = 5 * time.Second

	// killWait bounds how long StopAll waits for a killed process to be reaped.
	killWait = 5 * time.Second
)

// Result is the outcome of one job. Output carries the runner's output on
// success and a diagnostic otherwise.
type Result struct {
	Success  bool
	Output   string
	ExitCode int
}

type Options struct {
	Timeout     time.Duration
	StopGrace   time.Duration
	OrphanGrace time.Duration
	Logger      hclog.Logger
	Metrics     metrics.Recorder
}

func applyDefaults(o Options) Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.OrphanGrace <= 0 {
		o.OrphanGrace = DefaultOrphanGrace
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	return o
}

// Host owns the role → process table.
type Host struct {
	spawner Spawner
	opts    Options
	logger  hclog.Logger

	sf singleflight.Group

	mu       sync.Mutex
	entries  map[model.Role]*entry
	started  bool
	stopping bool
}

func New(spawner Spawner, opts Options) *Host {
	opts = applyDefaults(opts)
	return &Host{
		spawner: spawner,
		opts:    opts,
		logger:  opts.Logger.Named("host"),
		entries: make(map[model.Role]*entry),
	}
}

// StartAll spawns one process per role. Calls after the first successful
// start are no-ops and concurrent callers share one start. A role that
// fails to spawn is logged and skipped; the returned error lists those
// roles while the rest keep running. onReady, if set, is called with
// "ready" for every role that started.
func (h *Host) StartAll(ctx context.Context, roles []model.Role, onReady func(model.Role, string)) error {
	_, err, _ := h.sf.Do("start", func() (any, error) {
		return nil, h.startAll(ctx, roles, onReady)
	})
	return err
}

func (h *Host) startAll(ctx context.Context, roles []model.Role, onReady func(model.Role, string)) error {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		return ErrStopped
	}
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	var errs []error
	var ready []model.Role
	for _, role := range roles {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		proc, err := h.spawner.Spawn(ctx, role)
		if err != nil {
			h.logger.Error("spawn_failed", "role", role.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", role, err))
			continue
		}
		e := newEntry(role, proc)

		h.mu.Lock()
		if h.stopping {
			h.mu.Unlock()
			_ = proc.Kill()
			errs = append(errs, ErrStopped)
			break
		}
		h.entries[role] = e
		h.mu.Unlock()

		go h.readLoop(e)
		go h.stderrLoop(e)
		go h.waitLoop(e)

		h.opts.Metrics.ProcessStarted(role.String())
		h.logger.Info("process_started", "role", role.String(), "pid", proc.Pid())
		ready = append(ready, role)
	}

	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	if onReady != nil {
		for _, role := range ready {
			onReady(role, "ready")
		}
	}
	return errors.Join(errs...)
}

// RunOption adjusts a single RunJob call.
type RunOption func(*runConfig)

type runConfig struct {
	timeout time.Duration
}

func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// RunJob sends req to the process serving role and waits for its RESULT.
// It fails fast when no process is registered or one is already in flight.
// On timeout the process is left running and its late RESULT is discarded;
// the next job on the role waits for that RESULT, or for it to expire,
// before its own request is written.
func (h *Host) RunJob(ctx context.Context, role model.Role, req wire.Request, sink progress.Sink, opts ...RunOption) (Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	cfg := runConfig{timeout: h.opts.Timeout}
	for _, o := range opts {
		o(&cfg)
	}
	start := time.Now()
	res, outcome, err := h.runJob(ctx, role, req, sink, cfg)
	h.opts.Metrics.ObserveJob(role.String(), outcome, time.Since(start))
	return res, err
}

func (h *Host) runJob(ctx context.Context, role model.Role, req wire.Request, sink progress.Sink, cfg runConfig) (Result, string, error) {
	h.mu.Lock()
	e := h.entries[role]
	h.mu.Unlock()
	if e == nil {
		msg := fmt.Sprintf("no process for %s", role)
		sink.Emit(msg)
		return Result{Output: msg}, metrics.OutcomeNoRole, fmt.Errorf("%w: %s", ErrNoProcess, role)
	}

	s, err := e.acquire(sink)
	if err != nil {
		label := metrics.OutcomeBusy
		if errors.Is(err, ErrProcessExited) {
			label = metrics.OutcomeProtocol
		}
		return Result{Output: err.Error()}, label, err
	}
	defer e.release(s)

	// A runner works one request at a time, so the request waits until the
	// answers owed to abandoned jobs are in or have expired.
	ttl := cfg.timeout + h.opts.OrphanGrace
	switch err := e.settle(ctx, ttl); {
	case err == nil:
	case ctx.Err() != nil:
		h.logger.Warn("job_cancelled", "role", role.String(), "error", ctx.Err())
		return Result{Output: ctx.Err().Error()}, metrics.OutcomeFailure, ctx.Err()
	case errors.Is(err, errWriteStuck):
		h.logger.Warn("job_timeout", "role", role.String(), "error", err)
		return Result{Output: "timeout"}, metrics.OutcomeTimeout, fmt.Errorf("%w: %s: %v", ErrTimeout, role, err)
	default:
		return Result{Output: err.Error()}, metrics.OutcomeProtocol, err
	}

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	h.logger.Debug("job_start", "role", role.String(), "prompt_bytes", len(req.Prompt))
	written := make(chan error, 1)
	e.beginWrite(s)
	go func() {
		_, err := req.WriteTo(e.proc.Stdin())
		e.writeDone(s, err)
		written <- err
	}()

	for {
		select {
		case err := <-written:
			if err != nil {
				err = fmt.Errorf("%w: write request to %s: %v", ErrProtocol, role, err)
				return Result{Output: err.Error()}, metrics.OutcomeProtocol, err
			}
			written = nil
		case out := <-s.result:
			return h.finish(role, out)
		case <-timer.C:
			if out, ok := e.abandon(s, ttl); ok {
				return h.finish(role, out)
			}
			h.logger.Warn("job_timeout", "role", role.String(), "timeout", cfg.timeout, "request_written", written == nil)
			return Result{Output: "timeout"}, metrics.OutcomeTimeout, fmt.Errorf("%w: %s after %s", ErrTimeout, role, cfg.timeout)
		case <-ctx.Done():
			if out, ok := e.abandon(s, ttl); ok {
				return h.finish(role, out)
			}
			h.logger.Warn("job_cancelled", "role", role.String(), "error", ctx.Err())
			return Result{Output: ctx.Err().Error()}, metrics.OutcomeFailure, ctx.Err()
		}
	}
}

func (h *Host) finish(role model.Role, out outcome) (Result, string, error) {
	if out.err != nil {
		h.logger.Warn("job_failed", "role", role.String(), "error", out.err)
		return Result{Output: out.err.Error()}, metrics.OutcomeProtocol, out.err
	}
	res := Result{Success: out.exitCode == 0, Output: out.text, ExitCode: out.exitCode}
	h.logger.Debug("job_done", "role", role.String(), "exit_code", out.exitCode, "output_bytes", len(out.text))
	if res.Success {
		return res, metrics.OutcomeSuccess, nil
	}
	return res, metrics.OutcomeFailure, nil
}

// readLoop forwards a process's stdout to whichever job holds its slot.
func (h *Host) readLoop(e *entry) {
	stdout := e.proc.Stdout()
	defer closeReader(stdout)
	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			h.handleLine(e, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Warn("stdout_read_error", "role", e.role.String(), "error", err)
			}
			e.markDead(fmt.Errorf("%w: %s stdout closed", ErrProcessExited, e.role))
			return
		}
	}
}

func (h *Host) handleLine(e *entry, raw string) {
	line, err := wire.ParseLine(raw)
	switch line.Kind {
	case wire.LineOut:
		if sink := e.currentSink(); sink != nil {
			sink.Emit(line.Text)
		} else {
			h.logger.Trace("stdout_unattached", "role", e.role.String(), "line", line.Text)
		}
	case wire.LineResult:
		if err != nil {
			err = fmt.Errorf("%w: %v: %q", ErrProtocol, err, raw)
		}
		switch e.deliver(outcome{text: line.Text, exitCode: line.ExitCode, err: err}) {
		case deliverOrphan:
			h.logger.Info("orphan_result_discarded", "role", e.role.String())
		case deliverNoJob:
			h.logger.Warn("unexpected_result", "role", e.role.String(), "line", raw)
		}
	default:
		h.logger.Debug("runner_stdout", "role", e.role.String(), "line", raw)
	}
}

func (h *Host) stderrLoop(e *entry) {
	r := e.proc.Stderr()
	if r == nil {
		return
	}
	defer closeReader(r)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		h.logger.Debug("runner_stderr", "role", e.role.String(), "line", sc.Text())
	}
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}

func (h *Host) waitLoop(e *entry) {
	err := e.proc.Wait()
	e.exitErr = err
	close(e.exited)
	h.opts.Metrics.ProcessStopped(e.role.String())
	h.logger.Info("process_exited", "role", e.role.String(), "error", err)
}

// StopAll closes every process's stdin, waits StopGrace for it to exit and
// then kills its process group. Calls while a stop is already running
// escalate to an immediate kill; calls after it finished do nothing.
func (h *Host) StopAll() {
	h.mu.Lock()
	entries := make([]*entry, 0, len(h.entries))
	for _, e := range h.entries {
		entries = append(entries, e)
	}
	escalate := h.stopping
	h.stopping = true
	h.mu.Unlock()

	if escalate {
		for _, e := range entries {
			if err := e.proc.Kill(); err != nil {
				h.logger.Warn("kill_failed", "role", e.role.String(), "error", err)
			}
		}
		return
	}

	h.logger.Info("stop_all", "processes", len(entries))
	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error { return h.stopEntry(e) })
	}
	if err := g.Wait(); err != nil {
		h.logger.Warn("stop_all_incomplete", "error", err)
	}

	h.mu.Lock()
	for _, e := range entries {
		if h.entries[e.role] == e {
			delete(h.entries, e.role)
		}
	}
	h.mu.Unlock()
}

func (h *Host) stopEntry(e *entry) error {
	_ = e.proc.Stdin().Close()

	grace := time.NewTimer(h.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-e.exited:
	case <-grace.C:
		h.logger.Debug("stop_grace_expired", "role", e.role.String())
	}

	// The leader may be gone while descendants still hold the group.
	if err := e.proc.Kill(); err != nil {
		h.logger.Warn("kill_failed", "role", e.role.String(), "error", err)
	}

	select {
	case <-e.exited:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%s did not exit after kill", e.role)
	}
}

// Busy reports whether role has a job in flight.
func (h *Host) Busy(role model.Role) bool {
	h.mu.Lock()
	e := h.entries[role]
	h.mu.Unlock()
	return e != nil && e.busy()
}

// Roles returns the registered roles ordered commander, advisor, workers.
func (h *Host) Roles() []model.Role {
	h.mu.Lock()
	roles := make([]model.Role, 0, len(h.entries))
	for r := range h.entries {
		roles = append(roles, r)
	}
	h.mu.Unlock()
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Tier != roles[j].Tier {
			return roles[i].Tier < roles[j].Tier
		}
		return roles[i].Index < roles[j].Index
	})
	return roles
}
