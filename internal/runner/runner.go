// Package runner is the resident process behind each role. It reads framed
// requests from stdin one at a time, runs the agent CLI for each, streams
// its output as OUT lines and finishes every request with one RESULT line.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/msageha/shogun/internal/wire"
)

// Environment handed to the runner by the process host.
const (
	EnvRole            = "SHOGUN_RUNNER_ROLE"
	EnvCwd             = "SHOGUN_RUNNER_CWD"
	EnvAddDir          = "SHOGUN_RUNNER_ADD_DIR"
	EnvCLI             = "SHOGUN_RUNNER_CLI"
	EnvSkipPermissions = "SHOGUN_RUNNER_SKIP_PERMISSIONS"
	EnvTimeoutSec      = "SHOGUN_RUNNER_TIMEOUT_SEC"
)

const (
	defaultCLI     = "claude"
	defaultTimeout = 600 * time.Second
	// cliWaitDelay bounds how long a killed CLI may keep its pipes open.
	cliWaitDelay = 5 * time.Second
)

type Config struct {
	Role            string
	Cwd             string
	AddDir          string
	CLI             string
	SkipPermissions bool
	Timeout         time.Duration
	Logger          hclog.Logger
}

// ConfigFromEnv reads the runner configuration set by the host.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Role:            os.Getenv(EnvRole),
		Cwd:             os.Getenv(EnvCwd),
		AddDir:          os.Getenv(EnvAddDir),
		CLI:             os.Getenv(EnvCLI),
		SkipPermissions: os.Getenv(EnvSkipPermissions) == "true",
	}
	if cfg.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("%s unset and no working directory: %w", EnvCwd, err)
		}
		cfg.Cwd = wd
	}
	if v := os.Getenv(EnvTimeoutSec); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvTimeoutSec, err)
		}
		cfg.Timeout = time.Duration(n) * time.Second
	}
	return cfg, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.CLI == "" {
		cfg.CLI = defaultCLI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return cfg
}

type Runner struct {
	cfg    Config
	logger hclog.Logger

	mu  sync.Mutex
	out io.Writer
}

func New(cfg Config, out io.Writer) *Runner {
	cfg = applyDefaults(cfg)
	return &Runner{
		cfg:    cfg,
		logger: cfg.Logger.Named("runner").With("role", cfg.Role),
		out:    out,
	}
}

// Serve handles requests from in until it reaches EOF or ctx ends.
// Requests are handled strictly in order.
func (r *Runner) Serve(ctx context.Context, in io.Reader) error {
	r.logger.Info("runner_started", "cwd", r.cfg.Cwd)
	dec := wire.NewDecoder(in)
	for {
		req, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			r.logger.Info("stdin_closed")
			return nil
		}
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				r.logger.Warn("bad_request", "error", err)
				r.writeResult(1, err.Error())
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			r.writeResult(1, "runner shutting down")
			return ctx.Err()
		}
		r.Run(ctx, req)
	}
}

// Run executes one request and always writes exactly one RESULT line.
func (r *Runner) Run(ctx context.Context, req wire.Request) {
	jobCwd := strings.TrimSpace(req.Cwd)
	if jobCwd == "" {
		jobCwd = r.cfg.Cwd
	}
	args := BuildArgs(r.cfg, req, jobCwd)
	r.logger.Debug("job_received", "prompt_bytes", len(req.Prompt), "cwd", jobCwd)

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(jobCtx, r.cfg.CLI, args...)
	cmd.Dir = jobCwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = cliWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.writeResult(1, "Spawn error: "+err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.writeResult(1, "Spawn error: "+err.Error())
		return
	}
	if err := cmd.Start(); err != nil {
		r.logger.Warn("spawn_failed", "cli", r.cfg.CLI, "error", err)
		r.writeResult(1, "Spawn error: "+err.Error())
		return
	}

	var (
		wg        sync.WaitGroup
		outLines  []string
		errOutput strings.Builder
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			if line != "" {
				outLines = append(outLines, line)
			}
			r.writeOut(line)
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			if strings.TrimSpace(line) == "" {
				return
			}
			errOutput.WriteString(line)
			errOutput.WriteByte('\n')
			r.writeOut("[stderr] " + line)
		})
	}()
	wg.Wait()
	waitErr := cmd.Wait()

	output := strings.Join(outLines, "\n")
	if jobCtx.Err() != nil && ctx.Err() == nil {
		r.logger.Warn("job_timeout", "timeout", r.cfg.Timeout)
		r.writeResult(1, fmt.Sprintf("timeout after %s\n%s", r.cfg.Timeout, output))
		return
	}

	code := exitCode(waitErr)
	r.logger.Debug("job_done", "exit_code", code)
	if code != 0 && errOutput.Len() > 0 {
		r.writeResult(code, "STDERR: "+strings.TrimRight(errOutput.String(), "\n")+"\nSTDOUT: "+output)
		return
	}
	r.writeResult(code, output)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return ee.ExitCode()
	}
	return 1
}

func scanLines(rd io.Reader, fn func(string)) {
	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) writeOut(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = io.WriteString(r.out, wire.FormatOut(text))
}

func (r *Runner) writeResult(code int, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = io.WriteString(r.out, wire.FormatResult(code, output))
}

// BuildArgs constructs the agent CLI arguments for one request.
func BuildArgs(cfg Config, req wire.Request, jobCwd string) []string {
	args := []string{"-p", req.Prompt}
	if req.SystemPromptFile != "" {
		args = append(args, "--append-system-prompt-file", req.SystemPromptFile)
	}

	var addDirs []string
	if d := strings.TrimSpace(cfg.AddDir); d != "" {
		addDirs = append(addDirs, d)
	}
	if jobCwd != "" && jobCwd != cfg.Cwd && (len(addDirs) == 0 || addDirs[0] != jobCwd) {
		addDirs = append(addDirs, jobCwd)
	}
	for _, d := range addDirs {
		args = append(args, "--add-dir", d)
	}

	if cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	} else if len(addDirs) > 0 {
		args = append(args, "--allowedTools", "Read", "Bash")
		for _, d := range addDirs {
			d = strings.TrimRight(d, "/")
			args = append(args, "Edit("+d+"/*)", "Edit("+d+"/**)")
		}
		for _, d := range addDirs {
			d = strings.TrimRight(d, "/")
			args = append(args, "Write("+d+"/*)", "Write("+d+"/**)")
		}
	}

	if req.ModelID != "" {
		args = append(args, "--model", req.ModelID)
	}
	if req.Thinking {
		args = append(args, "--thinking")
	}
	return args
}
