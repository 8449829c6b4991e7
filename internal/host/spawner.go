package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/runner"
)

// Process is a started runner.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Stderr may return nil when the process has no separate error stream.
	Stderr() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process and everything in its process group.
	Kill() error
}

// Spawner starts the process serving a role.
type Spawner interface {
	Spawn(ctx context.Context, role model.Role) (Process, error)
}

// ExecSpawner launches runners as child processes, each leading its own
// process group so StopAll can take descendants down with it.
type ExecSpawner struct {
	// Command is the runner argv. Empty means "<this executable> runner".
	Command []string
	// Dir is the default working directory handed to the runner.
	Dir string
	// AddDir is an extra directory the agent CLI may touch.
	AddDir          string
	CLI             string
	SkipPermissions bool
	JobTimeoutSec   int
	Env             map[string]string
}

// NewExecSpawner builds a spawner from the runtime configuration.
func NewExecSpawner(rt model.RuntimeConfig, dir string) *ExecSpawner {
	return &ExecSpawner{
		Command:         rt.Command,
		Dir:             dir,
		CLI:             rt.CLI,
		SkipPermissions: rt.SkipPermissions,
		JobTimeoutSec:   rt.JobTimeoutSec,
		Env:             rt.Env,
	}
}

func (s *ExecSpawner) argv() ([]string, error) {
	if len(s.Command) > 0 {
		return s.Command, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate shogun executable: %w", err)
	}
	return []string{self, "runner"}, nil
}

func (s *ExecSpawner) Spawn(_ context.Context, role model.Role) (Process, error) {
	argv, err := s.argv()
	if err != nil {
		return nil, err
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("locate runner %q: %w", argv[0], err)
	}

	// The process outlives the spawning context; only StopAll ends it.
	cmd := exec.Command(path, argv[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = s.environ(role)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// os.Pipe rather than StdoutPipe: Wait must not close our read end
	// before the reader has drained the final RESULT line.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, fmt.Errorf("start runner: %w", err)
	}
	stdoutW.Close()
	stderrW.Close()

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdoutR, stderr: stderrR}, nil
}

func (s *ExecSpawner) environ(role model.Role) []string {
	env := filterEnv(os.Environ(), "CLAUDECODE")
	vars := map[string]string{
		runner.EnvRole:            role.String(),
		runner.EnvCwd:             s.Dir,
		runner.EnvAddDir:          s.AddDir,
		runner.EnvCLI:             s.CLI,
		runner.EnvSkipPermissions: strconv.FormatBool(s.SkipPermissions),
		runner.EnvTimeoutSec:      strconv.Itoa(s.JobTimeoutSec),
		"CI":                      "true",
		"NO_COLOR":                "true",
		"TERM":                    "dumb",
	}
	for k, v := range s.Env {
		vars[k] = v
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(filterEnv(env, k), k+"="+vars[k])
	}
	return env
}

// filterEnv returns a copy of environ with the named variable removed.
func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
