package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/wire"
)

// handler plays the runner side of one request.
type handler func(req wire.Request, w io.Writer)

func echoHandler(req wire.Request, w io.Writer) {
	io.WriteString(w, wire.FormatOut("working on "+req.Prompt))
	io.WriteString(w, "[RUNNER] noise line\n")
	io.WriteString(w, wire.FormatResult(0, "echo: "+req.Prompt))
}

// fakeProc is an in-memory runner connected through pipes.
type fakeProc struct {
	pid     int
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	// ignoreEOF keeps the fake alive after stdin closes, like a runner
	// stuck in a job.
	ignoreEOF bool

	done   chan struct{}
	once   sync.Once
	killed atomic.Bool
}

func newFakeProc(pid int, h handler, ignoreEOF bool) *fakeProc {
	p := &fakeProc{pid: pid, ignoreEOF: ignoreEOF, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go p.serve(h)
	return p
}

func (p *fakeProc) serve(h handler) {
	dec := wire.NewDecoder(p.stdinR)
	for {
		req, err := dec.Decode()
		if err != nil {
			break
		}
		h(req, p.stdoutW)
	}
	if p.ignoreEOF {
		<-p.done
		return
	}
	p.exit()
}

func (p *fakeProc) exit() {
	p.once.Do(func() {
		p.stdoutW.Close()
		p.stdinR.Close()
		close(p.done)
	})
}

func (p *fakeProc) Pid() int              { return p.pid }
func (p *fakeProc) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader     { return nil }
func (p *fakeProc) Wait() error {
	<-p.done
	if p.killed.Load() {
		return errors.New("signal: killed")
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

type fakeSpawner struct {
	mu        sync.Mutex
	handlers  map[model.Role]handler
	fail      map[model.Role]bool
	ignoreEOF bool
	spawned   []model.Role
	procs     map[model.Role]*fakeProc
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		handlers: map[model.Role]handler{},
		fail:     map[model.Role]bool{},
		procs:    map[model.Role]*fakeProc{},
	}
}

func (s *fakeSpawner) Spawn(_ context.Context, role model.Role) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, role)
	if s.fail[role] {
		return nil, fmt.Errorf("runner not found for %s", role)
	}
	h := s.handlers[role]
	if h == nil {
		h = echoHandler
	}
	p := newFakeProc(1000+len(s.spawned), h, s.ignoreEOF)
	s.procs[role] = p
	return p, nil
}

func (s *fakeSpawner) proc(role model.Role) *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[role]
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}
