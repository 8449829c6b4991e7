package host

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/progress"
	"github.com/msageha/shogun/internal/wire"
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) Emit(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
}

func (s *lineSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func startHost(t *testing.T, sp *fakeSpawner, opts Options, roles ...model.Role) *Host {
	t.Helper()
	h := New(sp, opts)
	require.NoError(t, h.StartAll(context.Background(), roles, nil))
	t.Cleanup(h.StopAll)
	return h
}

func TestStartAll_ReadyAndIdempotent(t *testing.T) {
	sp := newFakeSpawner()
	h := New(sp, Options{})
	defer h.StopAll()

	var mu sync.Mutex
	ready := map[string]string{}
	onReady := func(r model.Role, status string) {
		mu.Lock()
		defer mu.Unlock()
		ready[r.String()] = status
	}

	roles := model.Roles(2)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.StartAll(context.Background(), roles, onReady))
		}()
	}
	wg.Wait()
	require.NoError(t, h.StartAll(context.Background(), roles, onReady))

	assert.Equal(t, len(roles), sp.spawnCount())
	assert.Equal(t, roles, h.Roles())
	assert.Equal(t, map[string]string{
		"commander": "ready", "advisor": "ready", "worker1": "ready", "worker2": "ready",
	}, ready)
}

func TestStartAll_SpawnFailureSkipsOnlyThatRole(t *testing.T) {
	sp := newFakeSpawner()
	sp.fail[model.Worker(1)] = true
	h := New(sp, Options{})
	defer h.StopAll()

	var readyRoles []model.Role
	err := h.StartAll(context.Background(), model.Roles(2), func(r model.Role, _ string) {
		readyRoles = append(readyRoles, r)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker1")
	assert.Equal(t, []model.Role{model.Commander, model.Advisor, model.Worker(2)}, readyRoles)

	_, err = h.RunJob(context.Background(), model.Worker(1), wire.Request{Prompt: "x"}, nil)
	assert.ErrorIs(t, err, ErrNoProcess)

	res, err := h.RunJob(context.Background(), model.Worker(2), wire.Request{Prompt: "x"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRunJob_Success(t *testing.T) {
	sp := newFakeSpawner()
	h := startHost(t, sp, Options{}, model.Advisor)

	sink := &lineSink{}
	res, err := h.RunJob(context.Background(), model.Advisor, wire.Request{Prompt: "plan it"}, sink)
	require.NoError(t, err)
	assert.Equal(t, Result{Success: true, Output: "echo: plan it"}, res)
	assert.Equal(t, []string{"working on plan it"}, sink.Lines())
	assert.False(t, h.Busy(model.Advisor))
}

func TestRunJob_NonZeroExit(t *testing.T) {
	sp := newFakeSpawner()
	sp.handlers[model.Commander] = func(req wire.Request, w io.Writer) {
		io.WriteString(w, wire.FormatResult(2, "STDERR: nope\nSTDOUT: "))
	}
	h := startHost(t, sp, Options{}, model.Commander)

	res, err := h.RunJob(context.Background(), model.Commander, wire.Request{Prompt: "x"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "STDERR: nope\nSTDOUT: ", res.Output)
}

func TestRunJob_UnknownRole(t *testing.T) {
	h := startHost(t, newFakeSpawner(), Options{}, model.Commander)

	sink := &lineSink{}
	res, err := h.RunJob(context.Background(), model.Worker(7), wire.Request{Prompt: "x"}, sink)
	assert.ErrorIs(t, err, ErrNoProcess)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"no process for worker7"}, sink.Lines())
}

func TestRunJob_BusyLeavesSlotIntact(t *testing.T) {
	sp := newFakeSpawner()
	release := make(chan struct{})
	sp.handlers[model.Worker(1)] = func(req wire.Request, w io.Writer) {
		<-release
		io.WriteString(w, wire.FormatResult(0, "first done"))
	}
	h := startHost(t, sp, Options{}, model.Worker(1))

	first := make(chan Result, 1)
	go func() {
		res, _ := h.RunJob(context.Background(), model.Worker(1), wire.Request{Prompt: "first"}, nil)
		first <- res
	}()
	require.Eventually(t, func() bool { return h.Busy(model.Worker(1)) }, time.Second, 5*time.Millisecond)

	res, err := h.RunJob(context.Background(), model.Worker(1), wire.Request{Prompt: "second"}, nil)
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, res.Success)
	assert.True(t, h.Busy(model.Worker(1)))

	close(release)
	select {
	case res := <-first:
		assert.True(t, res.Success)
		assert.Equal(t, "first done", res.Output)
	case <-time.After(2 * time.Second):
		t.Fatal("first job never completed")
	}
	assert.False(t, h.Busy(model.Worker(1)))
}

func TestRunJob_TimeoutThenNextJobSucceeds(t *testing.T) {
	sp := newFakeSpawner()
	sp.handlers[model.Worker(1)] = func(req wire.Request, w io.Writer) {
		if req.Prompt == "slow" {
			io.WriteString(w, wire.FormatOut("slow progress"))
			time.Sleep(300 * time.Millisecond)
			io.WriteString(w, wire.FormatOut("late progress"))
			io.WriteString(w, wire.FormatResult(0, "slow result"))
			return
		}
		echoHandler(req, w)
	}
	h := startHost(t, sp, Options{Timeout: 50 * time.Millisecond}, model.Worker(1))

	res, err := h.RunJob(context.Background(), model.Worker(1), wire.Request{Prompt: "slow"}, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Result{Output: "timeout"}, res)
	assert.False(t, sp.proc(model.Worker(1)).killed.Load(), "timeout must not kill the process")

	sink := &lineSink{}
	res, err = h.RunJob(context.Background(), model.Worker(1), wire.Request{Prompt: "quick"}, sink, WithTimeout(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "echo: quick", res.Output)
	assert.Equal(t, []string{"working on quick"}, sink.Lines())
}

func TestRunJob_UnansweredRequestDoesNotWedgeRole(t *testing.T) {
	sp := newFakeSpawner()
	sp.handlers[model.Advisor] = func(req wire.Request, w io.Writer) {
		if req.Prompt == "lost" {
			return
		}
		echoHandler(req, w)
	}
	h := startHost(t, sp, Options{Timeout: 50 * time.Millisecond, OrphanGrace: 20 * time.Millisecond}, model.Advisor)

	_, err := h.RunJob(context.Background(), model.Advisor, wire.Request{Prompt: "lost"}, nil)
	require.ErrorIs(t, err, ErrTimeout)

	for _, prompt := range []string{"second", "third"} {
		res, err := h.RunJob(context.Background(), model.Advisor, wire.Request{Prompt: prompt}, nil)
		require.NoError(t, err, prompt)
		assert.Equal(t, Result{Success: true, Output: "echo: " + prompt}, res)
	}
}

func TestRunJob_TimeoutCoversBlockedWrite(t *testing.T) {
	release := make(chan struct{})
	sp := newFakeSpawner()
	sp.handlers[model.Worker(1)] = func(req wire.Request, w io.Writer) {
		if req.Prompt == "stuck" {
			<-release
			return
		}
		echoHandler(req, w)
	}
	h := startHost(t, sp, Options{Timeout: 50 * time.Millisecond, OrphanGrace: 20 * time.Millisecond}, model.Worker(1))
	t.Cleanup(func() { close(release) })

	_, err := h.RunJob(context.Background(), model.Worker(1), wire.Request{Prompt: "stuck"}, nil)
	require.ErrorIs(t, err, ErrTimeout)

	// The runner is still inside the first job and never reads this request.
	start := time.Now()
	res, err := h.RunJob(context.Background(), model.Worker(1), wire.Request{Prompt: "next"}, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "timeout", res.Output)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, h.Busy(model.Worker(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.RunJob(ctx, model.Worker(1), wire.Request{Prompt: "third"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunJob_ContextCancelled(t *testing.T) {
	sp := newFakeSpawner()
	sp.handlers[model.Advisor] = func(req wire.Request, w io.Writer) {
		time.Sleep(200 * time.Millisecond)
		io.WriteString(w, wire.FormatResult(0, "late"))
	}
	h := startHost(t, sp, Options{}, model.Advisor)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.RunJob(ctx, model.Advisor, wire.Request{Prompt: "x"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.Busy(model.Advisor))
}

func TestRunJob_MalformedResult(t *testing.T) {
	sp := newFakeSpawner()
	sp.handlers[model.Advisor] = func(req wire.Request, w io.Writer) {
		io.WriteString(w, "RESULT: exitCode: zero, output: \"x\"\n")
	}
	h := startHost(t, sp, Options{}, model.Advisor)

	res, err := h.RunJob(context.Background(), model.Advisor, wire.Request{Prompt: "x"}, nil)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "exitCode: zero")
}

func TestRunJob_ProcessExitsMidJob(t *testing.T) {
	sp := newFakeSpawner()
	sp.handlers[model.Advisor] = func(req wire.Request, w io.Writer) {
		io.WriteString(w, wire.FormatOut("about to crash"))
		w.(*io.PipeWriter).Close()
	}
	h := startHost(t, sp, Options{}, model.Advisor)

	res, err := h.RunJob(context.Background(), model.Advisor, wire.Request{Prompt: "x"}, nil)
	assert.ErrorIs(t, err, ErrProcessExited)
	assert.False(t, res.Success)

	_, err = h.RunJob(context.Background(), model.Advisor, wire.Request{Prompt: "again"}, nil)
	assert.ErrorIs(t, err, ErrProcessExited)
}

func TestStopAll_IdempotentAndKillsStuckProcesses(t *testing.T) {
	sp := newFakeSpawner()
	sp.ignoreEOF = true
	h := New(sp, Options{StopGrace: 30 * time.Millisecond})
	require.NoError(t, h.StartAll(context.Background(), model.Roles(1), nil))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.StopAll()
		}()
	}
	wg.Wait()
	h.StopAll()

	for _, r := range model.Roles(1) {
		p := sp.proc(r)
		require.NotNil(t, p)
		select {
		case <-p.done:
		case <-time.After(time.Second):
			t.Fatalf("%s still running", r)
		}
		assert.True(t, p.killed.Load(), r.String())
	}
	assert.Empty(t, h.Roles())

	assert.ErrorIs(t, h.StartAll(context.Background(), model.Roles(1), nil), ErrStopped)
}

func TestStopAll_GracefulExitOnStdinClose(t *testing.T) {
	sp := newFakeSpawner()
	h := New(sp, Options{StopGrace: time.Second})
	require.NoError(t, h.StartAll(context.Background(), []model.Role{model.Commander}, nil))

	start := time.Now()
	h.StopAll()
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	<-sp.proc(model.Commander).done
}

func TestRunJob_ProgressToStream(t *testing.T) {
	sp := newFakeSpawner()
	h := startHost(t, sp, Options{}, model.Worker(3))

	stream := progress.NewStream()
	_, err := h.RunJob(context.Background(), model.Worker(3), wire.Request{Prompt: "p"}, stream.Sink(progress.KindWorker, 3))
	require.NoError(t, err)
	stream.Close()

	var got []string
	for ev := range stream.Events() {
		got = append(got, ev.String())
	}
	assert.Equal(t, []string{"[worker3] working on p"}, got)
}
