package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/progress"
)

type outcome struct {
	text     string
	exitCode int
	err      error
}

// slot is the single in-flight job of an entry.
type slot struct {
	sink   progress.Sink
	result chan outcome
	// orphanTTL is set when the job gives up while its request is still
	// being written; the owed RESULT is recorded once the write lands.
	orphanTTL time.Duration
}

var errWriteStuck = errors.New("previous request still being written")

type deliverResult int

const (
	deliverOK deliverResult = iota
	deliverOrphan
	deliverNoJob
)

// entry is one running process and its in-flight slot.
type entry struct {
	role   model.Role
	proc   Process
	exited chan struct{}
	// exitErr is written before exited is closed.
	exitErr error

	mu   sync.Mutex
	slot *slot
	// orphans holds one expiry per RESULT line still owed to a job that
	// gave up waiting. The runner answers requests in order, so the next
	// len(orphans) RESULT lines and the OUT lines before them belong to
	// those jobs. A RESULT that has not shown up by its expiry never will.
	orphans []time.Time
	// writing is the slot whose request is still being written to stdin.
	writing *slot
	// changed is closed and replaced whenever orphans or writing shrink.
	changed chan struct{}
	dead    error
	now     func() time.Time
}

func newEntry(role model.Role, proc Process) *entry {
	return &entry{
		role:    role,
		proc:    proc,
		exited:  make(chan struct{}),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

func (e *entry) acquire(sink progress.Sink) (*slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead != nil {
		return nil, e.dead
	}
	if e.slot != nil {
		return nil, ErrBusy
	}
	s := &slot{sink: sink, result: make(chan outcome, 1)}
	e.slot = s
	return s, nil
}

func (e *entry) release(s *slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slot == s {
		e.slot = nil
	}
}

// abandon gives up on s. If its result already arrived it is returned
// instead and no orphan is recorded. ttl bounds how long the owed RESULT
// is waited for.
func (e *entry) abandon(s *slot, ttl time.Duration) (outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case out := <-s.result:
		return out, true
	default:
	}
	switch {
	case e.dead != nil:
	case e.writing == s:
		s.orphanTTL = ttl
	default:
		e.orphans = append(e.orphans, e.now().Add(ttl))
	}
	if e.slot == s {
		e.slot = nil
	}
	return outcome{}, false
}

// beginWrite marks s as writing its request.
func (e *entry) beginWrite(s *slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writing = s
}

// writeDone ends the write started by beginWrite. A job abandoned during
// the write starts owing its RESULT now, when the runner has the request.
func (e *entry) writeDone(s *slot, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writing == s {
		e.writing = nil
	}
	if s.orphanTTL > 0 && err == nil && e.dead == nil {
		e.orphans = append(e.orphans, e.now().Add(s.orphanTTL))
	}
	e.broadcastLocked()
}

// settle waits until no abandoned job still owes a RESULT and no request
// is half written, so the next RESULT belongs to the next job. Owed
// RESULTs expire on their own; a write still pending after writeWait
// yields errWriteStuck.
func (e *entry) settle(ctx context.Context, writeWait time.Duration) error {
	writeDeadline := e.now().Add(writeWait)
	for {
		e.mu.Lock()
		if e.dead != nil {
			err := e.dead
			e.mu.Unlock()
			return err
		}
		e.pruneLocked()
		if len(e.orphans) == 0 && e.writing == nil {
			e.mu.Unlock()
			return nil
		}
		changed := e.changed
		wait := writeDeadline.Sub(e.now())
		if e.writing == nil {
			wait = e.orphans[0].Sub(e.now())
			for _, exp := range e.orphans[1:] {
				wait = max(wait, exp.Sub(e.now()))
			}
		} else if wait <= 0 {
			e.mu.Unlock()
			return errWriteStuck
		}
		e.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// pruneLocked drops owed RESULTs past their expiry.
func (e *entry) pruneLocked() {
	if len(e.orphans) == 0 {
		return
	}
	now := e.now()
	kept := e.orphans[:0]
	for _, exp := range e.orphans {
		if now.Before(exp) {
			kept = append(kept, exp)
		}
	}
	if len(kept) < len(e.orphans) {
		e.orphans = kept
		e.broadcastLocked()
	}
}

func (e *entry) broadcastLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *entry) busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slot != nil
}

// currentSink returns the sink of the attached job, or nil while idle or
// while output of an abandoned job is still arriving.
func (e *entry) currentSink() progress.Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked()
	if len(e.orphans) > 0 || e.slot == nil {
		return nil
	}
	return e.slot.sink
}

func (e *entry) deliver(out outcome) deliverResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked()
	if len(e.orphans) > 0 {
		e.orphans = e.orphans[1:]
		e.broadcastLocked()
		return deliverOrphan
	}
	if e.slot == nil {
		return deliverNoJob
	}
	select {
	case e.slot.result <- out:
	default:
	}
	return deliverOK
}

// markDead fails the in-flight job and refuses new ones.
func (e *entry) markDead(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead != nil {
		return
	}
	e.dead = err
	e.orphans = nil
	e.broadcastLocked()
	if e.slot != nil {
		select {
		case e.slot.result <- outcome{err: err}:
		default:
		}
	}
}
