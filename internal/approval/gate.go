// Package approval holds the one-shot decision that sits between worker
// completion and the execution phase.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type Mode int

const (
	AlwaysAllow Mode = iota
	AlwaysReject
	PromptUser
)

func (m Mode) String() string {
	switch m {
	case AlwaysAllow:
		return "always_allow"
	case AlwaysReject:
		return "always_reject"
	case PromptUser:
		return "prompt_user"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always_allow", "allow":
		return AlwaysAllow, nil
	case "always_reject", "reject":
		return AlwaysReject, nil
	case "prompt_user", "prompt", "":
		return PromptUser, nil
	default:
		return PromptUser, fmt.Errorf("unknown approval mode %q", s)
	}
}

type Decision int

const (
	Pending Decision = iota
	Approved
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Gate is decided at most once. Later decisions are ignored.
type Gate struct {
	mu       sync.Mutex
	decision Decision
	done     chan struct{}
}

func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Resolve records the decision and reports whether this call set it.
func (g *Gate) Resolve(approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decision != Pending {
		return false
	}
	if approved {
		g.decision = Approved
	} else {
		g.decision = Rejected
	}
	close(g.done)
	return true
}

func (g *Gate) Approve() bool { return g.Resolve(true) }
func (g *Gate) Reject() bool  { return g.Resolve(false) }

func (g *Gate) Decision() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decision
}

// Done is closed once a decision is recorded.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gate is decided or ctx ends.
func (g *Gate) Wait(ctx context.Context) (bool, error) {
	select {
	case <-g.done:
		return g.Decision() == Approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
