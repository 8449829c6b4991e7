package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Tier is the position of a role in the command hierarchy.
type Tier int

const (
	TierCommander Tier = iota
	TierAdvisor
	TierWorker
)

func (t Tier) String() string {
	switch t {
	case TierCommander:
		return "commander"
	case TierAdvisor:
		return "advisor"
	case TierWorker:
		return "worker"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Role identifies one resident process. Index is 1-based and only
// meaningful for workers.
type Role struct {
	Tier  Tier
	Index int
}

var (
	Commander = Role{Tier: TierCommander}
	Advisor   = Role{Tier: TierAdvisor}
)

func Worker(i int) Role {
	return Role{Tier: TierWorker, Index: i}
}

func (r Role) String() string {
	if r.Tier == TierWorker {
		return "worker" + strconv.Itoa(r.Index)
	}
	return r.Tier.String()
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "commander":
		return Commander, nil
	case "advisor":
		return Advisor, nil
	}
	if rest, ok := strings.CutPrefix(s, "worker"); ok {
		n, err := strconv.Atoi(rest)
		if err == nil && n >= 1 {
			return Worker(n), nil
		}
	}
	return Role{}, fmt.Errorf("unknown role %q", s)
}

// Roles lists every resident role for a formation of n workers.
func Roles(workers int) []Role {
	roles := make([]Role, 0, workers+2)
	roles = append(roles, Commander, Advisor)
	for i := 1; i <= workers; i++ {
		roles = append(roles, Worker(i))
	}
	return roles
}

// Phase is a logical step of the pipeline. Several phases share one
// physical role.
type Phase int

const (
	PhaseCommand Phase = iota
	PhaseAssign
	PhaseExecute
	PhaseReport
	PhaseWork
)

func (p Phase) String() string {
	switch p {
	case PhaseCommand:
		return "command"
	case PhaseAssign:
		return "assign"
	case PhaseExecute:
		return "execute"
	case PhaseReport:
		return "report"
	case PhaseWork:
		return "work"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Role maps the phase to the process that serves it. worker is only
// consulted for PhaseWork.
func (p Phase) Role(worker int) Role {
	switch p {
	case PhaseCommand:
		return Commander
	case PhaseAssign, PhaseExecute, PhaseReport:
		return Advisor
	default:
		return Worker(worker)
	}
}
