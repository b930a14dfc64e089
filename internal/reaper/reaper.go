// Package reaper terminates process trees. Shells and agent CLIs spawn
// children that outlive their parent's death; killing only the root pid
// leaks those children. The reaper discovers the full descendant set
// before signaling anything, then escalates from polite to forced
// termination, and reports anything that survived instead of failing.
package reaper

import (
	"context"
	"sort"
	"time"

	"github.com/jmalloc/drover/internal/logger"
)

// DefaultGrace is the wait between the polite phase and the forced phase.
const DefaultGrace = 5 * time.Second

// Lister enumerates live descendants of a pid, including the pid itself
// when alive. Implementations are platform-specific.
type Lister interface {
	Descendants(ctx context.Context, pid int) ([]int, error)
}

// Signaler delivers termination signals. Split from Lister so tests can
// fake both sides.
type Signaler interface {
	// Term asks pid to exit.
	Term(pid int) error
	// TermGroup asks pid's process group to exit.
	TermGroup(pid int) error
	// Kill forcibly ends pid.
	Kill(pid int) error
	// KillGroup forcibly ends pid's process group.
	KillGroup(pid int) error
	// Alive reports whether pid still exists.
	Alive(pid int) bool
}

// Report describes the outcome of a KillTree call. KillTree never
// returns an error; a partial failure shows up as Survivors.
type Report struct {
	// Killed is every pid that was targeted and is now gone.
	Killed []int
	// Survivors is every pid that was targeted but still exists.
	Survivors []int
}

// Clean reports whether the whole tree is gone.
func (r Report) Clean() bool {
	return len(r.Survivors) == 0
}

// Reaper kills process trees with a two-phase escalation.
type Reaper struct {
	lister Lister
	sig    Signaler
	grace  time.Duration
}

// New returns a reaper using the platform lister and signaler.
func New(grace time.Duration) *Reaper {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Reaper{lister: newPlatformLister(), sig: newPlatformSignaler(), grace: grace}
}

// NewWith returns a reaper with explicit dependencies, for tests.
func NewWith(lister Lister, sig Signaler, grace time.Duration) *Reaper {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Reaper{lister: lister, sig: sig, grace: grace}
}

// KillTree terminates pid and all its descendants.
//
// The descendant set is captured BEFORE any signal is sent: once the
// root dies, its children are reparented and can no longer be found by
// walking parent links. Phase one sends a polite termination to the
// root and its group, then waits up to the grace period for the tree to
// drain. Phase two force-kills the root, its group, and every pid from
// the pre-captured set. The tree is then re-enumerated and anything
// still alive is reported as a survivor.
func (r *Reaper) KillTree(ctx context.Context, pid int) Report {
	log := logger.ComponentLogger("reaper")

	targets, err := r.lister.Descendants(ctx, pid)
	if err != nil {
		log.Warn("descendant discovery failed, falling back to root pid only",
			"pid", pid, "error", err)
		targets = nil
	}
	targets = mergeTarget(targets, pid)

	// Phase one: polite.
	if err := r.sig.TermGroup(pid); err != nil {
		log.Debug("group term failed", "pid", pid, "error", err)
	}
	if err := r.sig.Term(pid); err != nil {
		log.Debug("term failed", "pid", pid, "error", err)
	}

	if r.waitForExit(ctx, targets) {
		return Report{Killed: targets}
	}

	// Phase two: forced. Signal everything captured up front, since
	// reparented children are invisible to a fresh walk.
	if err := r.sig.KillGroup(pid); err != nil {
		log.Debug("group kill failed", "pid", pid, "error", err)
	}
	for _, p := range targets {
		if r.sig.Alive(p) {
			if err := r.sig.Kill(p); err != nil {
				log.Debug("kill failed", "pid", p, "error", err)
			}
		}
	}

	// Give the kernel a moment to reap before the final check.
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}

	// Re-enumerate: anything spawned after the initial capture is not in
	// targets but still belongs to the tree. Kill late arrivals and fold
	// them into the final check.
	if live, lerr := r.lister.Descendants(ctx, pid); lerr == nil {
		known := make(map[int]bool, len(targets))
		for _, p := range targets {
			known[p] = true
		}
		for _, p := range live {
			if known[p] {
				continue
			}
			if r.sig.Alive(p) {
				if err := r.sig.Kill(p); err != nil {
					log.Debug("late kill failed", "pid", p, "error", err)
				}
			}
			targets = mergeTarget(targets, p)
		}
	}

	var killed, survivors []int
	for _, p := range targets {
		if r.sig.Alive(p) {
			survivors = append(survivors, p)
		} else {
			killed = append(killed, p)
		}
	}

	if len(survivors) > 0 {
		log.Warn("process tree not fully terminated",
			"pid", pid, "survivors", survivors)
	}
	return Report{Killed: killed, Survivors: survivors}
}

// waitForExit polls until every target is gone, the grace period
// elapses, or the context is cancelled. Returns true when the tree
// drained on its own.
func (r *Reaper) waitForExit(ctx context.Context, targets []int) bool {
	deadline := time.Now().Add(r.grace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.allDead(targets) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return r.allDead(targets)
		}
	}
}

func (r *Reaper) allDead(targets []int) bool {
	for _, p := range targets {
		if r.sig.Alive(p) {
			return false
		}
	}
	return true
}

func mergeTarget(targets []int, pid int) []int {
	seen := make(map[int]bool, len(targets)+1)
	out := make([]int, 0, len(targets)+1)
	for _, p := range append(targets, pid) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}
