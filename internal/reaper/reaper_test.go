package reaper

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTree simulates a process tree where signals control liveness.
type fakeTree struct {
	mu       sync.Mutex
	parents  map[int]int // pid -> ppid
	alive    map[int]bool
	ignore   map[int]bool // pids that ignore polite termination
	immortal map[int]bool // pids that survive even SIGKILL
	termed   []int
	killed   []int
}

func newFakeTree(edges map[int]int) *fakeTree {
	t := &fakeTree{
		parents:  edges,
		alive:    make(map[int]bool),
		ignore:   make(map[int]bool),
		immortal: make(map[int]bool),
	}
	for pid, ppid := range edges {
		t.alive[pid] = true
		t.alive[ppid] = true
	}
	return t
}

func (t *fakeTree) Descendants(ctx context.Context, pid int) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	children := make(map[int][]int)
	for p, pp := range t.parents {
		children[pp] = append(children[pp], p)
	}

	var result []int
	queue := []int{pid}
	seen := map[int]bool{pid: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if t.alive[cur] {
			result = append(result, cur)
		}
		for _, c := range children[cur] {
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}
	return result, nil
}

func (t *fakeTree) Term(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.termed = append(t.termed, pid)
	if t.alive[pid] && !t.ignore[pid] && !t.immortal[pid] {
		t.alive[pid] = false
	}
	return nil
}

func (t *fakeTree) TermGroup(pid int) error {
	return nil
}

func (t *fakeTree) Kill(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.killed = append(t.killed, pid)
	if !t.immortal[pid] {
		t.alive[pid] = false
	}
	return nil
}

func (t *fakeTree) KillGroup(pid int) error {
	return nil
}

func (t *fakeTree) Alive(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive[pid]
}

func TestKillTreePoliteExit(t *testing.T) {
	// 100 -> 200 -> 300, with 200 -> 301 as a second child
	tree := newFakeTree(map[int]int{200: 100, 300: 200, 301: 200})
	// Children exit when the root is asked to
	tree.mu.Lock()
	tree.alive[200] = true
	tree.mu.Unlock()

	r := NewWith(tree, tree, 500*time.Millisecond)

	// Root exiting politely takes the children with it in this fake
	go func() {
		time.Sleep(50 * time.Millisecond)
		tree.mu.Lock()
		for pid := range tree.alive {
			tree.alive[pid] = false
		}
		tree.mu.Unlock()
	}()

	report := r.KillTree(context.Background(), 100)

	if !report.Clean() {
		t.Errorf("expected clean report, got survivors %v", report.Survivors)
	}
	if len(report.Killed) != 4 {
		t.Errorf("expected 4 killed pids, got %v", report.Killed)
	}
	tree.mu.Lock()
	killed := len(tree.killed)
	tree.mu.Unlock()
	if killed != 0 {
		t.Errorf("polite exit should not force-kill, but killed %v", tree.killed)
	}
}

func TestKillTreeEscalatesToKill(t *testing.T) {
	tree := newFakeTree(map[int]int{200: 100, 300: 200})
	tree.ignore[100] = true
	tree.ignore[200] = true
	tree.ignore[300] = true

	r := NewWith(tree, tree, 200*time.Millisecond)
	report := r.KillTree(context.Background(), 100)

	if !report.Clean() {
		t.Errorf("expected clean report after escalation, got survivors %v", report.Survivors)
	}
	tree.mu.Lock()
	killed := len(tree.killed)
	tree.mu.Unlock()
	if killed == 0 {
		t.Error("expected forced kills after grace period")
	}
}

func TestKillTreeReportsSurvivors(t *testing.T) {
	tree := newFakeTree(map[int]int{200: 100, 300: 200})
	tree.ignore[300] = true
	tree.immortal[300] = true

	r := NewWith(tree, tree, 100*time.Millisecond)
	report := r.KillTree(context.Background(), 100)

	if report.Clean() {
		t.Fatal("expected survivors in report")
	}
	if len(report.Survivors) != 1 || report.Survivors[0] != 300 {
		t.Errorf("expected survivor [300], got %v", report.Survivors)
	}
}

// lateSpawnLister makes a new child of the root appear after the first
// enumeration, as a process forked between capture and kill would.
type lateSpawnLister struct {
	*fakeTree
	once sync.Once
}

func (l *lateSpawnLister) Descendants(ctx context.Context, pid int) ([]int, error) {
	result, err := l.fakeTree.Descendants(ctx, pid)
	l.once.Do(func() {
		l.mu.Lock()
		l.parents[999] = pid
		l.alive[999] = true
		l.mu.Unlock()
	})
	return result, err
}

func TestKillTreeLateSpawnedChild(t *testing.T) {
	tree := newFakeTree(map[int]int{200: 100})
	tree.ignore[100] = true
	tree.ignore[200] = true

	r := NewWith(&lateSpawnLister{fakeTree: tree}, tree, 100*time.Millisecond)
	report := r.KillTree(context.Background(), 100)

	if !report.Clean() {
		t.Fatalf("expected clean report, got survivors %v", report.Survivors)
	}
	found := false
	for _, p := range report.Killed {
		if p == 999 {
			found = true
		}
	}
	if !found {
		t.Errorf("late-spawned child missing from killed set: %v", report.Killed)
	}
	if tree.Alive(999) {
		t.Error("late-spawned child should have been killed")
	}
}

func TestKillTreeDeepTreeCapturedBeforeSignaling(t *testing.T) {
	// Depth 4: 1 -> 2 -> 3 -> 4. All ignore polite termination. If
	// discovery happened after the root died, 3 and 4 would be missed.
	tree := newFakeTree(map[int]int{2: 1, 3: 2, 4: 3})
	for _, pid := range []int{1, 2, 3, 4} {
		tree.ignore[pid] = true
	}

	r := NewWith(tree, tree, 100*time.Millisecond)
	report := r.KillTree(context.Background(), 1)

	if !report.Clean() {
		t.Errorf("expected clean report, got survivors %v", report.Survivors)
	}
	if len(report.Killed) != 4 {
		t.Errorf("expected all 4 pids killed, got %v", report.Killed)
	}
}
