package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmalloc/drover/internal/config"
	"github.com/jmalloc/drover/internal/errors"
	"github.com/jmalloc/drover/internal/execx"
	"github.com/jmalloc/drover/internal/store"
)

func newTestOrchestrator(t *testing.T, fake *execx.FakeExecutor, cfg *config.Config) (*Orchestrator, *store.Store) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{
			AgentBinary:       "claude",
			KillGraceSeconds:  1,
			CreateConcurrency: 1,
			CommitPrefix:      "checkpoint: ",
		}
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	o := NewOrchestrator(cfg, st, nil, fake)
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o, st
}

func seedSession(t *testing.T, st *store.Store, rec store.SessionRecord) store.SessionRecord {
	t.Helper()
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if err := st.SaveSession(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestEffectiveStatusDerivesUnviewed(t *testing.T) {
	now := time.Now()

	rec := store.SessionRecord{Status: StatusCompleted, UpdatedAt: now, LastViewedAt: now.Add(-time.Minute)}
	if got := EffectiveStatus(rec); got != StatusCompletedUnviewed {
		t.Errorf("unviewed completed session should derive %s, got %s", StatusCompletedUnviewed, got)
	}

	rec.LastViewedAt = now.Add(time.Second)
	if got := EffectiveStatus(rec); got != StatusCompleted {
		t.Errorf("viewed completed session should stay %s, got %s", StatusCompleted, got)
	}

	rec.Status = StatusRunning
	rec.LastViewedAt = time.Time{}
	if got := EffectiveStatus(rec); got != StatusRunning {
		t.Errorf("derivation must only apply to completed sessions, got %s", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := [][2]string{
		{StatusInitializing, StatusRunning},
		{StatusRunning, StatusWaiting},
		{StatusWaiting, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusStopped, StatusRunning},
		{StatusError, StatusRunning},
		{StatusRunning, StatusRunning},
	}
	for _, tr := range allowed {
		if !transitionAllowed(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}

	forbidden := [][2]string{
		{StatusInitializing, StatusCompleted},
		{StatusCompleted, StatusWaiting},
		{StatusStopped, StatusWaiting},
		{StatusStopped, StatusCompleted},
		{StatusError, StatusCompleted},
	}
	for _, tr := range forbidden {
		if transitionAllowed(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be rejected", tr[0], tr[1])
		}
	}
}

func TestUpdateRejectsInvalidTransition(t *testing.T) {
	o, st := newTestOrchestrator(t, execx.NewFakeExecutor(), nil)
	rec := seedSession(t, st, store.SessionRecord{
		ID: "s1", ProjectPath: "/repo", Status: StatusCompleted,
	})

	err := o.update(context.Background(), rec.ID, func(r *store.SessionRecord) {
		r.Status = StatusWaiting
	})
	if err == nil {
		t.Fatal("completed -> waiting should be rejected")
	}
	if errors.GetKind(err) != errors.KindInvalid {
		t.Errorf("expected KindInvalid, got %v", errors.GetKind(err))
	}

	got, _ := st.GetSession(context.Background(), rec.ID)
	if got.Status != StatusCompleted {
		t.Errorf("rejected transition must not persist, status is %s", got.Status)
	}
}

func TestMarkViewedClearsUnviewed(t *testing.T) {
	o, st := newTestOrchestrator(t, execx.NewFakeExecutor(), nil)
	rec := seedSession(t, st, store.SessionRecord{
		ID: "s1", ProjectPath: "/repo", Status: StatusCompleted,
		UpdatedAt: time.Now().Add(-time.Minute),
	})

	got, err := o.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompletedUnviewed {
		t.Fatalf("expected derived unviewed status, got %s", got.Status)
	}

	if err := o.MarkViewed(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	got, err = o.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("viewed session should show %s, got %s", StatusCompleted, got.Status)
	}
}

func TestArchiveRemovesWorktree(t *testing.T) {
	fake := execx.NewFakeExecutor()
	o, st := newTestOrchestrator(t, fake, nil)
	rec := seedSession(t, st, store.SessionRecord{
		ID: "s1", ProjectPath: "/repo", WorktreePath: "/repo/.drover-worktrees/s1",
		Branch: "drover/fix-abc12345", Status: StatusStopped,
	})

	if err := o.Archive(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	if !fake.CalledWith("git worktree remove /repo/.drover-worktrees/s1 --force") {
		t.Error("worktree was not removed")
	}
	if _, err := st.GetSession(context.Background(), rec.ID); err == nil {
		t.Error("session record should be gone")
	}
}

func TestArchiveMainRepoSessionLeavesRepoAlone(t *testing.T) {
	fake := execx.NewFakeExecutor()
	o, st := newTestOrchestrator(t, fake, nil)
	rec := seedSession(t, st, store.SessionRecord{
		ID: "s1", ProjectPath: "/repo", WorktreePath: "/repo",
		Branch: "main", Status: StatusStopped, IsMainRepo: true,
	})

	if err := o.Archive(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	for _, call := range fake.Calls() {
		line := call.String()
		if line == "git worktree remove /repo --force" {
			t.Fatalf("main repository must never be removed: %s", line)
		}
	}
	if _, err := st.GetSession(context.Background(), rec.ID); err == nil {
		t.Error("session record should be gone")
	}
}

func TestRunScriptUnknownScript(t *testing.T) {
	cfg := &config.Config{
		AgentBinary: "claude", KillGraceSeconds: 1, CreateConcurrency: 1,
		Projects: map[string]config.Project{
			"app": {Path: "/repo", Scripts: map[string]string{"test": "make test"}},
		},
	}
	o, st := newTestOrchestrator(t, execx.NewFakeExecutor(), cfg)
	rec := seedSession(t, st, store.SessionRecord{
		ID: "s1", ProjectPath: "/repo", WorktreePath: "/wt", Status: StatusStopped,
	})

	if _, err := o.RunScript(context.Background(), rec.ID, "lint"); err == nil {
		t.Error("unknown script should error")
	} else if errors.GetKind(err) != errors.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", errors.GetKind(err))
	}
}

func TestRunScriptExecutesInWorktree(t *testing.T) {
	cfg := &config.Config{
		AgentBinary: "claude", KillGraceSeconds: 1, CreateConcurrency: 1,
		Projects: map[string]config.Project{
			"app": {Path: "/repo", Scripts: map[string]string{"test": "make test"}},
		},
	}
	fake := execx.NewFakeExecutor()
	fake.StubOutput("sh -c make test", "ok\n")
	o, st := newTestOrchestrator(t, fake, cfg)
	rec := seedSession(t, st, store.SessionRecord{
		ID: "s1", ProjectPath: "/repo", WorktreePath: "/wt", Status: StatusStopped,
	})

	out, err := o.RunScript(context.Background(), rec.ID, "test")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok\n" {
		t.Errorf("script output lost: %q", out)
	}

	calls := fake.Calls()
	if len(calls) == 0 || calls[len(calls)-1].Dir != "/wt" {
		t.Errorf("script must run in the worktree, calls: %+v", calls)
	}
}

func TestRunScriptStopsPreviousOccupant(t *testing.T) {
	cfg := &config.Config{
		AgentBinary: "claude", KillGraceSeconds: 1, CreateConcurrency: 1,
		Projects: map[string]config.Project{
			"app": {Path: "/repo", Scripts: map[string]string{"test": "make test"}},
		},
	}
	fake := execx.NewFakeExecutor()
	fake.StubOutput("sh -c make test", "ok\n")
	o, st := newTestOrchestrator(t, fake, cfg)
	rec := seedSession(t, st, store.SessionRecord{
		ID: "s1", ProjectPath: "/repo", WorktreePath: "/wt", Status: StatusStopped,
	})

	// Simulate another session's script occupying the slot. Its done
	// channel closes only once it has been cancelled, mirroring a real
	// script awaiting process exit.
	cancelled := make(chan struct{})
	prev := &scriptRun{
		sessionID: "other",
		cancel:    func() { close(cancelled) },
		done:      make(chan struct{}),
	}
	go func() {
		<-cancelled
		o.mu.Lock()
		o.activeScript = nil
		o.mu.Unlock()
		close(prev.done)
	}()
	o.mu.Lock()
	o.activeScript = prev
	o.mu.Unlock()

	out, err := o.RunScript(context.Background(), rec.ID, "test")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok\n" {
		t.Errorf("script output lost: %q", out)
	}

	select {
	case <-cancelled:
	default:
		t.Error("previous script was not stopped")
	}
	o.mu.Lock()
	if o.activeScript != nil {
		t.Error("slot not released after script finished")
	}
	o.mu.Unlock()
}

func TestStopScriptNoOpWhenIdle(t *testing.T) {
	o, _ := newTestOrchestrator(t, execx.NewFakeExecutor(), nil)
	// Must not block or panic.
	o.StopScript()
}

func TestStartupStopsOrphanedSessions(t *testing.T) {
	o, st := newTestOrchestrator(t, execx.NewFakeExecutor(), nil)

	seedSession(t, st, store.SessionRecord{ID: "a", ProjectPath: "/r", Status: StatusRunning})
	seedSession(t, st, store.SessionRecord{ID: "b", ProjectPath: "/r", Status: StatusWaiting})
	seedSession(t, st, store.SessionRecord{ID: "c", ProjectPath: "/r", Status: StatusCompleted,
		LastViewedAt: time.Now().Add(time.Minute)})

	if err := o.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct{ id, want string }{
		{"a", StatusStopped},
		{"b", StatusStopped},
		{"c", StatusCompleted},
	} {
		rec, err := st.GetSession(context.Background(), tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != tc.want {
			t.Errorf("session %s: got %s, want %s", tc.id, rec.Status, tc.want)
		}
	}
}

func TestCreateRequiresProjectPath(t *testing.T) {
	o, _ := newTestOrchestrator(t, execx.NewFakeExecutor(), nil)
	if _, err := o.Create(CreateRequest{}); err == nil {
		t.Error("empty project path should be rejected")
	}
}

func TestCreateRejectsUnknownCommitMode(t *testing.T) {
	o, _ := newTestOrchestrator(t, execx.NewFakeExecutor(), nil)
	_, err := o.Create(CreateRequest{ProjectPath: "/repo", CommitMode: "yolo"})
	if err == nil {
		t.Error("unknown commit mode should be rejected")
	}
}

func TestCreateRejectsUnknownPermissionMode(t *testing.T) {
	o, _ := newTestOrchestrator(t, execx.NewFakeExecutor(), nil)
	_, err := o.Create(CreateRequest{ProjectPath: "/repo", PermissionMode: "plan"})
	if err == nil {
		t.Fatal("unknown permission mode should be rejected")
	}
	if errors.GetKind(err) != errors.KindInvalid {
		t.Errorf("expected KindInvalid, got %v", errors.GetKind(err))
	}
}

func TestSendInputWithoutAgent(t *testing.T) {
	o, st := newTestOrchestrator(t, execx.NewFakeExecutor(), nil)
	rec := seedSession(t, st, store.SessionRecord{
		ID: "s1", ProjectPath: "/repo", WorktreePath: "/wt", Status: StatusStopped,
	})

	err := o.SendInput(context.Background(), rec.ID, "keep going")
	if err == nil {
		t.Fatal("expected error when the session has no running agent")
	}
	if errors.GetKind(err) != errors.KindAgent {
		t.Errorf("expected KindAgent, got %v", errors.GetKind(err))
	}
}
