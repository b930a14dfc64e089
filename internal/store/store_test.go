package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmalloc/drover/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSession(id string) SessionRecord {
	now := time.Now().Truncate(time.Millisecond)
	return SessionRecord{
		ID:             id,
		Title:          "fix the parser",
		ProjectPath:    "/repo",
		WorktreePath:   "/repo/.drover-worktrees/" + id,
		Branch:         "drover/fix-the-parser-" + id,
		Status:         "running",
		CommitMode:     "checkpoint",
		PermissionMode: "approve",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleSession("s1")
	rec.AgentSessionID = "agent-1"
	rec.IsMainRepo = true
	rec.ErrorMessage = "boom"

	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != rec.Title || got.Branch != rec.Branch || got.Status != rec.Status {
		t.Errorf("fields lost: %+v", got)
	}
	if !got.IsMainRepo || got.AgentSessionID != "agent-1" || got.ErrorMessage != "boom" {
		t.Errorf("fields lost: %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at drifted: %v vs %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestSaveSessionUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleSession("s1")
	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.Status = "completed"
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Errorf("upsert did not apply: %s", got.Status)
	}

	all, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("upsert created a duplicate: %d rows", len(all))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.GetKind(err) != errors.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", errors.GetKind(err))
	}
}

func TestListSessionsOrderedByUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := sampleSession("old")
	old.UpdatedAt = time.Now().Add(-time.Hour)
	fresh := sampleSession("fresh")

	if err := s.SaveSession(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "fresh" {
		t.Errorf("expected most recently updated first, got %+v", all)
	}
}

func TestMessagesSequencePerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, sess := range []string{"a", "b"} {
		if err := s.SaveSession(ctx, sampleSession(sess)); err != nil {
			t.Fatal(err)
		}
	}

	seq1, err := s.AppendMessage(ctx, "a", "user", "first")
	if err != nil {
		t.Fatal(err)
	}
	seq2, err := s.AppendMessage(ctx, "a", "assistant", "second")
	if err != nil {
		t.Fatal(err)
	}
	seqB, err := s.AppendMessage(ctx, "b", "user", "other session")
	if err != nil {
		t.Fatal(err)
	}

	if seq1 != 1 || seq2 != 2 {
		t.Errorf("sequence not monotonic: %d, %d", seq1, seq2)
	}
	if seqB != 1 {
		t.Errorf("sequences must be per session, got %d", seqB)
	}

	msgs, err := s.Messages(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Role != "assistant" {
		t.Errorf("messages wrong: %+v", msgs)
	}
}

func TestPromptMarkerCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSession(ctx, sampleSession("a")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddPromptMarker(ctx, "a", 1, "do the thing"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddPromptMarker(ctx, "a", 3, "do another thing"); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkPromptCompleted(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	markers, err := s.PromptMarkers(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(markers))
	}
	// Most recent incomplete marker is the one completed.
	if markers[0].Completed {
		t.Errorf("older marker should remain incomplete: %+v", markers[0])
	}
	if !markers[0].CompletedAt.IsZero() {
		t.Errorf("incomplete marker should have no completion time: %v", markers[0].CompletedAt)
	}
	if !markers[1].Completed {
		t.Errorf("newest marker should be completed: %+v", markers[1])
	}
	if markers[1].CompletedAt.IsZero() {
		t.Error("completed marker should record when it finished")
	}
	if markers[1].CompletedAt.Before(markers[1].CreatedAt) {
		t.Errorf("completion %v precedes submission %v", markers[1].CompletedAt, markers[1].CreatedAt)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSession(ctx, sampleSession("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, "a", "user", "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddPromptMarker(ctx, "a", 1, "hello"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSession(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetSession(ctx, "a"); err == nil {
		t.Error("session should be gone")
	}
	msgs, err := s.Messages(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages should be gone, got %d", len(msgs))
	}
	markers, err := s.PromptMarkers(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 0 {
		t.Errorf("markers should be gone, got %d", len(markers))
	}
}
