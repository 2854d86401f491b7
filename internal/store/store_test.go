package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoadCursor(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cursors.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	if err := s.SaveCursor(ctx, "/repo", "n:build", 5, now); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	if err := s.SaveCursor(ctx, "/repo", "n:build", 9, now); err != nil {
		t.Fatalf("SaveCursor (update): %v", err)
	}

	got, err := s.LoadCursors(ctx, "/repo")
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	if got["n:build"] != 9 {
		t.Fatalf("got tick %d, want 9 (update should overwrite, not duplicate)", got["n:build"])
	}
}

func TestAllCursorsAcrossRoots(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cursors.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	_ = s.SaveCursor(ctx, "/a", "n:one", 1, now)
	_ = s.SaveCursor(ctx, "/b", "n:two", 2, now)

	all, err := s.AllCursors(ctx)
	if err != nil {
		t.Fatalf("AllCursors: %v", err)
	}
	if len(all) != 2 || all["/a"]["n:one"] != 1 || all["/b"]["n:two"] != 2 {
		t.Fatalf("unexpected cursor map: %#v", all)
	}
}
