package trigger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fswatchd/fswatchd/internal/reaper"
)

func TestTableSetDelList(t *testing.T) {
	r := reaper.New()
	tbl := NewTable(r)

	tbl.Set(&Trigger{Name: "b", Command: []string{"true"}})
	tbl.Set(&Trigger{Name: "a", Command: []string{"true"}})

	list := tbl.List()
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("expected sorted [a b], got %#v", list)
	}

	if !tbl.Del("a") {
		t.Fatalf("Del should report true for an existing trigger")
	}
	if tbl.Del("a") {
		t.Fatalf("Del should report false the second time")
	}
	if len(tbl.List()) != 1 {
		t.Fatalf("expected 1 trigger remaining")
	}
}

func TestFireAllSpawnsAndReaps(t *testing.T) {
	r := reaper.New()
	tbl := NewTable(r)
	tbl.Set(&Trigger{Name: "echo", Command: []string{"true"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Run(ctx)

	if errs := tbl.FireAll(context.Background(), nil); len(errs) != 0 {
		t.Fatalf("FireAll: %v", errs)
	}

	// Give the reaper a couple of sweep intervals to collect the
	// short-lived child; this only checks that FireAll didn't error,
	// actual reaping is covered implicitly (no assertion needed on
	// process table state here since pending is unexported).
	time.Sleep(50 * time.Millisecond)
}

func TestFirePTYTrigger(t *testing.T) {
	r := reaper.New()
	tbl := NewTable(r)
	tbl.Set(&Trigger{Name: "echo-pty", Command: []string{"echo", "hi"}, UsePTY: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if errs := tbl.FireAll(context.Background(), nil); len(errs) != 0 {
		t.Fatalf("FireAll: %v", errs)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestFireFeedsChangedFilesOnStdin(t *testing.T) {
	r := reaper.New()
	tbl := NewTable(r)
	out := filepath.Join(t.TempDir(), "stdin.txt")
	tbl.Set(&Trigger{Name: "capture", Command: []string{"sh", "-c", "cat > " + out}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if errs := tbl.FireAll(context.Background(), []string{"a.txt", "b.txt"}); len(errs) != 0 {
		t.Fatalf("FireAll: %v", errs)
	}
	time.Sleep(100 * time.Millisecond)

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading captured stdin: %v", err)
	}
	if want := "a.txt\nb.txt\n"; string(got) != want {
		t.Fatalf("stdin = %q, want %q", got, want)
	}
}

func TestFirePTYFeedsChangedFilesOnStdin(t *testing.T) {
	r := reaper.New()
	tbl := NewTable(r)
	out := filepath.Join(t.TempDir(), "stdin.txt")
	tbl.Set(&Trigger{Name: "capture-pty", Command: []string{"sh", "-c", "cat > " + out}, UsePTY: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if errs := tbl.FireAll(context.Background(), []string{"a.txt", "b.txt"}); len(errs) != 0 {
		t.Fatalf("FireAll: %v", errs)
	}
	time.Sleep(100 * time.Millisecond)

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading captured stdin: %v", err)
	}
	if want := "a.txt\nb.txt\n"; string(got) != want {
		t.Fatalf("stdin = %q, want %q", got, want)
	}
}

func TestFireAllEmptyCommandErrors(t *testing.T) {
	r := reaper.New()
	tbl := NewTable(r)
	tbl.Set(&Trigger{Name: "broken", Command: nil})

	errs := tbl.FireAll(context.Background(), nil)
	if len(errs) != 1 {
		t.Fatalf("expected one error for an empty command, got %v", errs)
	}
}
