package clock

import (
	"os"
	"testing"

	"github.com/fswatchd/fswatchd/internal/wire"
)

func TestClockIDRoundTrip(t *testing.T) {
	cases := []struct {
		pid   int
		ticks uint32
	}{
		{0, 0},
		{1, 1},
		{12345, 4294967295},
		{os.Getpid(), 7},
	}

	for _, c := range cases {
		s := FormatClockID(c.pid, c.ticks)
		spec, err := ClassifySpec(wire.String(s))
		if err != nil {
			t.Fatalf("ClassifySpec(%q): %v", s, err)
		}
		if spec.Kind != SpecClockID {
			t.Fatalf("ClassifySpec(%q): want SpecClockID, got %v", s, spec.Kind)
		}
		if spec.Pid != c.pid || spec.Ticks != c.ticks {
			t.Fatalf("ClassifySpec(%q): got pid=%d ticks=%d", s, spec.Pid, spec.Ticks)
		}

		root := NewRoot()
		resolved, err := ParseSpec(wire.String(s), false, root)
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", s, err)
		}
		wantFresh := c.pid != os.Getpid()
		if resolved.IsFreshInstance != wantFresh {
			t.Fatalf("ParseSpec(%q): IsFreshInstance=%v want %v", s, resolved.IsFreshInstance, wantFresh)
		}
	}
}

func TestTimestampSpec(t *testing.T) {
	resolved, err := ParseSpec(wire.Int64(1700000000), false, nil)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if !resolved.IsTimestamp || resolved.TV != 1700000000 {
		t.Fatalf("got %+v", resolved)
	}
}

func TestCursorMonotonicity(t *testing.T) {
	root := NewRoot()

	first, err := ParseSpec(wire.String("n:X"), true, root)
	if err != nil {
		t.Fatalf("first ParseSpec: %v", err)
	}
	if !first.IsFreshInstance {
		t.Fatalf("first cursor lookup should be fresh instance")
	}

	var last uint32
	for i := 0; i < 5; i++ {
		r, err := ParseSpec(wire.String("n:X"), true, root)
		if err != nil {
			t.Fatalf("ParseSpec iter %d: %v", i, err)
		}
		if r.IsFreshInstance {
			t.Fatalf("iter %d: expected non-fresh after the first lookup", i)
		}
		if r.Ticks <= last && i > 0 {
			t.Fatalf("iter %d: ticks did not increase: got %d, prev %d", i, r.Ticks, last)
		}
		last = r.Ticks
	}
}

func TestCursorRejectedWithoutAllow(t *testing.T) {
	root := NewRoot()
	if _, err := ParseSpec(wire.String("n:X"), false, root); err == nil {
		t.Fatalf("expected error for disallowed cursor")
	}
}

func TestTickBumpOnEqualClockID(t *testing.T) {
	root := NewRoot()
	root.Bump() // ticks = 1
	before := root.Ticks()

	id := FormatClockID(os.Getpid(), before)
	if _, err := ParseSpec(wire.String(id), false, root); err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if got := root.Ticks(); got != before+1 {
		t.Fatalf("ticks after equal ClockID: got %d, want %d", got, before+1)
	}

	// A ClockID behind the current tick must not bump it further.
	if _, err := ParseSpec(wire.String(id), false, root); err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if got := root.Ticks(); got != before+1 {
		t.Fatalf("ticks after stale ClockID: got %d, want %d", got, before+1)
	}
}
