package watchroot

import (
	"testing"

	"github.com/fswatchd/fswatchd/internal/reaper"
	"github.com/fswatchd/fswatchd/internal/session"
	"github.com/fswatchd/fswatchd/internal/wire"
)

func TestRootSetWatchCreatesOnce(t *testing.T) {
	rs := NewRootSet(reaper.New())

	r1, ok, created := rs.Watch("/repo", true)
	if !ok || !created {
		t.Fatalf("expected Watch to succeed and create with create=true")
	}
	r2, ok, created := rs.Watch("/repo", false)
	if !ok || r2 != r1 {
		t.Fatalf("expected the second Watch to return the same Root")
	}
	if created {
		t.Fatalf("second Watch of an existing root should not report created")
	}

	if _, ok, _ := rs.Watch("/other", false); ok {
		t.Fatalf("Watch with create=false on an unknown root should fail")
	}
}

func TestRootTouchBumpsTick(t *testing.T) {
	r := NewRoot("/repo", reaper.New())
	base := r.Clock.Ticks()

	t1 := r.Touch("a.txt")
	if t1 <= base {
		t.Fatalf("Touch should bump the tick past the baseline")
	}

	matches := r.MatchesSince(base)
	if len(matches) != 1 || matches[0].Name != "a.txt" {
		t.Fatalf("expected a.txt in MatchesSince, got %#v", matches)
	}

	empty := r.MatchesSince(t1)
	if len(empty) != 0 {
		t.Fatalf("expected no matches strictly after the latest tick, got %#v", empty)
	}
}

func TestRootStateEnterLeave(t *testing.T) {
	r := NewRoot("/repo", reaper.New())
	if !r.EnterState("rebuild") {
		t.Fatalf("first EnterState should succeed")
	}
	if r.EnterState("rebuild") {
		t.Fatalf("re-entering an already-open state should fail")
	}
	if !r.LeaveState("rebuild") {
		t.Fatalf("LeaveState should succeed on an open state")
	}
	if r.LeaveState("rebuild") {
		t.Fatalf("leaving an already-closed state should fail")
	}
}

func TestFacadeResolveOrErrClientModeNeverCreates(t *testing.T) {
	rs := NewRootSet(reaper.New())
	f := &Facade{Roots: rs, Version: "test"}
	reg := session.NewRegistry()
	sess := session.New(nil)
	sess.ClientMode = true
	reg.Add(sess)

	_, ok := f.ResolveOrErr(reg, sess, []wire.Value{wire.String("/new-root")}, 0, true)
	if ok {
		t.Fatalf("client-mode sessions must never create a new watch")
	}
	if _, ok := reg.Pop(sess); !ok {
		t.Fatalf("expected an error response to have been enqueued")
	}
}
