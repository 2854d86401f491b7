package listener

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/fswatchd/fswatchd/internal/broadcast"
	"github.com/fswatchd/fswatchd/internal/dispatch"
	"github.com/fswatchd/fswatchd/internal/reaper"
	"github.com/fswatchd/fswatchd/internal/session"
	"github.com/fswatchd/fswatchd/internal/watchroot"
	"github.com/fswatchd/fswatchd/internal/wire"
)

func startTestDaemon(t *testing.T) (*Daemon, string, func()) {
	t.Helper()
	dir := t.TempDir()
	reg := session.NewRegistry()
	commands := dispatch.NewRegistry()
	roots := watchroot.NewRootSet(reaper.New())
	env := &dispatch.Env{
		Registry:    reg,
		Roots:       &watchroot.Facade{Roots: roots, Version: dispatch.Version},
		Broadcaster: broadcast.New(reg, dispatch.Version),
	}
	d := New(dir, 0, reg, commands, env, reaper.New())
	env.Shutdown = d.Shutdown

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Wait for the socket to exist before dialing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := net.Dial("unix", d.SockPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return d, d.SockPath, func() {
		cancel()
		<-done
	}
}

func dialAndRoundtrip(t *testing.T, sockPath string, request wire.Value) wire.Object {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.JSONCodec{}, request); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	v, _, err := wire.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	obj, ok := v.AsObject()
	if !ok {
		t.Fatalf("expected an object response, got %v", v)
	}
	return obj
}

func TestListenerClockOnKnownRoot(t *testing.T) {
	_, sock, stop := startTestDaemon(t)
	defer stop()

	watchResp := dialAndRoundtrip(t, sock, wire.Array([]wire.Value{wire.String("watch"), wire.String("/repo")}))
	if _, ok := watchResp.Get("clock").AsString(); !ok {
		t.Fatalf("expected a clock field in the watch response, got %v", watchResp)
	}

	clockResp := dialAndRoundtrip(t, sock, wire.Array([]wire.Value{wire.String("clock"), wire.String("/repo")}))
	if _, ok := clockResp.Get("clock").AsString(); !ok {
		t.Fatalf("expected a clock field in the clock response, got %v", clockResp)
	}
}

func TestListenerShutdown(t *testing.T) {
	d, sock, stop := startTestDaemon(t)
	defer stop()

	resp := dialAndRoundtrip(t, sock, wire.Array([]wire.Value{wire.String("shutdown-server")}))
	v := resp.Get("shutdown-server")
	if v.Kind != wire.KindBool || !v.Bool {
		t.Fatalf("expected shutdown-server=true, got %v", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := net.Dial("unix", d.SockPath); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener socket still accepting connections after shutdown-server")
}

func TestListenerCursorLivenessAcrossSessions(t *testing.T) {
	_, sock, stop := startTestDaemon(t)
	defer stop()

	dialAndRoundtrip(t, sock, wire.Array([]wire.Value{wire.String("watch"), wire.String("/repo")}))

	// Two independent connections use the same named cursor. Cursors
	// are root-scoped, not session-scoped (spec.md §8's liveness
	// property): the first use is a fresh instance, and the second sees
	// the tick the first one stored, with nothing changed since.
	since := wire.Array([]wire.Value{wire.String("since"), wire.String("/repo"), wire.String("n:cur")})

	first := dialAndRoundtrip(t, sock, since)
	if _, ok := first.Get("clock").AsString(); !ok {
		t.Fatalf("expected a clock field in the first since response, got %v", first)
	}
	if _, ok := first.Get("files").AsArray(); !ok {
		t.Fatalf("expected a files array in the first since response, got %v", first)
	}
	if v := first.Get("is_fresh_instance"); v.Kind != wire.KindBool || !v.Bool {
		t.Fatalf("expected is_fresh_instance=true on the cursor's first use, got %v", first)
	}

	second := dialAndRoundtrip(t, sock, since)
	files, ok := second.Get("files").AsArray()
	if !ok || len(files) != 0 {
		t.Fatalf("expected an empty files array in the second since response, got %v", second)
	}
	if v := second.Get("is_fresh_instance"); v.Kind != wire.KindBool || v.Bool {
		t.Fatalf("expected is_fresh_instance=false on the cursor's second use, got %v", second)
	}
}
