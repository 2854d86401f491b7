package cliclient

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fswatchd/fswatchd/internal/wire"
)

// fakeServer accepts a single connection, reads one frame, and replies
// with a fixed response, just enough to exercise Call's encode/decode
// path without standing up a real dispatcher.
func fakeServer(t *testing.T, sockPath string, reply wire.Object) {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		if _, _, err := wire.ReadFrame(bufio.NewReader(conn)); err != nil {
			return
		}
		_ = wire.WriteFrame(conn, wire.JSONCodec{}, wire.Obj(reply))
	}()
}

func TestCallRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "sock")
	reply := wire.ObjNew()
	reply.SetString("version", "1.0")
	reply.SetString("watch", "/repo")
	fakeServer(t, sock, reply)

	target := &Target{SockPath: sock}
	resp, err := Call(target, 2*time.Second, "watch", wire.String("/repo"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if w, _ := resp.Get("watch").AsString(); w != "/repo" {
		t.Fatalf("got %v", resp)
	}
}

func TestCallSurfacesErrorResponses(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "sock")
	reply := wire.ObjNew()
	reply.SetString("version", "1.0")
	reply.SetString("error", "boom")
	fakeServer(t, sock, reply)

	target := &Target{SockPath: sock}
	_, err := Call(target, 2*time.Second, "watch", wire.String("/repo"))
	if err == nil {
		t.Fatalf("expected Call to surface the error field as a Go error")
	}
}

func TestConnectFailsWithoutDaemon(t *testing.T) {
	target := &Target{SockPath: filepath.Join(t.TempDir(), "nonexistent")}
	if _, err := target.Connect(); err == nil {
		t.Fatalf("expected Connect to fail when nothing is listening")
	}
}
