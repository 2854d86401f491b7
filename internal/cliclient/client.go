// Package cliclient implements the one-shot request/response pattern
// the fswatchd CLI uses against a running daemon, grounded on the
// teacher's internal/client package: Target.Connect dials a single
// transport, Call sends one request and reads one response
// off it, and the caller closes the connection when done.
package cliclient

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fswatchd/fswatchd/internal/wire"
)

// Target describes where the daemon's Unix socket lives.
type Target struct {
	SockPath string
}

// Connect dials the daemon's socket.
func (t *Target) Connect() (net.Conn, error) {
	conn, err := net.Dial("unix", t.SockPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w (is the daemon running?)", t.SockPath, err)
	}
	return conn, nil
}

// Call sends one command envelope (command name followed by its
// arguments) using JSON framing, reads back exactly one response, and
// closes the connection — the CLI's building block for every simple,
// synchronous command.
func Call(target *Target, timeout time.Duration, command string, args ...wire.Value) (wire.Object, error) {
	conn, err := target.Connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	req := append([]wire.Value{wire.String(command)}, args...)
	if err := wire.WriteFrame(conn, wire.JSONCodec{}, wire.Array(req)); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	v, _, err := wire.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("connection closed before a response arrived")
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}

	obj, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("malformed response: expected an object, got %v", v)
	}
	if msg, ok := obj.Get("error").AsString(); ok {
		return obj, fmt.Errorf("%s", msg)
	}
	return obj, nil
}
