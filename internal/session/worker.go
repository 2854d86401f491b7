package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/fswatchd/fswatchd/internal/wire"
)

// Version is the server package version reported in every response
// envelope's "version" field, spec.md §4.2/§6. Overridable at build
// time via -ldflags "-X ...Version=...", matching the teacher's own
// build-info-derived version string.
var Version = "0.1.0-dev"

// Dispatch is the function signature internal/dispatch.Dispatch
// satisfies. It is passed in rather than imported directly to avoid a
// session<->dispatch import cycle (dispatch handlers need to enqueue
// responses on the very session they're handling).
type Dispatch func(registry *Registry, sess *Session, request wire.Value)

// Worker drives exactly one Session's steady-state loop: alternate
// between decoding inbound requests and draining the outbound queue,
// spec.md §4.5. One Worker runs per live session, on its own
// goroutine — Go's M:N goroutine scheduler parks it across blocking
// reads/writes without blocking any other session's worker, which is
// the property spec.md §5 requires of "one worker thread per live
// session."
type Worker struct {
	Registry *Registry
	Session  *Session
	Dispatch Dispatch
}

// readResult carries one decode outcome from the background reader
// goroutine back to Run's select loop.
type readResult struct {
	value wire.Value
	codec wire.Codec
	err   error
}

// Run is the worker's steady-state loop. It returns once the session
// is disconnected (peer hang-up, I/O error, or decode error) or ctx is
// cancelled. Run always removes the session from the registry exactly
// once before returning, satisfying spec.md §3's "destroyed exactly
// once" lifecycle invariant.
//
// Go's net.Conn has no portable "poll these two fds with a 200ms
// timeout" primitive at this level (unlike the raw poll(2) the
// original listener.c uses on the socket fd and a ping pipe), so the
// decode side runs on its own goroutine feeding readCh, and Run
// selects over readCh and the session's Wake channel with a 200ms
// ticker fallback, expressed with channels instead of poll(). Every
// branch ends by draining the outbound queue. When a read result and a
// wakeup are ready at the same time, select takes either one at random
// and the other on the next iteration; reads get no priority.
func (w *Worker) Run(ctx context.Context) {
	defer w.Registry.Remove(w.Session)
	defer w.Session.Conn.Close()

	readCh := make(chan readResult, 1)
	readerDone := make(chan struct{})
	go w.readLoop(readCh, readerDone)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case res := <-readCh:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					// Clean disconnect: spec.md §4.5 step 1.
					return
				}
				var decErr *wire.DecodeError
				if errors.As(res.err, &decErr) {
					// Decode failure: spec.md §7 kind 5 — write the
					// error straight to the connection, bypassing the
					// queue, then disconnect immediately (spec.md §9's
					// ambiguity resolution: no flush of any remaining
					// queued responses first).
					resp := wire.ObjNew()
					resp.SetString("version", Version)
					resp.SetString("error", decErr.Error())
					_ = writeBlocking(w.Session.Conn, w.Registry.Codec(w.Session), wire.Obj(resp))
					return
				}
				// Any other I/O error: silent session termination,
				// spec.md §7 kind 6.
				return
			}
			w.Registry.SetCodec(w.Session, res.codec)
			w.Dispatch(w.Registry, w.Session, res.value)
			w.drainOnce()

		case <-w.Session.Wake:
			w.Session.drainWake()
			w.drainOnce()

		case <-ticker.C:
			w.drainOnce()
		}
	}
}

// readLoop decodes frames in a loop and posts each outcome to readCh,
// stopping after the first error (including clean EOF). It exists so
// a blocking read never stalls Run's ability to also service wakeups.
func (w *Worker) readLoop(readCh chan<- readResult, done chan<- struct{}) {
	defer close(done)
	br := bufio.NewReader(w.Session.Conn)
	for {
		v, codec, err := wire.ReadFrame(br)
		readCh <- readResult{value: v, codec: codec, err: err}
		if err != nil {
			return
		}
	}
}

// drainOnce pops and writes every currently-queued response, switching
// the connection to blocking writes for each one so a single encoded
// message is emitted atomically with respect to partial writes,
// matching spec.md §4.5 step 4 and §5's resource discipline.
func (w *Worker) drainOnce() {
	for {
		v, ok := w.Registry.Pop(w.Session)
		if !ok {
			return
		}
		codec := w.Registry.Codec(w.Session)
		if err := writeBlocking(w.Session.Conn, codec, v); err != nil {
			slog.Warn("session write failed", "session", w.Session.ID, "err", err)
			return
		}
	}
}

// writeBlocking ensures conn is in blocking mode for the duration of
// one frame write. net.Conn in Go is blocking by default and has no
// "non-blocking mode" toggle at this layer (unlike the raw fd
// O_NONBLOCK flag the original flips around each write) — deadlines
// are Go's idiomatic substitute for backpressure control, so this
// simply clears any previously set deadline before writing, which is
// the closest equivalent to "switch to blocking mode."
func writeBlocking(conn net.Conn, codec wire.Codec, v wire.Value) error {
	_ = conn.SetWriteDeadline(time.Time{})
	return wire.WriteFrame(conn, codec, v)
}
