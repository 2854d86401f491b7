// Package session implements the per-client Session, its outbound
// Queue, the process-wide Registry, and the Worker goroutine that
// drives a single connection's read/dispatch/drain loop.
package session

import (
	"net"

	"github.com/google/uuid"

	"github.com/fswatchd/fswatchd/internal/wire"
)

// LogLevel mirrors Watchman's severity ordering: Off disables log
// pushes to a session entirely; any other level is a minimum severity
// threshold (lower numeric value = more severe, matching syslog
// convention): a session whose level is T receives lines whose level
// is numerically <= T, see Registry.LogEnabled.
type LogLevel int

const (
	LogOff LogLevel = iota
	LogErr
	LogDebug
)

// Subscription is spec.md §3's Subscription: a long-lived association
// between a session and a query producing asynchronous pushes on
// matches. Query is opaque here (the real query compiler is out of
// scope per spec.md §1) — internal/watchroot treats it as a match
// predicate key. RootClock renders the owning root's current
// "c:<pid>:<ticks>" string on demand (typically bound to
// (*clock.Root).CurrentClockID at subscribe time); it is nil only in
// tests that don't care about the clock field.
type Subscription struct {
	Name      string
	Query     wire.Value
	RootClock func() string
}

// Session is one accepted connection's context: its I/O state,
// outbound queue, and subscription set (spec.md §3's Session).
//
// Every field below except Conn, ID, and Wake is mutated only while
// the owning Registry's lock is held — there is deliberately no
// separate per-session mutex, matching spec.md §5's single
// process-wide (reentrant) sessions lock covering "all enqueue
// operations and all registry mutations." A Session is never touched
// without going through its Registry.
type Session struct {
	ID   string // internal uuid trace id, never sent to the peer
	Conn net.Conn

	Queue         Queue
	Codec         wire.Codec // nil until the first frame sets it
	Subscriptions map[string]*Subscription
	LogLevel      LogLevel
	ClientMode    bool

	Wake chan struct{} // buffered(1); a non-blocking send is this session's wakeup byte
}

// New creates a Session wrapping conn. The codec is unset until the
// worker decodes the first inbound frame and records its variant,
// matching spec.md §9's "encoding memory on first message."
func New(conn net.Conn) *Session {
	return &Session{
		ID:            uuid.NewString(),
		Conn:          conn,
		Subscriptions: make(map[string]*Subscription),
		Wake:          make(chan struct{}, 1),
	}
}

// codecOrDefault returns the session's codec, defaulting to JSON if no
// inbound frame has been decoded yet (e.g. for a response sent before
// any request, which shouldn't happen in practice but must still pick
// something deterministic).
func (s *Session) codecOrDefault() wire.Codec {
	if s.Codec != nil {
		return s.Codec
	}
	return wire.JSONCodec{}
}

// wake performs the non-blocking notification send, the Go-idiomatic
// equivalent of writing one byte to a self-pipe wakeup channel.
func (s *Session) wake() {
	select {
	case s.Wake <- struct{}{}:
	default:
	}
}

// drainWake drains any pending wakeup notification without blocking,
// matching spec.md §4.5 step 3 ("drain it; the content is ignored").
func (s *Session) drainWake() {
	select {
	case <-s.Wake:
	default:
	}
}
