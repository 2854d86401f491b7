package session

import (
	"fmt"
	"sync"

	"github.com/fswatchd/fswatchd/internal/wire"
)

// Registry is the process-wide Sessions registry, spec.md §3/§5: a
// mapping from session identifier to Session guarded by a single lock
// that covers both registry mutation and per-session enqueue.
//
// Go's sync.Mutex has no portable reentrant form (see DESIGN.md /
// SPEC_FULL.md §9), so Registry does not attempt one. Instead,
// broadcast.LogToClients follows the alternative spec.md §9 itself
// describes as acceptable: snapshot the session list under the lock,
// release it, then call Enqueue per session (which re-acquires the
// lock itself, briefly, per session, never holding it across I/O).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers sess. Every entry that is present in the registry has
// an associated live worker, per spec.md §3's invariant — callers must
// start the worker goroutine immediately after Add succeeds.
func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = sess
}

// Remove deregisters sess. Safe to call more than once (e.g. both the
// worker's own cleanup and shutdown-server's self-removal) — a second
// call is a no-op.
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sess.ID)
}

// Len reports the number of live sessions, used by tests to assert
// registry liveness.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns a stable copy of the current session list for
// iteration outside the lock (used by broadcast fan-out, see the type
// doc comment above).
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Enqueue allocates a response node and appends it to sess's queue;
// if wake is true, it notifies sess's worker. Always returns nil —
// Go's garbage collector makes the spec's "allocation
// failure" path unreachable, but the signature still returns an error
// so call sites read the same as spec.md §4.2's enqueue_response.
// Must be the sole way any goroutine other than sess's own worker
// touches sess.Queue, Subscriptions, LogLevel, or Codec.
func (r *Registry) Enqueue(sess *Session, v wire.Value, wake bool) error {
	r.mu.Lock()
	sess.Queue.Push(v)
	r.mu.Unlock()
	if wake {
		sess.wake()
	}
	return nil
}

// SendAndDispose is the convenience wrapper from spec.md §4.2: take
// the lock, enqueue with wake=false, and (Go has no manual release to
// perform, the GC owns that) return.
func (r *Registry) SendAndDispose(sess *Session, v wire.Value) error {
	return r.Enqueue(sess, v, false)
}

// SendError builds {"version": ..., "error": <message>} and enqueues
// it without waking the worker, matching spec.md §4.2's send_error —
// errors are discovered by the worker on its own next iteration, not
// pushed asynchronously.
func (r *Registry) SendError(sess *Session, version, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	resp := wire.ObjNew()
	resp.SetString("version", version)
	resp.SetString("error", msg)
	return r.SendAndDispose(sess, wire.Obj(resp))
}

// Pop removes and returns the head of sess's outbound queue under the
// registry lock, matching spec.md §4.5 step 4 ("repeatedly pop under
// the sessions lock").
func (r *Registry) Pop(sess *Session) (wire.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sess.Queue.Pop()
}

// SetCodec records the wire variant detected on sess's first inbound
// frame under the registry lock, so a concurrent broadcast can't race
// with the worker's own first decode.
func (r *Registry) SetCodec(sess *Session, c wire.Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess.Codec == nil {
		sess.Codec = c
	}
}

// Codec returns sess's current codec (defaulting to JSON), under the
// registry lock.
func (r *Registry) Codec(sess *Session) wire.Codec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sess.codecOrDefault()
}

// SetLogLevel sets sess's minimum pushed log severity under the lock.
func (r *Registry) SetLogLevel(sess *Session, level LogLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess.LogLevel = level
}

// AddSubscription registers sub on sess, replacing any existing
// subscription of the same name, under the lock.
func (r *Registry) AddSubscription(sess *Session, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess.Subscriptions[sub.Name] = sub
}

// RemoveSubscription deletes the named subscription from sess under
// the lock. Returns false if it didn't exist.
func (r *Registry) RemoveSubscription(sess *Session, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := sess.Subscriptions[name]; !ok {
		return false
	}
	delete(sess.Subscriptions, name)
	return true
}

// LogEnabled reports whether sess currently wants log lines at level,
// under the lock.
func (r *Registry) LogEnabled(sess *Session, level LogLevel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sess.LogLevel != LogOff && level <= sess.LogLevel
}

// Subscription returns sess's stored query for the named subscription,
// under the lock. ok is false if sess has no such subscription.
func (r *Registry) Subscription(sess *Session, name string) (query wire.Value, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, found := sess.Subscriptions[name]
	if !found {
		return wire.Value{}, false
	}
	return sub.Query, true
}

// SubscriptionClockID renders the current clock-id string for the
// named subscription's owning root, under the lock. Returns "" if
// sess has no such subscription or it was registered without a
// RootClock (e.g. a test fixture).
func (r *Registry) SubscriptionClockID(sess *Session, name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := sess.Subscriptions[name]
	if !ok || sub.RootClock == nil {
		return ""
	}
	return sub.RootClock()
}

// SubscriptionNames returns sess's current subscription names, under
// the lock.
func (r *Registry) SubscriptionNames(sess *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(sess.Subscriptions))
	for name := range sess.Subscriptions {
		out = append(out, name)
	}
	return out
}

// AllSubscriptionNames returns the set of distinct subscription names
// currently registered across every live session, used by the
// broadcaster to know which subscriptions need re-evaluating when a
// root reports a change.
func (r *Registry) AllSubscriptionNames() []string {
	seen := make(map[string]struct{})
	for _, s := range r.Snapshot() {
		for _, name := range r.SubscriptionNames(s) {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

// ForEach calls fn for every session in a snapshot of the registry
// that is still registered when its turn comes. Only that liveness
// check takes the registry lock; fn itself runs without it, so fn may
// call Enqueue or any other Registry method, matching the broadcast
// fan-out discipline from spec.md §4.7/§9.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, s := range r.Snapshot() {
		r.mu.Lock()
		_, stillLive := r.sessions[s.ID]
		r.mu.Unlock()
		if stillLive {
			fn(s)
		}
	}
}
