// Package dispatch implements the command registry and dispatcher,
// spec.md §4.3: validating a request envelope, selecting a named
// handler, and invoking it synchronously on the calling worker.
package dispatch

import (
	"github.com/fswatchd/fswatchd/internal/broadcast"
	"github.com/fswatchd/fswatchd/internal/config"
	"github.com/fswatchd/fswatchd/internal/session"
	"github.com/fswatchd/fswatchd/internal/store"
	"github.com/fswatchd/fswatchd/internal/watchroot"
	"github.com/fswatchd/fswatchd/internal/wire"
)

// Version is the server package version string, initialised from
// internal/session.Version (see its doc comment for the build-override
// convention) so handler responses and the session worker's own error
// responses report the same version.
var Version = session.Version

// Handler processes one request's arguments (the request array with
// element 0, the command name, already stripped) against env and
// sess, producing zero or more responses via env.Registry.
type Handler func(env *Env, sess *session.Session, args []wire.Value)

// Env bundles the dependencies every handler needs: the sessions
// registry (to enqueue responses), the watched-roots registry, the
// broadcaster for subscription/log fan-out, the cursor-persistence
// store, and a Shutdown callback the shutdown-server handler invokes.
type Env struct {
	Registry    *session.Registry
	Roots       *watchroot.Facade
	Broadcaster *broadcast.Broadcaster
	Store       *store.Store // may be nil (persistence is optional)
	Config      *config.Config
	SockPath    string
	Shutdown    func()
}

// Registry is the immutable-after-startup command table, spec.md
// §3/§5: "mapping from command name to handler," read without
// synchronization once built.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds the full command table (spec.md §4.3, SPEC_FULL
// §4.3's expanded list) and returns it. Call once at startup, before
// the accept loop begins; never mutated afterward.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for name, h := range builtinCommands() {
		r.handlers[name] = h
	}
	return r
}

// Dispatch implements spec.md §4.3's dispatch_command: validate the
// envelope, look up the handler, invoke it. It satisfies the
// session.Dispatch signature (via Registry.AsSessionDispatch) so the
// session package never imports dispatch directly.
func (r *Registry) Dispatch(env *Env, registry *session.Registry, sess *session.Session, request wire.Value) {
	items, ok := request.AsArray()
	if !ok || len(items) == 0 {
		_ = registry.SendError(sess, Version, "invalid command (expected an array with some elements!)")
		return
	}

	name, ok := items[0].AsString()
	if !ok {
		_ = registry.SendError(sess, Version, "invalid command: expected element 0 to be the command name")
		return
	}

	handler, ok := r.handlers[name]
	if !ok {
		_ = registry.SendError(sess, Version, "unknown command %s", name)
		return
	}

	// Handlers MUST NOT retain references to request/items beyond this
	// call; nothing below holds on to them after Dispatch returns.
	handler(env, sess, items[1:])
}

// AsSessionDispatch adapts r and env into a session.Dispatch closure,
// the one place the dispatch<->session dependency direction is
// bridged (dispatch depends on session; session never depends on
// dispatch, avoiding an import cycle).
func (r *Registry) AsSessionDispatch(env *Env) session.Dispatch {
	return func(registry *session.Registry, sess *session.Session, request wire.Value) {
		r.Dispatch(env, registry, sess, request)
	}
}

// NewResponse builds a fresh response object carrying only
// "version" — spec.md §4.2's "a correctly shaped response always
// carries version set by the response constructor."
func NewResponse() wire.Object {
	resp := wire.ObjNew()
	resp.SetString("version", Version)
	return resp
}
