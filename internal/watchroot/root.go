// Package watchroot provides the Root resolver facade, spec.md §4.4: a
// thin front to the external filesystem-watching engine. The real
// watching engine (inode observation, file metadata, match lists) is
// explicitly out of scope per spec.md §1 — Root here is a
// self-contained, in-memory stand-in sufficient to make every
// dispatcher command runnable and testable, grounded on the contract
// spec.md §1/§6 draws around it rather than on any specific teacher
// file (the teacher has no filesystem-watching analogue; this package
// is original to the extent the black-box contract requires).
package watchroot

import (
	"context"
	"sync"

	"github.com/fswatchd/fswatchd/internal/broadcast"
	"github.com/fswatchd/fswatchd/internal/clock"
	"github.com/fswatchd/fswatchd/internal/reaper"
	"github.com/fswatchd/fswatchd/internal/session"
	"github.com/fswatchd/fswatchd/internal/trigger"
	"github.com/fswatchd/fswatchd/internal/wire"
)

// File is a synthetic matched-file record, standing in for the real
// query compiler/matcher's output (out of scope per spec.md §1/§6).
type File struct {
	Name   string
	Exists bool
	MTime  int64
}

// Root is one watched directory tree. It owns a clock.Root (ticks +
// cursor table) and a trigger table (internal/trigger), each guarded
// by its own lock; mu below guards the synthetic file set and open
// states. Together these are spec.md §5's "Root state: accessed under
// the root's own lock."
type Root struct {
	Path     string
	Clock    *clock.Root
	Triggers *trigger.Table

	mu     sync.Mutex
	files  map[string]*File // synthetic watched-file set, insertion order irrelevant
	ticked map[string]uint32 // file name -> tick it last changed at

	states map[string]bool // open "state-enter" names -> true while entered
}

// NewRoot creates an empty Root at path, wiring its trigger table to
// the shared reaper r so triggers fired against this root are reaped
// alongside every other root's.
func NewRoot(path string, r *reaper.Reaper) *Root {
	return &Root{
		Path:     path,
		Clock:    clock.NewRoot(),
		Triggers: trigger.NewTable(r),
		files:    make(map[string]*File),
		ticked:   make(map[string]uint32),
		states:   make(map[string]bool),
	}
}

// Touch records that name changed, bumping the root's tick and
// recording which tick the change happened at — the minimal machinery
// needed for "find"/"since"/"query" to report a deterministic,
// testable result without a real filesystem watcher underneath.
func (r *Root) Touch(name string) uint32 {
	t := r.Clock.Bump()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[name] = &File{Name: name, Exists: true, MTime: int64(t)}
	r.ticked[name] = t
	return t
}

// Remove marks name as deleted as of a new tick.
func (r *Root) Remove(name string) uint32 {
	t := r.Clock.Bump()
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[name]; ok {
		f.Exists = false
	} else {
		r.files[name] = &File{Name: name, Exists: false}
	}
	r.ticked[name] = t
	return t
}

// MatchesSince returns every file whose last change tick is strictly
// greater than since, standing in for the real query compiler's
// result set (spec.md §1 explicitly contracts that out). Files are
// returned in a stable, name-sorted order for test determinism.
func (r *Root) MatchesSince(since uint32) []File {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []File
	for name, t := range r.ticked {
		if t > since {
			out = append(out, *r.files[name])
		}
	}
	sortFiles(out)
	return out
}

// All returns every known file, for the "find" command (an unfiltered
// walk in the real engine; here, the full synthetic set).
func (r *Root) All() []File {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]File, 0, len(r.files))
	for _, f := range r.files {
		out = append(out, *f)
	}
	sortFiles(out)
	return out
}

// EnterState marks name as an open state (the "state-enter" command).
// Returns false if it was already open.
func (r *Root) EnterState(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[name] {
		return false
	}
	r.states[name] = true
	return true
}

// LeaveState closes an open state (the "state-leave" command).
// Returns false if it wasn't open.
func (r *Root) LeaveState(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.states[name] {
		return false
	}
	delete(r.states, name)
	return true
}

// FileListValue renders files as the wire array of file objects every
// find/since/query/subscription response carries. Exported so
// internal/dispatch's handlers and the subscription push built by
// NotifyChange share one rendering, rather than each command
// re-implementing the same {"name", "exists", "mtime"} shape.
func FileListValue(files []File) wire.Value {
	items := make([]wire.Value, 0, len(files))
	for _, f := range files {
		obj := wire.ObjNew()
		obj.SetString("name", f.Name)
		obj.Set("exists", wire.Bool(f.Exists))
		obj.Set("mtime", wire.Int64(f.MTime))
		items = append(items, wire.Obj(obj))
	}
	return wire.Array(items)
}

// NotifyChange simulates the out-of-scope watching engine (spec.md §1)
// observing a batch of file changes under r: each name is recorded via
// Touch, every trigger registered on r fires with the batch (spec.md
// §4.9), and every session currently subscribed to any query is sent a
// fresh subscription push carrying the changed files (spec.md §4.7).
// ctx bounds the triggers FireAll spawns; bcast may be nil (no
// sessions to notify, e.g. in unit tests exercising Touch directly).
func (r *Root) NotifyChange(ctx context.Context, bcast *broadcast.Broadcaster, names []string) []File {
	changed := make([]File, 0, len(names))
	for _, name := range names {
		r.Touch(name)
	}
	r.mu.Lock()
	for _, name := range names {
		if f, ok := r.files[name]; ok {
			changed = append(changed, *f)
		}
	}
	r.mu.Unlock()

	r.Triggers.FireAll(ctx, names)

	if bcast != nil {
		clockID := r.Clock.CurrentClockID()
		for _, name := range bcast.Registry.AllSubscriptionNames() {
			bcast.PublishSubscription(name, clockID, func(broadcast.SubscriptionMatch) wire.Value {
				return FileListValue(changed)
			})
		}
	}
	return changed
}

func sortFiles(files []File) {
	// Simple insertion sort: the synthetic file sets this stands in
	// for are small (test fixtures, debug tooling), so there's no case
	// for pulling in sort.Slice's reflection overhead here.
	for i := 1; i < len(files); i++ {
		j := i
		for j > 0 && files[j-1].Name > files[j].Name {
			files[j-1], files[j] = files[j], files[j-1]
			j--
		}
	}
}

// RootSet is the process-wide registry of watched roots, spec.md
// §4.4/§4.8 ("the watch engine," treated as a black box elsewhere).
// Guarded by its own lock, distinct from both the sessions registry
// lock and any individual Root's lock.
type RootSet struct {
	mu     sync.Mutex
	roots  map[string]*Root
	reaper *reaper.Reaper
}

// NewRootSet returns an empty RootSet whose roots fire triggers
// through r.
func NewRootSet(r *reaper.Reaper) *RootSet {
	return &RootSet{roots: make(map[string]*Root), reaper: r}
}

// Watch returns the Root at path, creating it if create is true and it
// doesn't yet exist. ok is false only when create is false and no such
// root is watched. created is true only on the call that actually
// allocated a new Root, so callers (Facade.ResolveOrErr) know exactly
// once when it's appropriate to seed persisted cursor state.
func (rs *RootSet) Watch(path string, create bool) (root *Root, ok bool, created bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if r, ok := rs.roots[path]; ok {
		return r, true, false
	}
	if !create {
		return nil, false, false
	}
	r := NewRoot(path, rs.reaper)
	rs.roots[path] = r
	return r, true, true
}

// Del removes the root at path. Returns false if it wasn't watched.
func (rs *RootSet) Del(path string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.roots[path]; !ok {
		return false
	}
	delete(rs.roots, path)
	return true
}

// List returns the paths of every watched root, sorted.
func (rs *RootSet) List() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, 0, len(rs.roots))
	for p := range rs.roots {
		out = append(out, p)
	}
	sortStrings(out)
	return out
}

// Clear removes every watched root, used by shutdown-server (spec.md
// §4.8: "instruct the watch engine to free all watched roots").
func (rs *RootSet) Clear() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.roots = make(map[string]*Root)
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		j := i
		for j > 0 && ss[j-1] > ss[j] {
			ss[j-1], ss[j] = ss[j], ss[j-1]
			j--
		}
	}
}

// CursorLoader is satisfied by *internal/store.Store; kept as a narrow
// interface here so watchroot doesn't need to import database/sql
// machinery just to seed a freshly created root's cursor table.
type CursorLoader interface {
	LoadCursors(ctx context.Context, rootPath string) (map[string]uint32, error)
}

// Facade is the thin front spec.md §4.4 describes, wrapping RootSet
// with the session-aware error-reporting and client-mode handling
// every command handler needs. Version is the string error responses
// carry in their "version" field — callers set it once to the same
// value session.Version/dispatch.Version use. Store is optional
// (SPEC_FULL §3's cursor-persistence expansion); when set, a Root
// freshly created by ResolveOrErr has its cursor table seeded from
// whatever this path's prior incarnation persisted.
type Facade struct {
	Roots   *RootSet
	Version string
	Store   CursorLoader
}

// ResolveOrErr reads the path argument at index, resolving it to a
// Root or sending an error response and returning (nil, false). When
// sess is in client-mode, it never creates a new watch (create is
// ignored and treated as false), matching spec.md §4.4. On the call
// that actually creates the root, its cursor table is seeded from
// Store if one is configured — restored cursors still report
// IsFreshInstance=true on first use (see clock.ParseSpec), so this is
// purely an optimization against losing cursor names across a daemon
// restart, never a change in clock semantics (SPEC_FULL §3).
func (f *Facade) ResolveOrErr(reg *session.Registry, sess *session.Session, args []wire.Value, index int, create bool) (*Root, bool) {
	if index >= len(args) {
		_ = reg.SendError(sess, f.Version, "missing path argument at position %d", index)
		return nil, false
	}
	path, ok := args[index].AsString()
	if !ok {
		_ = reg.SendError(sess, f.Version, "argument %d must be a string path", index)
		return nil, false
	}
	if sess.ClientMode {
		create = false
	}
	root, ok, created := f.Roots.Watch(path, create)
	if !ok {
		_ = reg.SendError(sess, f.Version, "unable to resolve root %s", path)
		return nil, false
	}
	if created && f.Store != nil {
		if cursors, err := f.Store.LoadCursors(context.Background(), path); err == nil {
			for name, tick := range cursors {
				root.Clock.RestoreCursor(name, tick)
			}
		}
	}
	return root, true
}
