// Package clock implements the logical-clock and cursor-based "since"
// semantics queries use to express "changes since": a per-root
// monotonic tick counter, a table of named cursors into that counter,
// and the client-facing ClockSpec parser.
package clock

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/fswatchd/fswatchd/internal/wire"
)

// clockIDPattern matches the textual ClockID form "c:<pid>:<ticks>".
var clockIDPattern = regexp.MustCompile(`^c:(\d+):(\d+)$`)

const cursorPrefix = "n:"

// Root owns the tick counter and cursor table for one watched root. It
// is guarded by its own lock, distinct from the sessions registry
// lock, matching spec.md §5's "Root state: accessed under the root's
// own lock."
type Root struct {
	mu       sync.Mutex
	ticks    uint32
	cursors  map[string]uint32
	restored map[string]bool // cursors seeded by RestoreCursor and not yet used
}

// NewRoot returns a Root with ticks starting at zero.
func NewRoot() *Root {
	return &Root{cursors: make(map[string]uint32)}
}

// Ticks returns the current tick value. Used by callers (e.g. the
// "clock" command) that must read it without mutating it.
func (r *Root) Ticks() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks
}

// Bump increments ticks by one and returns the new value. Callers that
// observe a filesystem change call this before publishing the change.
func (r *Root) Bump() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
	return r.ticks
}

// RestoreCursor seeds the cursor table from a persisted snapshot
// (internal/store). It does not touch ticks: a restored cursor is
// always evaluated as belonging to a different incarnation the first
// time it's used (see ParseSpec), so seeding it here keeps the cursor
// name in the table without changing clock semantics.
func (r *Root) RestoreCursor(name string, tick uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[name] = tick
	if r.restored == nil {
		r.restored = make(map[string]bool)
	}
	r.restored[name] = true
}

// Snapshot returns a copy of the cursor table, for persistence or the
// debug-show-cursors command.
func (r *Root) Snapshot() map[string]uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint32, len(r.cursors))
	for k, v := range r.cursors {
		out[k] = v
	}
	return out
}

// CurrentClockID renders "c:<pid>:<ticks>" under the root's lock,
// matching spec.md §4.1's current_clock_id.
func (r *Root) CurrentClockID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return FormatClockID(os.Getpid(), r.ticks)
}

// Annotate adds "clock": current_clock_id() to resp, matching
// spec.md §4.1's annotate. Must be called without any other lock on r
// held by the caller (it acquires r's lock itself).
func (r *Root) Annotate(resp wire.Object) {
	resp.SetString("clock", r.CurrentClockID())
}

// FormatClockID renders the ClockID textual form. Exposed standalone
// so tests can exercise the string format independent of a Root.
func FormatClockID(pid int, ticks uint32) string {
	return fmt.Sprintf("c:%d:%d", pid, ticks)
}

// SpecKind tags which alternative of ClockSpec a parsed value is.
type SpecKind int

const (
	SpecTimestamp SpecKind = iota
	SpecClockID
	SpecCursor
)

// Spec is the client-supplied "since" reference, spec.md §3's
// ClockSpec.
type Spec struct {
	Kind    SpecKind
	Seconds int64  // SpecTimestamp
	Pid     int    // SpecClockID
	Ticks   uint32 // SpecClockID
	Name    string // SpecCursor
}

// Resolved is the dispatcher output consumed by query execution,
// spec.md §3's ResolvedSince.
type Resolved struct {
	IsTimestamp     bool
	TV              int64
	Ticks           uint32
	IsFreshInstance bool
}

// ClassifySpec performs the tagged-value classification from spec.md
// §3 on a raw wire value, without touching any Root state. ParseSpec
// (below) builds on this to additionally resolve cursors/ClockIDs
// against a Root.
func ClassifySpec(value wire.Value) (Spec, error) {
	switch value.Kind {
	case wire.KindInt64:
		return Spec{Kind: SpecTimestamp, Seconds: value.Int}, nil
	case wire.KindString:
		s := value.Str
		if m := clockIDPattern.FindStringSubmatch(s); m != nil {
			pid, err := strconv.Atoi(m[1])
			if err != nil {
				return Spec{}, fmt.Errorf("invalid clockspec %q: bad pid", s)
			}
			ticks, err := strconv.ParseUint(m[2], 10, 32)
			if err != nil {
				return Spec{}, fmt.Errorf("invalid clockspec %q: bad ticks", s)
			}
			return Spec{Kind: SpecClockID, Pid: pid, Ticks: uint32(ticks)}, nil
		}
		if len(s) > len(cursorPrefix) && s[:len(cursorPrefix)] == cursorPrefix {
			return Spec{Kind: SpecCursor, Name: s}, nil
		}
		return Spec{}, fmt.Errorf("invalid clockspec %q", s)
	default:
		return Spec{}, fmt.Errorf("invalid clockspec: expected an integer timestamp or a string")
	}
}

// ParseSpec classifies value and, for a Cursor or ClockID spec,
// resolves it against root exactly as spec.md §4.1 describes:
//
//   - Cursor (allowCursor required): look up the name under root's
//     lock; if absent (or seeded by RestoreCursor and not used since),
//     report IsFreshInstance and Ticks=0; either way, bump root.ticks
//     and store the new value against that cursor.
//   - ClockID: if Pid doesn't match this process, report
//     IsFreshInstance with Ticks=0 (a different incarnation); if Pid
//     matches and Ticks equals root's current tick, bump root.ticks.
//   - Timestamp: resolved as-is, no root interaction.
func ParseSpec(value wire.Value, allowCursor bool, root *Root) (Resolved, error) {
	spec, err := ClassifySpec(value)
	if err != nil {
		return Resolved{}, err
	}

	switch spec.Kind {
	case SpecTimestamp:
		return Resolved{IsTimestamp: true, TV: spec.Seconds}, nil

	case SpecCursor:
		if !allowCursor {
			return Resolved{}, fmt.Errorf("cursor %q not permitted here", spec.Name)
		}
		if root == nil {
			return Resolved{}, fmt.Errorf("cursor %q requires a root", spec.Name)
		}
		root.mu.Lock()
		defer root.mu.Unlock()
		prior, ok := root.cursors[spec.Name]
		fresh := !ok || root.restored[spec.Name]
		ticks := uint32(0)
		if !fresh {
			ticks = prior
		}
		delete(root.restored, spec.Name)
		root.ticks++
		root.cursors[spec.Name] = root.ticks
		return Resolved{Ticks: ticks, IsFreshInstance: fresh}, nil

	case SpecClockID:
		if root == nil {
			return Resolved{}, fmt.Errorf("clockid requires a root")
		}
		if spec.Pid != os.Getpid() {
			return Resolved{IsFreshInstance: true}, nil
		}
		root.mu.Lock()
		defer root.mu.Unlock()
		if spec.Ticks == root.ticks {
			root.ticks++
		}
		return Resolved{Ticks: spec.Ticks}, nil

	default:
		return Resolved{}, fmt.Errorf("unreachable clockspec kind")
	}
}
