// Package broadcast implements fan-out of log lines and subscription
// payloads to every interested session, spec.md §4.7 (grounded on
// original_source/listener.c's w_log_to_clients and on the teacher's
// own session broadcast helper, which iterates a session set under a
// snapshot rather than the original's single reentrant lock — the
// same internal/session.Registry.ForEach discipline applies here).
package broadcast

import (
	"log/slog"

	"github.com/fswatchd/fswatchd/internal/session"
	"github.com/fswatchd/fswatchd/internal/wire"
)

// Broadcaster fans messages out to every session whose subscription or
// log-level state matches, via the shared session.Registry.
type Broadcaster struct {
	Registry *session.Registry
	Version  string
}

// New returns a Broadcaster bound to reg, tagging every broadcast
// response with version.
func New(reg *session.Registry, version string) *Broadcaster {
	return &Broadcaster{Registry: reg, Version: version}
}

// LogToClients delivers a log line to every session whose log level is
// at or above level, spec.md §4.7 ("log" unilateral response) — the Go
// equivalent of w_log_to_clients's walk over the reentrant sessions
// list, here a ForEach snapshot instead.
func (b *Broadcaster) LogToClients(level session.LogLevel, text string) {
	b.Registry.ForEach(func(s *session.Session) {
		if !b.Registry.LogEnabled(s, level) {
			return
		}
		resp := wire.ObjNew()
		resp.SetString("version", b.Version)
		resp.Set("log", wire.String(text))
		if err := b.Registry.Enqueue(s, wire.Obj(resp), true); err != nil {
			slog.Debug("broadcast log enqueue failed", "session", s.ID, "err", err)
		}
	})
}

// SubscriptionMatch is what PublishSubscription hands to build for
// each session that carries a matching subscription name.
type SubscriptionMatch struct {
	Session *session.Session
	Name    string
	Query   wire.Value
}

// PublishSubscription delivers one unilateral "subscription" response
// per session subscribed under name, spec.md §4.7. build renders the
// matched file list once per matching session, since it can
// legitimately differ per subscriber (distinct "since" cursors);
// clockID is the root's current "c:<pid>:<ticks>" string, shared by
// every subscriber of this round since they all observe the same
// change batch. The file list goes under "files", never under
// "clock" — "clock" always carries the clock-id string, matching
// every other response in spec.md §6.
func (b *Broadcaster) PublishSubscription(name, clockID string, build func(SubscriptionMatch) wire.Value) {
	b.Registry.ForEach(func(s *session.Session) {
		query, ok := b.Registry.Subscription(s, name)
		if !ok {
			return
		}
		payload := build(SubscriptionMatch{Session: s, Name: name, Query: query})
		resp := wire.ObjNew()
		resp.SetString("version", b.Version)
		resp.SetString("subscription", name)
		resp.Set("files", payload)
		resp.SetString("clock", clockID)
		if err := b.Registry.Enqueue(s, wire.Obj(resp), true); err != nil {
			slog.Debug("broadcast subscription enqueue failed", "session", s.ID, "name", name, "err", err)
		}
	})
}
