package dispatch

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fswatchd/fswatchd/internal/clock"
	"github.com/fswatchd/fswatchd/internal/session"
	"github.com/fswatchd/fswatchd/internal/trigger"
	"github.com/fswatchd/fswatchd/internal/watchroot"
	"github.com/fswatchd/fswatchd/internal/wire"
)

// builtinCommands returns the full command table, SPEC_FULL §4.3. Each
// handler follows the same shape as the original's per-command
// functions: validate arguments against args, resolve whatever root or
// session state it needs, then send exactly the responses spec.md §4.2
// describes for that command.
func builtinCommands() map[string]Handler {
	return map[string]Handler{
		"version":              cmdVersion,
		"get-pid":              cmdGetPid,
		"get-sockname":         cmdGetSockname,
		"get-config":           cmdGetConfig,
		"clock":                cmdClock,
		"watch":                cmdWatch,
		"watch-list":           cmdWatchList,
		"watch-del":            cmdWatchDel,
		"watch-del-all":        cmdWatchDelAll,
		"find":                 cmdFind,
		"since":                cmdSince,
		"query":                cmdQuery,
		"subscribe":            cmdSubscribe,
		"unsubscribe":          cmdUnsubscribe,
		"flush-subscriptions":  cmdFlushSubscriptions,
		"state-enter":          cmdStateEnter,
		"state-leave":          cmdStateLeave,
		"trigger":              cmdTrigger,
		"trigger-list":         cmdTriggerList,
		"trigger-del":          cmdTriggerDel,
		"log-level":            cmdLogLevel,
		"log":                  cmdLog,
		"shutdown-server":      cmdShutdownServer,
		"debug-recrawl":        cmdDebugRecrawl,
		"debug-show-cursors":   cmdDebugShowCursors,
		"debug-touch":          cmdDebugTouch,
	}
}

// respond sends a freshly built response object carrying "version",
// applying build to add command-specific fields, matching spec.md
// §4.2's "every response begins life via the response constructor."
func respond(env *Env, sess *session.Session, build func(wire.Object)) {
	resp := NewResponse()
	build(resp)
	_ = env.Registry.SendAndDispose(sess, wire.Obj(resp))
}

func fail(env *Env, sess *session.Session, format string, args ...any) {
	_ = env.Registry.SendError(sess, Version, format, args...)
}

func stringArg(args []wire.Value, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	return args[i].AsString()
}

func objectArg(args []wire.Value, i int) (wire.Object, bool) {
	if i >= len(args) {
		return nil, false
	}
	return args[i].AsObject()
}

func arrayArg(args []wire.Value, i int) ([]wire.Value, bool) {
	if i >= len(args) {
		return nil, false
	}
	return args[i].AsArray()
}

// persistCursor durably records a named cursor's post-parse tick,
// SPEC_FULL §3's cursor-persistence expansion: called after a
// successful clock.ParseSpec on a "since"/"query" clockspec that the
// caller already knows bumped root.Clock if it resolved to a cursor.
// A no-op when persistence is disabled or since wasn't a cursor.
func persistCursor(env *Env, root *watchroot.Root, since wire.Value) {
	if env.Store == nil {
		return
	}
	spec, err := clock.ClassifySpec(since)
	if err != nil || spec.Kind != clock.SpecCursor {
		return
	}
	_ = env.Store.SaveCursor(context.Background(), root.Path, spec.Name, root.Clock.Ticks(), time.Now())
}

func uint32MapValue(m map[string]uint32) wire.Value {
	obj := wire.ObjNew()
	for k, v := range m {
		obj.Set(k, wire.Int64(int64(v)))
	}
	return wire.Obj(obj)
}

// cmdVersion implements SPEC_FULL §4.3 "version": a response carrying
// only the base "version" field, the simplest possible command.
func cmdVersion(env *Env, sess *session.Session, args []wire.Value) {
	respond(env, sess, func(wire.Object) {})
}

// cmdGetPid reports the daemon's process id, used by clients to
// confirm they're talking to the instance they expect.
func cmdGetPid(env *Env, sess *session.Session, args []wire.Value) {
	respond(env, sess, func(resp wire.Object) {
		resp.Set("pid", wire.Int64(int64(os.Getpid())))
	})
}

// cmdGetSockname reports the listening socket path the daemon bound,
// so a CLI client started without -- sockname can still locate it.
func cmdGetSockname(env *Env, sess *session.Session, args []wire.Value) {
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("sockname", env.SockPath)
	})
}

// cmdGetConfig reports the effective runtime configuration, an
// introspection command added for operators, SPEC_FULL §11.
func cmdGetConfig(env *Env, sess *session.Session, args []wire.Value) {
	respond(env, sess, func(resp wire.Object) {
		cfg := wire.ObjNew()
		if env.Config != nil {
			cfg.SetString("sock_path", env.Config.SockPath)
			cfg.SetString("state_dir", env.Config.StateDir)
			cfg.SetString("log_level", env.Config.LogLevel)
			cfg.Set("persist_cursors", wire.Bool(env.Config.PersistCursors))
		}
		resp.Set("config", wire.Obj(cfg))
	})
}

// cmdClock implements spec.md §4.1's "clock" command: resolve the
// named root and report its current ClockID.
func cmdClock(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	respond(env, sess, func(resp wire.Object) {
		root.Clock.Annotate(resp)
	})
}

// cmdWatch implements spec.md §4.4's "watch": resolve or create the
// root, then report it's being watched with its current clock.
func cmdWatch(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, true)
	if !ok {
		return
	}
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("watch", root.Path)
		root.Clock.Annotate(resp)
	})
}

// cmdWatchList reports every path currently watched, spec.md §4.4.
func cmdWatchList(env *Env, sess *session.Session, args []wire.Value) {
	respond(env, sess, func(resp wire.Object) {
		roots := env.Roots.Roots.List()
		items := make([]wire.Value, len(roots))
		for i, p := range roots {
			items[i] = wire.String(p)
		}
		resp.Set("roots", wire.Array(items))
	})
}

// cmdWatchDel de-registers a root entirely, spec.md §4.4.
func cmdWatchDel(env *Env, sess *session.Session, args []wire.Value) {
	path, ok := stringArg(args, 0)
	if !ok {
		fail(env, sess, "watch-del requires a path argument")
		return
	}
	deleted := env.Roots.Roots.Del(path)
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("root", path)
		resp.Set("watch-del", wire.Bool(deleted))
	})
}

// cmdWatchDelAll tears down every watched root at once, used by
// operators resetting daemon state, SPEC_FULL §4.3.
func cmdWatchDelAll(env *Env, sess *session.Session, args []wire.Value) {
	roots := env.Roots.Roots.List()
	env.Roots.Roots.Clear()
	respond(env, sess, func(resp wire.Object) {
		items := make([]wire.Value, len(roots))
		for i, p := range roots {
			items[i] = wire.String(p)
		}
		resp.Set("roots", wire.Array(items))
	})
}

// cmdFind implements spec.md §4.4's "find": an unfiltered walk of
// every file currently known under the root.
func cmdFind(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	respond(env, sess, func(resp wire.Object) {
		resp.Set("files", watchroot.FileListValue(root.All()))
		root.Clock.Annotate(resp)
	})
}

// cmdSince implements spec.md §4.1's "since": resolve the ClockSpec at
// args[1] against the root, report everything that changed after it.
func cmdSince(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	if len(args) < 2 {
		fail(env, sess, "since requires a clockspec argument")
		return
	}
	resolved, err := clock.ParseSpec(args[1], true, root.Clock)
	if err != nil {
		fail(env, sess, "%s", err)
		return
	}
	persistCursor(env, root, args[1])
	respond(env, sess, func(resp wire.Object) {
		baseline := resolved.Ticks
		if resolved.IsTimestamp || resolved.IsFreshInstance {
			// A bare timestamp or a cursor/clockid from a prior
			// incarnation can't be mapped onto this process's tick
			// counter (the real query engine's domain, out of scope
			// per spec.md §1) — conservatively report every known file,
			// the same "fresh instance" full resync spec.md §4.1
			// prescribes for IsFreshInstance.
			resp.Set("files", watchroot.FileListValue(root.All()))
			resp.Set("is_fresh_instance", wire.Bool(true))
			root.Clock.Annotate(resp)
			return
		}
		resp.Set("files", watchroot.FileListValue(root.MatchesSince(baseline)))
		resp.Set("is_fresh_instance", wire.Bool(false))
		root.Clock.Annotate(resp)
	})
}

// cmdQuery implements spec.md §4.4's "query": args[1] is a query
// object; if it carries a "since" field, behave like cmdSince, else
// behave like cmdFind. The expression/fields/relative_root machinery a
// real query compiler would apply is explicitly out of scope.
func cmdQuery(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	q, _ := objectArg(args, 1)

	since := q.Get("since")
	if since.IsNull() {
		respond(env, sess, func(resp wire.Object) {
			resp.Set("files", watchroot.FileListValue(root.All()))
			root.Clock.Annotate(resp)
		})
		return
	}

	resolved, err := clock.ParseSpec(since, true, root.Clock)
	if err != nil {
		fail(env, sess, "%s", err)
		return
	}
	persistCursor(env, root, since)
	respond(env, sess, func(resp wire.Object) {
		if resolved.IsTimestamp || resolved.IsFreshInstance {
			resp.Set("files", watchroot.FileListValue(root.All()))
			resp.Set("is_fresh_instance", wire.Bool(true))
		} else {
			resp.Set("files", watchroot.FileListValue(root.MatchesSince(resolved.Ticks)))
			resp.Set("is_fresh_instance", wire.Bool(false))
		}
		root.Clock.Annotate(resp)
	})
}

// cmdSubscribe implements spec.md §4.7's "subscribe": associate a
// named, long-lived query with the calling session. Unlike watch/find,
// a subscription is always allowed to create the root, matching
// Watchman's own "subscribe implies watch" behavior.
func cmdSubscribe(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, true)
	if !ok {
		return
	}
	name, ok := stringArg(args, 1)
	if !ok {
		fail(env, sess, "subscribe requires a subscription name argument")
		return
	}
	var query wire.Value
	if len(args) > 2 {
		query = args[2]
	}
	env.Registry.AddSubscription(sess, &session.Subscription{Name: name, Query: query, RootClock: root.Clock.CurrentClockID})
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("subscribe", name)
		root.Clock.Annotate(resp)
	})
}

// cmdUnsubscribe implements spec.md §4.7's "unsubscribe".
func cmdUnsubscribe(env *Env, sess *session.Session, args []wire.Value) {
	name, ok := stringArg(args, 0)
	if !ok {
		fail(env, sess, "unsubscribe requires a subscription name argument")
		return
	}
	deleted := env.Registry.RemoveSubscription(sess, name)
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("unsubscribe", name)
		resp.Set("deleted", wire.Bool(deleted))
	})
}

// cmdFlushSubscriptions implements the SPEC_FULL §4.7 expansion of
// Watchman's synchronous flush command: re-deliver every one of the
// calling session's subscriptions immediately, rather than waiting for
// the next change notification, then acknowledge.
func cmdFlushSubscriptions(env *Env, sess *session.Session, args []wire.Value) {
	names := env.Registry.SubscriptionNames(sess)
	for _, name := range names {
		flushResp := NewResponse()
		flushResp.SetString("subscription", name)
		if clockID := env.Registry.SubscriptionClockID(sess, name); clockID != "" {
			flushResp.SetString("clock", clockID)
		}
		_ = env.Registry.SendAndDispose(sess, wire.Obj(flushResp))
	}
	respond(env, sess, func(resp wire.Object) {
		items := make([]wire.Value, len(names))
		for i, n := range names {
			items[i] = wire.String(n)
		}
		resp.Set("flushed", wire.Array(items))
	})
}

// cmdStateEnter implements spec.md §4.8's "state-enter".
func cmdStateEnter(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	name, ok := stringArg(args, 1)
	if !ok {
		fail(env, sess, "state-enter requires a state name argument")
		return
	}
	if !root.EnterState(name) {
		fail(env, sess, "state %q is already entered", name)
		return
	}
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("state-enter", name)
		root.Clock.Annotate(resp)
	})
}

// cmdStateLeave implements spec.md §4.8's "state-leave".
func cmdStateLeave(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	name, ok := stringArg(args, 1)
	if !ok {
		fail(env, sess, "state-leave requires a state name argument")
		return
	}
	if !root.LeaveState(name) {
		fail(env, sess, "state %q is not entered", name)
		return
	}
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("state-leave", name)
		root.Clock.Annotate(resp)
	})
}

// cmdTrigger implements spec.md §4.9's "trigger": register a command
// to run whenever the root changes. args[1] is an object carrying
// "name" (string) and "command" (array of strings).
func cmdTrigger(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, true)
	if !ok {
		return
	}
	spec, ok := objectArg(args, 1)
	if !ok {
		fail(env, sess, "trigger requires a trigger definition object")
		return
	}
	name, ok := spec.Get("name").AsString()
	if !ok || name == "" {
		fail(env, sess, "trigger definition requires a non-empty name")
		return
	}
	cmdArr, ok := spec.Get("command").AsArray()
	if !ok || len(cmdArr) == 0 {
		fail(env, sess, "trigger definition requires a non-empty command array")
		return
	}
	command := make([]string, len(cmdArr))
	for i, v := range cmdArr {
		s, ok := v.AsString()
		if !ok {
			fail(env, sess, "trigger command element %d is not a string", i)
			return
		}
		command[i] = s
	}
	appendArgs := true
	if v := spec.Get("append"); v.Kind == wire.KindBool {
		appendArgs = v.Bool
	}
	usePTY := false
	if v := spec.Get("pty"); v.Kind == wire.KindBool {
		usePTY = v.Bool
	}
	root.Triggers.Set(&trigger.Trigger{
		Name:       name,
		Command:    command,
		WorkDir:    root.Path,
		AppendArgs: appendArgs,
		UsePTY:     usePTY,
	})
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("triggerid", name)
	})
}

// cmdTriggerList implements spec.md §4.9's "trigger-list".
func cmdTriggerList(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	respond(env, sess, func(resp wire.Object) {
		triggers := root.Triggers.List()
		items := make([]wire.Value, len(triggers))
		for i, tr := range triggers {
			obj := wire.ObjNew()
			obj.SetString("name", tr.Name)
			cmdItems := make([]wire.Value, len(tr.Command))
			for j, c := range tr.Command {
				cmdItems[j] = wire.String(c)
			}
			obj.Set("command", wire.Array(cmdItems))
			obj.Set("append", wire.Bool(tr.AppendArgs))
			obj.Set("pty", wire.Bool(tr.UsePTY))
			items[i] = wire.Obj(obj)
		}
		resp.Set("triggers", wire.Array(items))
	})
}

// cmdTriggerDel implements spec.md §4.9's "trigger-del".
func cmdTriggerDel(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	name, ok := stringArg(args, 1)
	if !ok {
		fail(env, sess, "trigger-del requires a trigger name argument")
		return
	}
	deleted := root.Triggers.Del(name)
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("trigger", name)
		resp.Set("deleted", wire.Bool(deleted))
	})
}

// cmdLogLevel implements spec.md §4.7's "log-level": set the calling
// session's minimum pushed log severity.
func cmdLogLevel(env *Env, sess *session.Session, args []wire.Value) {
	levelStr, ok := stringArg(args, 0)
	if !ok {
		fail(env, sess, "log-level requires a level argument")
		return
	}
	level, ok := parseLogLevel(levelStr)
	if !ok {
		fail(env, sess, "unrecognized log level %q", levelStr)
		return
	}
	env.Registry.SetLogLevel(sess, level)
	respond(env, sess, func(resp wire.Object) {
		resp.SetString("log_level", levelStr)
	})
}

func parseLogLevel(s string) (session.LogLevel, bool) {
	switch s {
	case "off":
		return session.LogOff, true
	case "error", "err":
		return session.LogErr, true
	case "debug":
		return session.LogDebug, true
	default:
		return 0, false
	}
}

// cmdLog implements spec.md §4.7's "log": broadcast a line to every
// subscribed session, defaulting to debug severity.
func cmdLog(env *Env, sess *session.Session, args []wire.Value) {
	text, ok := stringArg(args, 0)
	if !ok {
		fail(env, sess, "log requires a text argument")
		return
	}
	level := session.LogDebug
	if levelStr, ok := stringArg(args, 1); ok {
		if parsed, ok := parseLogLevel(levelStr); ok {
			level = parsed
		}
	}
	env.Broadcaster.LogToClients(level, text)
	respond(env, sess, func(resp wire.Object) {
		resp.Set("logged", wire.Bool(true))
	})
}

// cmdShutdownServer implements spec.md §4.8's "shutdown-server": log a
// warning, instruct the listener to stop accepting connections, free
// all watched roots, and remove the calling session from the registry.
// Closing the listener makes listener.Daemon.Run return, which cancels
// every other session's worker and ends the process.
func cmdShutdownServer(env *Env, sess *session.Session, args []wire.Value) {
	slog.Warn("shutdown-server requested", "session", sess.ID)
	respond(env, sess, func(resp wire.Object) {
		resp.Set("shutdown-server", wire.Bool(true))
	})
	if env.Shutdown != nil {
		env.Shutdown()
	}
	env.Roots.Roots.Clear()
	env.Registry.Remove(sess)
}

// cmdDebugRecrawl implements SPEC_FULL's expansion of Watchman's
// "debug-recrawl": force a full resync of the root's state. The real
// watching engine would re-walk the filesystem from scratch; this
// stand-in simply advances the root's clock to signal completion,
// since there is no real crawl to force here (spec.md §1).
func cmdDebugRecrawl(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	root.Clock.Bump()
	respond(env, sess, func(resp wire.Object) {
		resp.Set("debug-recrawl", wire.Bool(true))
		root.Clock.Annotate(resp)
	})
}

// cmdDebugTouch implements SPEC_FULL's expansion of Watchman's
// "debug-touch": since the real filesystem-watching engine is out of
// scope (spec.md §1), this is the one entry point a test or operator
// has to simulate it observing a change — args[1] is an array of file
// names. It records the change, fires every trigger registered on the
// root (spec.md §4.9), and pushes a fresh payload to every subscribed
// session (spec.md §4.7), then reports what it recorded.
func cmdDebugTouch(env *Env, sess *session.Session, args []wire.Value) {
	root, ok := env.Roots.ResolveOrErr(env.Registry, sess, args, 0, false)
	if !ok {
		return
	}
	namesArg, ok := arrayArg(args, 1)
	if !ok {
		fail(env, sess, "debug-touch requires an array of file names")
		return
	}
	names := make([]string, len(namesArg))
	for i, v := range namesArg {
		s, ok := v.AsString()
		if !ok {
			fail(env, sess, "debug-touch file name %d is not a string", i)
			return
		}
		names[i] = s
	}
	changed := root.NotifyChange(context.Background(), env.Broadcaster, names)
	respond(env, sess, func(resp wire.Object) {
		resp.Set("files", watchroot.FileListValue(changed))
		root.Clock.Annotate(resp)
	})
}

// cmdDebugShowCursors implements SPEC_FULL's expansion of Watchman's
// "debug-show-cursors", backed by internal/store when persistence is
// enabled.
func cmdDebugShowCursors(env *Env, sess *session.Session, args []wire.Value) {
	if env.Store == nil {
		fail(env, sess, "cursor persistence is not enabled")
		return
	}
	ctx := context.Background()
	if path, ok := stringArg(args, 0); ok {
		cursors, err := env.Store.LoadCursors(ctx, path)
		if err != nil {
			fail(env, sess, "%s", err)
			return
		}
		respond(env, sess, func(resp wire.Object) {
			resp.Set("cursors", uint32MapValue(cursors))
		})
		return
	}
	all, err := env.Store.AllCursors(ctx)
	if err != nil {
		fail(env, sess, "%s", err)
		return
	}
	respond(env, sess, func(resp wire.Object) {
		byRoot := wire.ObjNew()
		for root, cursors := range all {
			byRoot.Set(root, uint32MapValue(cursors))
		}
		resp.Set("cursors", wire.Obj(byRoot))
	})
}
