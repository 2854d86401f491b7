// Package listener owns the daemon's accept loop: binding the Unix
// domain socket, writing the PID file, raising RLIMIT_NOFILE, and
// spawning one session.Worker per accepted connection — spec.md §4.6,
// grounded on the teacher's own node.Node.Run (internal/node/node.go):
// write a PID file, remove any stale socket, net.Listen, close the
// listener from a goroutine watching ctx.Done() so Accept unblocks,
// and loop accepting until shutdown.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/fswatchd/fswatchd/internal/dispatch"
	"github.com/fswatchd/fswatchd/internal/reaper"
	"github.com/fswatchd/fswatchd/internal/session"
)

// Daemon is the listening server: it owns the sessions registry, the
// command dispatcher, the reaper, and the bound socket.
type Daemon struct {
	SockPath     string
	PidPath      string
	MaxOpenFiles uint64

	Registry *session.Registry
	Commands *dispatch.Registry
	Env      *dispatch.Env
	Reaper   *reaper.Reaper

	ln       net.Listener
	stopOnce chan struct{}
}

// New builds a Daemon ready to Run, wiring sockPath/pidPath derived
// from stateDir the same way the teacher derives "codewire.sock"/
// "codewire.pid" from its data directory.
func New(stateDir string, maxOpenFiles uint64, reg *session.Registry, commands *dispatch.Registry, env *dispatch.Env, r *reaper.Reaper) *Daemon {
	return &Daemon{
		SockPath:     filepath.Join(stateDir, "sock"),
		PidPath:      filepath.Join(stateDir, "fswatchd.pid"),
		MaxOpenFiles: maxOpenFiles,
		Registry:     reg,
		Commands:     commands,
		Env:          env,
		Reaper:       r,
		stopOnce:     make(chan struct{}),
	}
}

// Run writes the PID file, raises the open-file limit if requested,
// binds the Unix socket, and accepts connections until ctx is
// cancelled. It blocks until the accept loop exits.
func (d *Daemon) Run(ctx context.Context) error {
	// spec.md §4.6 step 2: install a no-op handler for a reserved
	// signal so blocking syscalls on worker goroutines can be
	// interrupted without restart. SIGUSR1 is the reserved signal,
	// matching original_source/listener.c's own choice; signal.Ignore
	// is Go's equivalent of installing a handler that does nothing but
	// prevents the default action (process termination).
	signal.Ignore(syscall.SIGUSR1)

	if d.MaxOpenFiles > 0 {
		if err := raiseNoFileLimit(d.MaxOpenFiles); err != nil {
			slog.Warn("could not raise RLIMIT_NOFILE", "requested", d.MaxOpenFiles, "err", err)
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.PidPath, []byte(fmt.Sprintf("%d", pid)), 0o644); err != nil {
		return fmt.Errorf("listener: writing pid file: %w", err)
	}
	defer d.cleanup()

	_ = os.Remove(d.SockPath)
	if err := os.MkdirAll(filepath.Dir(d.SockPath), 0o755); err != nil {
		return fmt.Errorf("listener: creating state dir: %w", err)
	}

	ln, err := bindUnixListener(d.SockPath)
	if err != nil {
		return fmt.Errorf("listener: binding %s: %w", d.SockPath, err)
	}
	d.ln = ln
	slog.Info("listening on unix socket", "path", d.SockPath)

	// The accept loop, the reaper sweep, and the ctx-triggered listener
	// close run as a group: any one of them finishing cancels the
	// shared group context, unblocking the rest, the same "one
	// teardown signal fans out to every daemon goroutine" shape the
	// teacher's node.Node.Run builds from a plain sync.WaitGroup,
	// expressed here with golang.org/x/sync/errgroup since Run needs to
	// propagate the accept loop's terminal error back to its caller.
	// groupCancel is called explicitly on every exit path (not just
	// errgroup's own error-triggered cancellation) because
	// acceptLoop's clean shutdown-server path returns a nil error,
	// which errgroup would otherwise not treat as a reason to cancel
	// its siblings.
	groupCtx, groupCancel := context.WithCancel(ctx)
	defer groupCancel()
	g, gctx := errgroup.WithContext(groupCtx)

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		d.Reaper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		defer groupCancel()
		return d.acceptLoop(gctx, ln)
	})

	return g.Wait()
}

// acceptLoop accepts connections until ctx is done or Shutdown is
// called, handing each one to handle.
func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.stopOnce:
				return nil
			default:
			}
			slog.Error("accept error", "err", err)
			continue
		}
		if err := tuneConn(conn); err != nil {
			slog.Warn("could not tune accepted connection", "err", err)
		}
		d.handle(ctx, conn)
	}
}

// tuneConn sets close-on-exec and a large SO_SNDBUF on an accepted
// connection's underlying fd, spec.md §4.6/§5's resource discipline
// for every accepted connection — a subscribed session can accumulate
// a large backlog of unilateral pushes between reads, and the fd must
// not leak across an exec of a trigger child (internal/trigger). Uses
// the SyscallConn().Control idiom (rather than UnixConn.File, which
// would hand back a duplicated fd no longer serviced by the runtime
// poller) to operate on the connection's live fd in place.
func tuneConn(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscallconn: %w", err)
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		unix.CloseOnExec(int(fd))
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sndBufSize)
	})
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return opErr
}

// handle registers a freshly accepted connection as a Session and
// starts its worker goroutine, spec.md §3's "every accepted connection
// immediately gets a Session and a worker."
func (d *Daemon) handle(ctx context.Context, conn net.Conn) {
	sess := session.New(conn)
	d.Registry.Add(sess)

	w := &session.Worker{
		Registry: d.Registry,
		Session:  sess,
		Dispatch: d.Commands.AsSessionDispatch(d.Env),
	}
	go w.Run(ctx)
}

// Shutdown closes the listening socket, unblocking Accept; callers
// typically derive this from the shutdown-server command. Safe to call
// more than once.
func (d *Daemon) Shutdown() {
	select {
	case <-d.stopOnce:
		return
	default:
		close(d.stopOnce)
	}
	if d.ln != nil {
		_ = d.ln.Close()
	}
}

func (d *Daemon) cleanup() {
	_ = os.Remove(d.SockPath)
	_ = os.Remove(d.PidPath)
}

const (
	// listenBacklog is the raw listen(2) backlog, spec.md §4.6 point 5.
	// net.Listen has no way to request a specific backlog, so the
	// socket is built by hand with golang.org/x/sys/unix instead.
	listenBacklog = 200

	// sndBufSize is the SO_SNDBUF every accepted connection is given,
	// large enough to absorb a burst of unilateral broadcast/
	// subscription pushes (internal/broadcast) without the sender
	// blocking on a slow client.
	sndBufSize = 1 << 20

	// minNoFileWarning is the soft RLIMIT_NOFILE floor spec.md §4.6
	// expects after a raise attempt; falling short is logged, not
	// fatal — the daemon still runs, just with less headroom.
	minNoFileWarning = 10240
)

// bindUnixListener binds path as a Unix domain socket by hand via
// golang.org/x/sys/unix, rather than net.Listen, so it can apply the
// platform path-length check, listen backlog, and close-on-exec flag
// spec.md §4.6 point 5 requires before wrapping the raw fd back up as
// a net.Listener with net.FileListener.
func bindUnixListener(path string) (net.Listener, error) {
	if len(path) >= unix.SizeofSockaddrUnix {
		return nil, fmt.Errorf("socket path %q is too long for this platform's sockaddr_un", path)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	// net.FileListener dups fd internally, so the os.File wrapper used
	// only to hand the fd across the net package boundary is closed
	// once that dup is done.
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}

// raiseNoFileLimit raises the process's RLIMIT_NOFILE soft limit to n
// (capped at the hard limit), matching the original listener.c's
// startup call to raise its file descriptor ceiling before accepting
// any connections — expressed here via golang.org/x/sys/unix rather
// than a direct setrlimit(2) cgo call. Warns if the resulting soft
// limit is still below minNoFileWarning, spec.md §4.6 point 4.
func raiseNoFileLimit(n uint64) error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}
	want := n
	if rlim.Max != unix.RLIM_INFINITY && want > rlim.Max {
		want = rlim.Max
	}
	if want > rlim.Cur {
		rlim.Cur = want
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
			return fmt.Errorf("setrlimit: %w", err)
		}
	}
	if rlim.Cur < minNoFileWarning {
		slog.Warn("RLIMIT_NOFILE soft limit is below the recommended floor", "cur", rlim.Cur, "floor", minNoFileWarning)
	}
	return nil
}
