// Package reaper owns SIGCHLD handling and dead-trigger-process
// collection, SPEC_FULL §4.8/§9. The original listener.c blocks
// SIGCHLD process-wide and unblocks it only on the thread running its
// reap loop; Go has no portable per-goroutine sigprocmask, so the
// idiomatic substitute is signal.Notify into a channel that only the
// Reaper's own goroutine ever reads — every other goroutine simply
// never looks at that channel, which is the same isolation property
// expressed without a syscall.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Waiter is satisfied by *os.Process; separated out so tests can fake
// process completion without forking real children. The pid a Waiter
// is keyed by comes from pidOf: the Pid field of an *os.Process, or a
// Pid method on any other implementation.
type Waiter interface {
	Wait() (*os.ProcessState, error)
}

// pidOf returns w's process id, or 0 if w exposes none.
func pidOf(w Waiter) int {
	switch p := w.(type) {
	case *os.Process:
		return p.Pid
	case interface{ Pid() int }:
		return p.Pid()
	}
	return 0
}

// Reaper collects finished trigger child processes asynchronously, so
// a slow or wedged trigger can never block the dispatcher or any
// session worker: trigger.Table hands each started child to Watch and
// never waits on it itself.
type Reaper struct {
	mu      sync.Mutex
	pending map[int]Waiter

	sigCh chan os.Signal
}

// New returns a Reaper that has not yet started listening for SIGCHLD;
// call Run to start its goroutine.
func New() *Reaper {
	return &Reaper{
		pending: make(map[int]Waiter),
		sigCh:   make(chan os.Signal, 8),
	}
}

// Watch registers w for reaping once its process exits. Safe to call
// concurrently with Run.
func (r *Reaper) Watch(w Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[pidOf(w)] = w
}

// Run blocks, reaping finished children until ctx is cancelled. It
// installs its own SIGCHLD notification and is the only goroutine in
// the process that should ever read from it — callers must not also
// signal.Notify(syscall.SIGCHLD) elsewhere.
func (r *Reaper) Run(ctx context.Context) {
	signal.Notify(r.sigCh, syscall.SIGCHLD)
	defer signal.Stop(r.sigCh)

	// A child can exit before its SIGCHLD is delinquent or coalesced
	// with another's, so also sweep on a short interval — the same
	// belt-and-suspenders the original's reap loop uses alongside its
	// signal-driven wakeup.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.sigCh:
			r.reapAll()
		case <-ticker.C:
			r.reapAll()
		}
	}
}

// reapAll hands every currently-pending Waiter to reapOne on its own
// goroutine, removing each from pending first so a child whose Wait
// outlives this sweep (Go's os.Process.Wait has no non-blocking form,
// unlike the original's waitpid(..., WNOHANG)) isn't handed to a
// second, redundant reapOne goroutine on the next tick — each pid is
// in flight in at most one goroutine at a time. A child whose Wait
// fails is put back so the next sweep retries it, rather than being
// silently forgotten.
func (r *Reaper) reapAll() {
	r.mu.Lock()
	due := make([]Waiter, 0, len(r.pending))
	for pid, w := range r.pending {
		due = append(due, w)
		delete(r.pending, pid)
	}
	r.mu.Unlock()

	for _, w := range due {
		go r.reapOne(w)
	}
}

func (r *Reaper) reapOne(w Waiter) {
	state, err := w.Wait()
	if err != nil {
		// ECHILD means something else already reaped it; anything else
		// is presumed transient, so put it back for the next sweep to
		// retry rather than leaking the pid out of pending forever.
		if !errors.Is(err, syscall.ECHILD) {
			r.mu.Lock()
			r.pending[pidOf(w)] = w
			r.mu.Unlock()
		}
		return
	}
	if state == nil {
		return
	}
	slog.Debug("trigger process reaped", "pid", pidOf(w), "exit_code", state.ExitCode())
}
