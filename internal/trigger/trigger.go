// Package trigger implements registered command execution on root
// change, SPEC_FULL §4.9, grounded on the teacher's PTY-backed command
// spawning (internal/session/session.go's pty.Start(cmd)): most
// triggers here run headless, matching Watchman's batch-job triggers,
// but a trigger may opt into UsePTY for commands that behave
// differently without a controlling terminal (progress bars, color
// detection), reusing the teacher's creack/pty for that path and the
// shared internal/reaper for asynchronous collection either way.
package trigger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/fswatchd/fswatchd/internal/reaper"
)

// Trigger is one registered command, spec.md/SPEC_FULL §4.9's Trigger:
// a name, the argv template to run, and the working directory it runs
// in (the watched root). AppendArgs controls whether the changed file
// list is appended to Command's argv; UsePTY runs the command attached
// to a pseudo-terminal instead of plain pipes.
type Trigger struct {
	Name       string
	Command    []string
	WorkDir    string
	AppendArgs bool
	UsePTY     bool
}

// Table is the per-root set of registered triggers, guarded by its own
// lock distinct from the owning watchroot.Root's lock (trigger
// registration and trigger firing are independent concerns).
type Table struct {
	mu       sync.Mutex
	triggers map[string]*Trigger
	reaper   *reaper.Reaper
}

// NewTable returns an empty trigger table that reaps fired processes
// through r.
func NewTable(r *reaper.Reaper) *Table {
	return &Table{triggers: make(map[string]*Trigger), reaper: r}
}

// Set registers or replaces the trigger named t.Name.
func (t *Table) Set(tr *Trigger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.triggers[tr.Name] = tr
}

// Del removes the named trigger. Returns false if it wasn't present.
func (t *Table) Del(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.triggers[name]; !ok {
		return false
	}
	delete(t.triggers, name)
	return true
}

// List returns every registered trigger, sorted by name.
func (t *Table) List() []*Trigger {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Trigger, 0, len(t.triggers))
	for _, tr := range t.triggers {
		out = append(out, tr)
	}
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].Name > out[j].Name {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

// FireAll starts every registered trigger asynchronously, appending
// changedFiles to its argv when AppendArgs is set and, either way,
// feeding changedFiles to the child's stdin as newline-joined paths
// (Watchman's real trigger stdin contract). A trigger whose command
// fails to start has its error appended to the returned slice and
// does not block the others.
func (t *Table) FireAll(ctx context.Context, changedFiles []string) []error {
	var errs []error
	for _, tr := range t.List() {
		if err := t.fire(ctx, tr, changedFiles); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (t *Table) fire(ctx context.Context, tr *Trigger, changedFiles []string) error {
	if len(tr.Command) == 0 {
		return fmt.Errorf("trigger %s: empty command", tr.Name)
	}
	argv := append([]string{}, tr.Command[1:]...)
	if tr.AppendArgs {
		argv = append(argv, changedFiles...)
	}
	cmd := exec.CommandContext(ctx, tr.Command[0], argv...)
	cmd.Dir = tr.WorkDir
	stdin := strings.Join(changedFiles, "\n")

	if tr.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return fmt.Errorf("trigger %s: pty start: %w", tr.Name, err)
		}
		if stdin != "" {
			if _, err := io.WriteString(ptmx, stdin+"\n"); err != nil {
				slog.Debug("trigger stdin write failed", "trigger", tr.Name, "err", err)
			}
		}
		// A pty's line discipline is canonical by default: a trigger
		// that reads its stdin to EOF (e.g. a plain "cat") would
		// otherwise block forever, since nothing closing the slave
		// side on its own signals end-of-input. Writing the VEOF
		// control character (Ctrl-D) as the first byte of a line ends
		// the current read with EOF without being included in it.
		if _, err := ptmx.Write([]byte{4}); err != nil {
			slog.Debug("trigger pty eof write failed", "trigger", tr.Name, "err", err)
		}
		// Nothing reads trigger output; drain it to /dev/null so the
		// child never blocks writing to a full PTY buffer. The copy
		// returns on its own once the child exits and the kernel closes
		// the slave side, so this never double-waits the process.
		go func() {
			_, _ = io.Copy(io.Discard, ptmx)
			_ = ptmx.Close()
		}()
		t.reaper.Watch(cmd.Process)
		return nil
	}

	cmd.Stdin = strings.NewReader(stdin)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("trigger %s: start: %w", tr.Name, err)
	}
	// *os.Process already satisfies reaper.Waiter.
	t.reaper.Watch(cmd.Process)
	return nil
}
