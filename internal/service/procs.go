package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kale-workflow/kale/internal/model"
	"github.com/shirou/gopsutil/v4/process"
)

const killPollInterval = 50 * time.Millisecond

func lookup(ctx context.Context, pid int) (*process.Process, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return nil, fmt.Errorf("pid %d: %w", pid, model.ErrTaskNotRunning)
	}
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	return p, nil
}

// Suspend stops the process with SIGSTOP.
func Suspend(ctx context.Context, pid int) error {
	p, err := lookup(ctx, pid)
	if err != nil {
		return err
	}
	if err := p.SuspendWithContext(ctx); err != nil {
		return fmt.Errorf("suspending %d: %w", pid, err)
	}
	return nil
}

// Resume continues a suspended process with SIGCONT.
func Resume(ctx context.Context, pid int) error {
	p, err := lookup(ctx, pid)
	if err != nil {
		return err
	}
	if err := p.ResumeWithContext(ctx); err != nil {
		return fmt.Errorf("resuming %d: %w", pid, err)
	}
	return nil
}

// State returns the normalized OS state of a process.
func State(ctx context.Context, pid int) (string, error) {
	p, err := lookup(ctx, pid)
	if err != nil {
		return "", err
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("status of %d: %w", pid, err)
	}
	if len(status) == 0 {
		return "", fmt.Errorf("status of %d: empty", pid)
	}
	return normalizeState(status[0]), nil
}

func normalizeState(s string) string {
	switch strings.ToLower(s) {
	case "running", "r":
		return model.StateRunning
	case "sleep", "s":
		return model.StateSleeping
	case "stop", "t":
		return model.StateStopped
	case "zombie", "z":
		return model.StateZombie
	case "idle", "i":
		return model.StateIdle
	case "wait", "w":
		return model.StateWaiting
	case "blocked", "disk-sleep", "d":
		return model.StateDiskSleep
	case "lock", "l":
		return model.StateLocked
	default:
		return s
	}
}

// IsDirectChild reports whether pid is a direct child of the current
// process.
func IsDirectChild(ctx context.Context, pid int) (bool, error) {
	self, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return false, err
	}
	children, err := self.ChildrenWithContext(ctx)
	if errors.Is(err, process.ErrorNoChildren) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if int(c.Pid) == pid {
			return true, nil
		}
	}
	return false, nil
}

func descendants(ctx context.Context, root *process.Process) []*process.Process {
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

// KillTree terminates pid and all its descendants: SIGTERM to every
// process, a wait of up to grace, then SIGKILL to the survivors.
func KillTree(ctx context.Context, pid int, grace time.Duration) error {
	root, err := lookup(ctx, pid)
	if err != nil {
		return err
	}
	procs := append(descendants(ctx, root), root)
	return terminateAll(ctx, procs, grace)
}

func killDescendants(ctx context.Context, pid int, grace time.Duration) error {
	root, err := lookup(ctx, pid)
	if err != nil {
		return nil
	}
	procs := descendants(ctx, root)
	if len(procs) == 0 {
		return nil
	}
	slog.DebugContext(ctx, "terminating task descendants", "pid", pid, "count", len(procs))
	return terminateAll(ctx, procs, grace)
}

func terminateAll(ctx context.Context, procs []*process.Process, grace time.Duration) error {
	var errs []error
	for _, p := range procs {
		if err := p.TerminateWithContext(ctx); err != nil && running(ctx, p) {
			errs = append(errs, fmt.Errorf("terminating %d: %w", p.Pid, err))
		}
		// stopped processes act on SIGTERM only after SIGCONT
		_ = p.ResumeWithContext(ctx)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyRunning(ctx, procs) {
			return errors.Join(errs...)
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(killPollInterval):
		}
	}

	for _, p := range procs {
		if !running(ctx, p) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil && running(ctx, p) {
			errs = append(errs, fmt.Errorf("killing %d: %w", p.Pid, err))
		}
	}
	return errors.Join(errs...)
}

// running treats zombies as gone; they only wait to be reaped.
func running(ctx context.Context, p *process.Process) bool {
	ok, err := p.IsRunningWithContext(ctx)
	if err != nil || !ok {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	return len(status) == 0 || normalizeState(status[0]) != model.StateZombie
}

func anyRunning(ctx context.Context, procs []*process.Process) bool {
	for _, p := range procs {
		if running(ctx, p) {
			return true
		}
	}
	return false
}
