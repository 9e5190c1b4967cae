package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/kale-workflow/kale/internal/callable"
)

// ResultFD is the descriptor of the result channel in a task process.
const ResultFD = 3

const defaultLoopInterval = time.Second

// ResultFile opens the inherited result channel. It is marked close-on-exec
// so processes spawned by the call do not keep it open.
func ResultFile() (*os.File, error) {
	f := os.NewFile(ResultFD, "result")
	if f == nil {
		return nil, fmt.Errorf("result channel fd %d is not open", ResultFD)
	}
	syscall.CloseOnExec(ResultFD)
	return f, nil
}

// RunTask is the body of a task process. It reads the Invocation from
// stdin, runs the call once, sends its JSON result over result and then
// idles until ctx is canceled, which is the exit flag. An error from the
// call ends the process without a result.
func RunTask(ctx context.Context, stdin io.Reader, result io.WriteCloser, registry *callable.Registry) error {
	var inv Invocation
	if err := json.NewDecoder(stdin).Decode(&inv); err != nil {
		return fmt.Errorf("decoding invocation: %w", err)
	}
	target, err := callable.DecodeTarget(inv.Target)
	if err != nil {
		return err
	}
	args, err := callable.DecodeArgs(inv.Args, inv.Kwargs)
	if err != nil {
		return err
	}
	fn, err := registry.Resolve(target, inv.Call)
	if err != nil {
		return err
	}

	if err := redirectOutput(inv.OutputDir, os.Getpid()); err != nil {
		return err
	}

	interval := inv.Interval.AsDuration()
	if interval <= 0 {
		interval = defaultLoopInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	completed := false
	for {
		if !completed {
			slog.DebugContext(ctx, "running task", "call", inv.Call, "task_name", inv.Name)
			value, err := invoke(ctx, fn, args)
			if err != nil {
				result.Close()
				return err
			}
			payload, err := json.Marshal(value)
			if err != nil {
				result.Close()
				return fmt.Errorf("encoding result: %w", err)
			}
			err = writeFrame(result, payload)
			result.Close()
			if err != nil {
				return err
			}
			completed = true
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func invoke(ctx context.Context, fn callable.Func, args callable.Args) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("call panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, args)
}

// redirectOutput points stdout and stderr of the task process to
// <dir>/<pid>.out and <dir>/<pid>.err.
func redirectOutput(dir string, pid int) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	base := filepath.Join(dir, strconv.Itoa(pid))
	for _, r := range []struct {
		path string
		fd   int
	}{
		{base + ".out", 1},
		{base + ".err", 2},
	} {
		f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", r.path, err)
		}
		err = dupTo(f, r.fd)
		f.Close()
		if err != nil {
			return fmt.Errorf("redirecting fd %d: %w", r.fd, err)
		}
	}
	return nil
}
