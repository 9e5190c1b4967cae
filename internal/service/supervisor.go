package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kale-workflow/kale/internal/model"
)

// Command is how the supervisor re-executes itself as a task process.
type Command struct {
	Path string
	Args []string
	Env  []string // nil inherits the worker environment
}

// SelfCommand runs the current executable with the hidden _task command.
func SelfCommand() (Command, error) {
	exe, err := os.Executable()
	if err != nil {
		return Command{}, fmt.Errorf("resolving executable: %w", err)
	}
	return Command{Path: exe, Args: []string{"_task"}}, nil
}

// Invocation is everything a task process needs to run a call. It is sent
// to the child on stdin.
type Invocation struct {
	Target    model.Blob     `json:"target"`
	Call      string         `json:"call"`
	Args      model.Blob     `json:"args"`
	Kwargs    model.Blob     `json:"kwargs"`
	Name      string         `json:"name"`
	OutputDir string         `json:"output_dir"`
	Interval  model.Duration `json:"interval"`
}

type Supervisor struct {
	cmd Command
}

func NewSupervisor(cmd Command) *Supervisor {
	return &Supervisor{cmd: cmd}
}

// Start spawns a task process. It does not wait for the call to finish; the
// returned Process tracks it.
func (s *Supervisor) Start(ctx context.Context, inv Invocation) (*Process, error) {
	stdin, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encoding invocation: %w", err)
	}

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating result pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		resultR.Close()
		resultW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	// the child holds its own copies
	defer resultW.Close()
	defer stderrW.Close()

	cmd := exec.Command(s.cmd.Path, s.cmd.Args...)
	cmd.Env = s.cmd.Env
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stderr = stderrW
	cmd.ExtraFiles = []*os.File{resultW} // fd 3
	cmd.SysProcAttr = taskAttr()

	if err := cmd.Start(); err != nil {
		resultR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("starting task process: %w", err)
	}

	p := &Process{
		cmd:     cmd,
		results: NewResultChannel(resultR),
		done:    make(chan struct{}),
	}
	logCtx := context.WithoutCancel(ctx)
	go processStderr(logCtx, stderrR, p.PID())
	go p.wait()

	slog.DebugContext(ctx, "task process started", "pid", p.PID(), "call", inv.Call)
	return p, nil
}

func processStderr(ctx context.Context, stderr io.ReadCloser, pid int) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.WarnContext(ctx, "task stderr", "pid", pid, "line", scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing task stderr", "pid", pid, "error", err)
	}
}

// Process is a running task process with its result channel.
type Process struct {
	cmd     *exec.Cmd
	results *ResultChannel

	done  chan struct{}
	mx    sync.RWMutex
	state *os.ProcessState
	err   error
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mx.Lock()
	p.state = p.cmd.ProcessState
	p.err = err
	p.mx.Unlock()
	close(p.done)
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

func (p *Process) Results() *ResultChannel {
	return p.results
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Join waits up to timeout for the process to exit.
func (p *Process) Join(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// ExitCode returns the exit code of an exited process, -1 when it was
// killed by a signal. ok is false while the process is alive.
func (p *Process) ExitCode() (code int, ok bool) {
	if p.Alive() {
		return 0, false
	}
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.state == nil {
		return -1, true
	}
	return p.state.ExitCode(), true
}

// Terminate closes the result channel, kills all descendants and then asks
// the process to exit. A process still alive after grace is killed.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) error {
	_ = p.results.Close()
	if !p.Alive() {
		return nil
	}

	var errs []error
	if err := killDescendants(ctx, p.PID(), grace); err != nil {
		errs = append(errs, err)
	}

	// exit flag; SIGCONT lets a suspended task see it
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("signaling %d: %w", p.PID(), err))
	}
	_ = p.cmd.Process.Signal(syscall.SIGCONT)
	if p.Join(grace) {
		return errors.Join(errs...)
	}

	slog.DebugContext(ctx, "task process did not exit, killing", "pid", p.PID())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("killing %d: %w", p.PID(), err))
	}
	p.Join(grace)
	return errors.Join(errs...)
}
