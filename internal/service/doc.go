// Package service implements task processes and their supervision inside a
// worker.
//
// Overview
// The TaskManager owns a task registry and a map of live process handles.
// Clients register a task, then request it to start. Only one process per
// task id may run at a time; a second start is rejected with
// model.ErrTaskRunning.
//
// The Supervisor is a thin wrapper around os/exec. It re-executes the kale
// binary with the hidden _task command:
//   - writes the Invocation as JSON to stdin
//   - passes the write end of a pipe as fd 3, the result channel
//   - logs anything the child prints to stderr before it redirects it
//   - waits for the process in a goroutine and exposes it as a Process
//
// The child (RunTask) resolves the call in the callable registry, redirects
// stdout and stderr to <output dir>/<pid>.out and <pid>.err, runs the call
// exactly once, sends one length-prefixed frame with the JSON result and then
// idles until it receives SIGTERM.
//
// Data flow:
//
//   TaskManager           Supervisor              child (_task)
//       |                    |                       |
//   start -> Resolve         |                       |
//       | Start(inv) ------->| exec.Start ---------->| decode stdin
//       |                    | wait() in goroutine   | call once
//       |<----- Process -----|                       |
//       |                                            |
//   results -> ResultChannel.Poll <------ frame -----| (fd 3, then closed)
//       |                                            |
//   stop -> Close, KillTree, SIGTERM ------------------> exit
//
// Invariants:
//   - At most one live Process per task id.
//   - The result channel is closed exactly once; after Close, Poll never
//     returns a value, so a stop always wins over a late result.
//   - A call is never retried; a failing call exits without a result.
//   - Process tree termination is two-phase: SIGTERM, bounded wait, SIGKILL.
//
// internal/service/taskmanager_test.go is the best source about how to
// drive a TaskManager.
package service
