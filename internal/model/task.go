package model

import "strings"

// NoPID marks a task without a live process.
const NoPID = -1

// Task is a registered unit of deferred work. Target, Args and Kwargs are
// opaque to the registry.
type Task struct {
	ID     int64  `json:"id"`
	Target Blob   `json:"target"`
	Call   string `json:"call"`
	Args   Blob   `json:"args"`
	Kwargs Blob   `json:"kwargs"`
	Name   string `json:"task_name"`
	PID    int    `json:"pid"`
}

// Summary drops the payload fields.
func (t Task) Summary() TaskSummary {
	return TaskSummary{ID: t.ID, Name: t.Name, PID: t.PID}
}

type TaskSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

// Task status values other than the OS process states.
const (
	StatusNotRunning       = "not running"
	StatusCompleted        = "completed"
	StatusDead             = "dead"
	StatusResultsAvailable = "results available"
)

// OS process states as reported in task status.
const (
	StateRunning   = "running"
	StateSleeping  = "sleeping"
	StateStopped   = "stopped"
	StateZombie    = "zombie"
	StateIdle      = "idle"
	StateWaiting   = "waiting"
	StateDiskSleep = "disk-sleep"
	StateLocked    = "locked"
)

// IsStarted reports whether a status belongs to a task whose process has
// been spawned, regardless of what it is doing now.
func IsStarted(status string) bool {
	return status != "" && status != StatusNotRunning
}

// HasResults reports whether the status says a result was already drained.
func HasResults(status string) bool {
	return status == StatusCompleted || strings.HasPrefix(status, StatusResultsAvailable)
}
