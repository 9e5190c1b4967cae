package model

import (
	"errors"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskRunning    = errors.New("task is already running")
	ErrTaskNotRunning = errors.New("no such process")
	ErrNotCallable    = errors.New("not callable")
	ErrNotStarted     = errors.New("task not started")
	ErrResultPending  = errors.New("results are not yet available")
	ErrNoResult       = errors.New("task did not return a result")

	ErrWorkerNotFound = errors.New("worker not found")
	ErrWorkerExists   = errors.New("worker already registered")
	ErrShuttingDown   = errors.New("worker is shutting down")
)
