package rpc

import (
	"fmt"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

// Stopper schedules the stop of a service, so that the response to a
// shutdown request is flushed before the listener goes away.
type Stopper struct {
	scheduler gocron.Scheduler
	done      chan struct{}
	once      sync.Once
}

func NewStopper() (*Stopper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	s.Start()
	return &Stopper{
		scheduler: s,
		done:      make(chan struct{}),
	}, nil
}

// StopAfter closes Done after delay.
func (s *Stopper) StopAfter(delay time.Duration) error {
	start := gocron.OneTimeJobStartImmediately()
	if delay > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	}
	_, err := s.scheduler.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(s.Stop),
	)
	if err != nil {
		return fmt.Errorf("scheduling stop: %w", err)
	}
	return nil
}

// Stop closes Done now. It is safe to call more than once.
func (s *Stopper) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Stopper) Done() <-chan struct{} {
	return s.done
}

// Close shuts the scheduler down.
func (s *Stopper) Close() error {
	return s.scheduler.Shutdown()
}
