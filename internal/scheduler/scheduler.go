// Package scheduler drives a periodic job as an explicit, process-owned task
// with a start/stop lifecycle instead of ambient global state.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one scheduled pass. The scheduler only logs its error; a failing
// tick never stops future ticks.
type Job func(ctx context.Context) error

type Scheduler struct {
	job         Job
	interval    time.Duration
	tickTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func New(job Job, interval time.Duration) *Scheduler {
	return &Scheduler{
		job:         job,
		interval:    interval,
		tickTimeout: 10 * time.Minute,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start launches the tick loop. Safe to call once; the first tick fires one
// full interval after Start.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.loop()
		log.Printf("scheduler: started, interval=%s", s.interval)
	})
}

// Stop halts the loop and waits for it to exit. An in-flight tick finishes
// first.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.stopped
		log.Printf("scheduler: stopped")
	})
}

// TriggerNow runs one pass synchronously, outside the timer, and returns its
// error. Used by the manual trigger endpoint.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	return s.job(ctx)
}

func (s *Scheduler) loop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.tickTimeout)
	defer cancel()

	if err := s.job(ctx); err != nil {
		log.Printf("scheduler: tick failed: %v", err)
		return
	}
}
