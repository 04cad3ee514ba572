// Package cleanup runs the periodic session-expiry sweep. Counter entries
// carry their own TTL and expire on their own; only the session registry
// needs an active sweep.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper is the registry surface the scheduler drives.
type Sweeper interface {
	SweepInactive(timeout time.Duration) int
}

// Scheduler ticks at a fixed interval and runs the sweep single-flight:
// a tick that arrives while a sweep is still running is skipped, never
// run concurrently.
type Scheduler struct {
	registry Sweeper
	logger   *slog.Logger

	interval       time.Duration
	sessionTimeout time.Duration

	running  atomic.Bool
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewScheduler(registry Sweeper, interval, sessionTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		registry:       registry,
		logger:         logger,
		interval:       interval,
		sessionTimeout: sessionTimeout,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the tick loop. It returns immediately; the loop runs until
// Stop is called or the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("cleanup scheduler started", "interval", s.interval, "session_timeout", s.sessionTimeout)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("cleanup scheduler stopping")
				return
			case <-s.stop:
				s.logger.Info("cleanup scheduler stopping")
				return
			case <-ticker.C:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.tick()
				}()
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.wg.Wait()
}

// tick runs one sweep unless another is still in flight. A sweep that
// panics is logged and absorbed; the next tick retries.
func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("sweep still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r)
		}
	}()

	swept := s.registry.SweepInactive(s.sessionTimeout)
	s.logger.Debug("sweep tick complete", "swept", swept)
}
