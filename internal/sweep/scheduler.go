package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Scheduler owns the sweep and retention tickers for the life of the
// process. Create one at boot, Start it once, Stop it on shutdown.
type Scheduler struct {
	sweeper        *Sweeper
	janitor        *Janitor
	sweepEvery     time.Duration
	retentionEvery time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(sw *Sweeper, j *Janitor, sweepEvery, retentionEvery time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		sweeper:        sw,
		janitor:        j,
		sweepEvery:     sweepEvery,
		retentionEvery: retentionEvery,
		log:            log.Named("scheduler"),
	}
}

// Start launches both loops. They stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.sweepEvery <= 0 || s.retentionEvery <= 0 {
		return errors.New("scheduler intervals must be positive")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(ctx, s.sweepEvery, func(ctx context.Context) {
		s.sweeper.Sweep(ctx)
	})

	if s.janitor != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.retentionEvery, func(ctx context.Context) {
			if _, _, err := s.janitor.Run(ctx); err != nil {
				s.log.Error("retention purge failed", zap.Error(err))
			}
		})
	}

	s.log.Info("scheduler started",
		zap.Duration("sweep_interval", s.sweepEvery), zap.Duration("retention_interval", s.retentionEvery))
	return nil
}

// Stop cancels both loops and waits for an in-flight pass to finish.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, run func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeRun(ctx, run)
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context, run func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled job panicked", zap.Any("panic", r))
		}
	}()
	run(ctx)
}
