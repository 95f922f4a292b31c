package recurrence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskpilot/internal/store"
)

// Config holds the dependencies for the recurrence scheduler.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically scans for completed recurring tasks and spawns
// the next pending occurrence of each.
type Scheduler struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop in a background goroutine. The loop
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("recurrence scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("recurrence scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick scans once and spawns the next occurrence of every completed
// recurring task. Exported so tests can drive the scheduler with a fixed
// clock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.ListCompletedRecurring(ctx, 0)
	if err != nil {
		s.logger.Error("recurrence: failed to query completed recurring tasks", "error", err)
		return
	}
	for _, task := range due {
		s.spawn(ctx, task, now)
	}
}

func (s *Scheduler) spawn(ctx context.Context, task store.Task, now time.Time) {
	nextDue, err := NextTime(task.Recurrence, now)
	if err != nil {
		s.logger.Error("recurrence: invalid expression on task",
			"task_id", task.ID,
			"recurrence", task.Recurrence,
			"error", err,
		)
		return
	}

	next, err := s.store.SpawnNextOccurrence(ctx, task.ID, nextDue)
	if err != nil {
		s.logger.Error("recurrence: failed to spawn next occurrence",
			"task_id", task.ID,
			"error", err,
		)
		return
	}

	s.logger.Info("recurrence: next occurrence scheduled",
		"task_id", task.ID,
		"next_task_id", next.ID,
		"due_at", nextDue,
	)
}
