package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Task is a named periodic job. Immediate tasks fire once on startup instead
// of waiting a full interval for the first tick.
type Task struct {
	Name      string
	Interval  time.Duration
	Immediate bool
	Run       func(ctx context.Context) error
}

// Scheduler runs tasks on fixed intervals using gocron. Each task is
// serialized with itself: a run still in flight when the next tick fires is
// not overlapped, the tick is rescheduled instead.
type Scheduler struct {
	scheduler gocron.Scheduler
	tasks     []Task
	logger    *slog.Logger
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates an empty Scheduler. Register tasks with AddTask
// before calling Start.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    logger.With("component", "scheduler"),
	}, nil
}

// AddTask registers a task. Must be called before Start.
func (s *Scheduler) AddTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Start registers every task as a gocron job and starts ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if len(s.tasks) == 0 {
		return fmt.Errorf("scheduler has no tasks to run")
	}

	for _, task := range s.tasks {
		opts := []gocron.JobOption{
			gocron.WithName(task.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		}
		if task.Immediate {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
		}

		_, err := s.scheduler.NewJob(
			gocron.DurationJob(task.Interval),
			gocron.NewTask(func() {
				s.logger.Info("Running task", "task", task.Name)
				start := time.Now()
				if err := task.Run(ctx); err != nil {
					s.logger.Error("Task failed", "task", task.Name, "error", err)
				}
				s.logger.Info("Finished task", "task", task.Name, "duration", time.Since(start))
			}),
			opts...,
		)
		if err != nil {
			return fmt.Errorf("failed to schedule task %q: %w", task.Name, err)
		}
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop shuts the scheduler down, waiting for running tasks to complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Debug("Stopping scheduler, waiting for running jobs")
	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped")
	}

	s.running = false
	return err
}
