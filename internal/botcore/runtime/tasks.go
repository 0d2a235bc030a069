package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is a named piece of periodic background work, e.g. the relay mapping
// expiry sweep. Tasks share the bot's store and must therefore keep their
// transactions short.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the task once immediately when the scheduler starts,
	// before the first tick.
	RunAtStart bool
	Fn         func(ctx context.Context) error
}

// Scheduler runs fixed-interval tasks until its context is cancelled.
type Scheduler struct {
	tasks []Task
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add registers a task. Must be called before Run.
func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Run blocks until ctx is cancelled, driving every task on its own ticker.
// A failing or panicking tick is logged and the ticker keeps going; periodic
// work must never die quietly.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Fn == nil {
			slog.Warn("scheduler: skipping misconfigured task", "task", task.Name)
			continue
		}
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.runTask(ctx, t)
		}(task)
	}
	wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	if t.RunAtStart {
		s.tick(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, t Task) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("scheduler: task panicked", "task", t.Name, "panic", rec)
		}
	}()

	start := time.Now()
	if err := t.Fn(ctx); err != nil {
		slog.Error("scheduler: task failed", "task", t.Name, "err", err)
		return
	}
	slog.Debug("scheduler: task finished", "task", t.Name, "took", time.Since(start))
}
