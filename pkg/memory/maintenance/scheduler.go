// Package maintenance runs the store's background upkeep: health polling,
// importance decay, access bookkeeping flushes, hash backfill, and mirror
// reconciliation. Every task is periodic, cancellable, and survives its
// own failures.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/recallstack/recall/pkg/observability"
)

// Task is one periodic maintenance job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives a set of tasks, each on its own ticker.
type Scheduler struct {
	tasks   []Task
	logger  observability.Logger
	metrics observability.MetricsClient

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewScheduler creates a scheduler over the given tasks.
func NewScheduler(tasks []Task, logger observability.Logger, metrics observability.MetricsClient) *Scheduler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Scheduler{
		tasks:   tasks,
		logger:  logger.WithPrefix("maintenance"),
		metrics: metrics,
	}
}

// Start launches every task. Tasks run until Stop or parent cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := task.Run(ctx)
			s.metrics.RecordOperation("maintenance", task.Name, err == nil,
				time.Since(start).Seconds(), nil)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("maintenance task failed", map[string]interface{}{
					"task":  task.Name,
					"error": err.Error(),
				})
			}
		}
	}
}

// Stop cancels all tasks and waits for them to drain.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}
