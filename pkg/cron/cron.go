// Package cron runs periodic maintenance tasks for every tenant served by
// the process. Each task runs on its own goroutine; a failing run is logged
// and counted but never stops the schedule.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rhuss/authcore/pkg/debug"
	"github.com/rhuss/authcore/pkg/observability"
	"github.com/rhuss/authcore/pkg/resource"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// ResourceKey is the distributor key of the process scheduler.
const ResourceKey resource.Key = "cron.scheduler"

// Task is one maintenance job.
type Task interface {
	Name() string
	Interval() time.Duration
	InitialDelay() time.Duration

	// Run performs one pass over targets.
	Run(ctx context.Context, targets []tenancy.TenantIdentifier) error
}

// Scheduler runs tasks on their intervals.
type Scheduler struct {
	targets func() []tenancy.TenantIdentifier

	mu      sync.Mutex
	tasks   []Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// For returns the process scheduler from the distributor, creating it on
// first use. targets lists the tenants each run covers.
func For(dist *resource.Distributor, targets func() []tenancy.TenantIdentifier) (*Scheduler, error) {
	return resource.Obtain(dist, tenancy.ProcessScope(), ResourceKey, func() (*Scheduler, error) {
		return New(targets), nil
	})
}

// New creates a stopped Scheduler.
func New(targets func() []tenancy.TenantIdentifier) *Scheduler {
	return &Scheduler{targets: targets}
}

// Add registers a task. Tasks added to a running scheduler start at once.
func (s *Scheduler) Add(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	if s.running {
		s.launch(task)
	}
}

// Tasks returns the registered tasks.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.tasks...)
}

// Start launches every registered task. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, task := range s.tasks {
		s.launch(task)
	}
	slog.Info("cron started", "tasks", len(s.tasks))
}

// Stop cancels all task loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("cron stopped")
}

// RunOnce runs task a single time against the current targets.
func (s *Scheduler) RunOnce(ctx context.Context, task Task) error {
	var targets []tenancy.TenantIdentifier
	if s.targets != nil {
		targets = s.targets()
	}

	start := time.Now()
	err := task.Run(ctx, targets)
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
		}
		slog.Error("cron task failed", "task", task.Name(), "error", err)
	}
	observability.CronRunsTotal.WithLabelValues(task.Name(), status).Inc()
	debug.Log("cron", "task ran", "task", task.Name(), "targets", len(targets), "duration", time.Since(start), "status", status)
	return err
}

// launch must be called with mu held.
func (s *Scheduler) launch(task Task) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, task)
	}()
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	if d := task.InitialDelay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	_ = s.RunOnce(ctx, task)

	// A task without an interval runs once.
	if task.Interval() <= 0 {
		return
	}
	ticker := time.NewTicker(task.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.RunOnce(ctx, task)
		}
	}
}
