// Package scheduler implements the cooperative task scheduler of §5:
// a small, fixed set of named tasks, each with a single runner
// goroutine, processing its own work-queue to completion per
// dequeued item. The heartbeat/timeout/cleanup bookkeeping is
// delegated to pkg/task_manager, trimmed at this layer to the
// fixed-task-identity model this engine actually needs (no dynamic
// task creation/restart — KSync's task set is known at Context
// construction time).
package scheduler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"vrouter-ksync/pkg/task_manager"
)

// Scheduler owns the named tasks registered with it through Run, each
// on its own runner goroutine. Context.Run constructs one but
// registers no task with it.
type Scheduler struct {
	logger  *logrus.Logger
	manager task_manager.Manager

	mu    sync.Mutex
	names map[string]struct{}
}

// New constructs a Scheduler backed by a fresh task_manager.Manager.
func New(logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		manager: task_manager.New(task_manager.Config{}, logger),
		names:   make(map[string]struct{}),
	}
}

// Run registers and starts a named task. run is invoked once on its
// own goroutine, managed by task_manager, and must return when ctx is
// cancelled; a single task identity processes its own work to
// completion item-by-item — it is the caller's responsibility to make
// run itself single-threaded over whatever channel it drains.
func (s *Scheduler) Run(ctx context.Context, name string, run func(context.Context)) {
	s.mu.Lock()
	s.names[name] = struct{}{}
	s.mu.Unlock()

	if err := s.manager.StartTask(ctx, name, func(taskCtx context.Context) error {
		run(taskCtx)
		return nil
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"task":  name,
			"error": err,
		}).Error("ksync scheduler: failed to start task")
	}
}

// Wait blocks until every registered task has stopped. Context.Shutdown
// calls this after cancelling the scheduler's context, so no task
// outlives Shutdown.
func (s *Scheduler) Wait() {
	s.manager.Cleanup()
}

// TaskNames returns the currently registered task identities, for
// diagnostics and tests.
func (s *Scheduler) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.names))
	for n := range s.names {
		names = append(names, n)
	}
	return names
}

// Status returns the task_manager's view of one task, for /healthz
// style diagnostics.
func (s *Scheduler) Status(name string) task_manager.Status {
	return s.manager.GetTaskStatus(name)
}
