package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/stockpile/internal/metrics"
)

// Sweeper runs maintenance tasks on a fixed interval.
type Sweeper struct {
	tasks  []Task
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	disabled map[string]bool

	// Synchronization
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Sweeper with the given configuration.
// The sweeper must be started with Start() and stopped with Stop().
func New(config Config, logger *slog.Logger) (*Sweeper, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Sweeper{
		config:   config,
		logger:   logger,
		disabled: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}, nil
}

// Register adds a task to the sweeper. Call this before Start().
func (s *Sweeper) Register(task Task) {
	for i, existing := range s.tasks {
		if existing.Name() == task.Name() {
			s.logger.Warn("Overwriting existing task", "task", task.Name())
			s.tasks[i] = task
			return
		}
	}
	s.tasks = append(s.tasks, task)
	s.logger.Debug("Registered sweeper task", "task", task.Name())
}

// Start launches the sweep loop. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Sweeper started", "interval", s.config.Interval, "tasks", len(s.tasks))
}

// Stop signals the sweep loop to stop and waits for it to finish.
// It respects the configured ShutdownTimeout and is safe to call twice.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping sweeper...")
		close(s.stopCh)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Sweeper stopped gracefully")
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("Sweeper shutdown timeout exceeded, a task may still be running")
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	if s.config.RunOnStart {
		s.RunOnce(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs every enabled task once, in registration order.
func (s *Sweeper) RunOnce(ctx context.Context) {
	for _, task := range s.tasks {
		if s.isDisabled(task.Name()) {
			continue
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.runTask(ctx, task)
	}
}

func (s *Sweeper) runTask(ctx context.Context, task Task) {
	logger := s.logger.With("task", task.Name())

	taskCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	removed, err := s.safeRun(taskCtx, task)
	if err != nil {
		metrics.TaskFailed(task.Name())
		if IsPermanent(err) {
			logger.Error("Task failed permanently, disabling", "error", err)
			s.disable(task.Name())
			return
		}
		logger.Error("Task failed", "error", err)
		return
	}

	duration := time.Since(start)
	metrics.TaskCompleted(task.Name(), removed, duration)
	if removed > 0 {
		logger.Info("Task completed", "removed", removed, "duration", duration)
	} else {
		logger.Debug("Task completed", "duration", duration)
	}
}

func (s *Sweeper) safeRun(ctx context.Context, task Task) (removed int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

func (s *Sweeper) isDisabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[name]
}

func (s *Sweeper) disable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[name] = true
}
