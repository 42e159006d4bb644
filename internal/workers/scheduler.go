package workers

import (
	"context"
	"sync"
	"time"

	"finsight/internal/metrics"
	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

// Scheduler manages and coordinates multiple workers
type Scheduler struct {
	workers []Worker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	log     *logger.Logger
	started bool
}

// NewScheduler creates a new worker scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{
		workers: make([]Worker, 0),
		log:     logger.Get().With("component", "scheduler"),
	}
}

// RegisterWorker adds a worker to the scheduler
func (s *Scheduler) RegisterWorker(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Warnf("Cannot register worker %s after scheduler has started", w.Name())
		return
	}

	s.workers = append(s.workers, w)
	s.log.Infof("Worker registered: %s interval=%s", w.Name(), w.Interval())
}

// Start begins running all registered workers
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrInternal, "scheduler already started")
	}

	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, worker := range s.workers {
		if !worker.Enabled() {
			s.log.Infof("Skipping disabled worker: %s", worker.Name())
			continue
		}

		s.wg.Add(1)
		go s.runWorker(worker)
	}

	s.log.Infof("Worker scheduler started: workers=%d", len(s.workers))
	return nil
}

// Stop gracefully shuts down all workers
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrInternal, "scheduler not started")
	}
	s.cancel()
	s.mu.Unlock()

	s.log.Info("Stopping worker scheduler...")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
		s.log.Info("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		s.log.Warn("Worker shutdown timed out after 30 seconds")
		shutdownErr = errors.Wrap(errors.ErrInternal, "worker shutdown timeout")
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	return shutdownErr
}

// IsRunning reports whether the scheduler has started.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// runWorker executes a single worker in a loop
func (s *Scheduler) runWorker(worker Worker) {
	defer s.wg.Done()

	ticker := time.NewTicker(worker.Interval())
	defer ticker.Stop()

	// Run immediately on start
	s.executeWorker(worker)

	for {
		select {
		case <-s.ctx.Done():
			s.log.Infof("Worker stopping: %s", worker.Name())
			return

		case <-ticker.C:
			s.executeWorker(worker)
		}
	}
}

func (s *Scheduler) executeWorker(worker Worker) {
	start := time.Now()
	err := worker.Run(s.ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		s.log.Errorf("Worker %s failed: %v", worker.Name(), err)
	}

	metrics.WorkerExecutions.WithLabelValues(worker.Name(), status).Inc()
	metrics.WorkerDuration.WithLabelValues(worker.Name()).Observe(duration.Seconds())
}
