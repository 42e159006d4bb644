package orchestrator

import (
	"context"
	"sync"

	"finsight/internal/session"
	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

// Runner launches one goroutine per session and bounds how many run at
// once. Sessions beyond the bound are rejected rather than queued so the
// caller can apply back-pressure.
type Runner struct {
	orch *Orchestrator
	sem  chan struct{}
	wg   sync.WaitGroup
	log  *logger.Logger
}

// NewRunner constructs a runner allowing maxConcurrent parallel sessions.
func NewRunner(orch *Orchestrator, maxConcurrent int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}

	return &Runner{
		orch: orch,
		sem:  make(chan struct{}, maxConcurrent),
		log:  logger.Get().With("component", "session_runner"),
	}
}

// Launch starts the session loop in its own goroutine. It fails fast when
// the concurrency bound is reached.
func (r *Runner) Launch(ctx context.Context, sess *session.Session) error {
	select {
	case r.sem <- struct{}{}:
	default:
		return errors.Wrapf(errors.ErrRateLimitExceeded, "session capacity %d reached", cap(r.sem))
	}

	r.wg.Add(1)
	go func() {
		defer func() {
			<-r.sem
			r.wg.Done()
		}()

		r.orch.Run(ctx, sess)
	}()

	return nil
}

// Wait blocks until every launched session reaches a terminal state.
func (r *Runner) Wait() {
	r.wg.Wait()
}
