package volumetry

import (
	"context"
	"sync"
	"time"

	"github.com/voxelcare/volumetry-agent/internal/app/system"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

var _ system.Service = (*Runner)(nil)

// Runner periodically drains queued analyses and executes them through
// the service lifecycle.
type Runner struct {
	service  *Service
	log      *logger.Logger
	interval time.Duration

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

// NewRunner constructs a lifecycle-managed analysis runner.
func NewRunner(service *Service, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("volumetry-runner")
	}
	return &Runner{
		service:     service,
		log:         log,
		interval:    5 * time.Second,
		nextAttempt: make(map[string]time.Time),
	}
}

func (r *Runner) Name() string { return "volumetry-runner" }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("analysis runner started")
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("analysis runner stopped")
	return nil
}

func (r *Runner) tick(ctx context.Context) {
	if r.service == nil {
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pending, err := r.service.store.ListPendingAnalyses(listCtx)
	cancel()
	if err != nil {
		r.log.WithError(err).Warn("list pending analyses failed")
		return
	}

	now := time.Now()
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		if !r.shouldAttempt(rec.ID, now) {
			continue
		}

		if _, err := r.service.run(ctx, rec); err != nil {
			// Processing failures are terminal and recorded on the
			// analysis itself; only records still pending after an
			// error need a retry window.
			r.scheduleNext(rec.ID, 0)
			continue
		}
		r.clearSchedule(rec.ID)
	}
}

func (r *Runner) shouldAttempt(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.nextAttempt[id]
	if !ok || now.After(next) {
		return true
	}
	return false
}

func (r *Runner) scheduleNext(id string, after time.Duration) {
	if after <= 0 {
		after = r.interval
	}
	r.mu.Lock()
	r.nextAttempt[id] = time.Now().Add(after)
	r.mu.Unlock()
}

func (r *Runner) clearSchedule(id string) {
	r.mu.Lock()
	delete(r.nextAttempt, id)
	r.mu.Unlock()
}
