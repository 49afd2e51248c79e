package jobx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/logx"
)

var ErrRegistry = errx.NewRegistry("JOBS")

var (
	CodeAlreadyRunning = ErrRegistry.Register("ALREADY_RUNNING", errx.TypeConflict, 409, "Job runner is already running")
	CodeDuplicateJob   = ErrRegistry.Register("DUPLICATE_JOB", errx.TypeValidation, 400, "A job with that name is already registered")
	CodeInvalidJob     = ErrRegistry.Register("INVALID_JOB", errx.TypeValidation, 400, "Invalid job definition")
)

// HandlerFunc performs one run of a periodic job.
type HandlerFunc func(ctx context.Context) error

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Handler  HandlerFunc

	// RunAtStart fires the job once immediately instead of waiting a
	// full interval first.
	RunAtStart bool
}

// Runner supervises a set of periodic maintenance jobs. Each job gets its
// own goroutine; a panicking or failing run never takes the runner down.
type Runner struct {
	opts    RunnerOptions
	mu      sync.Mutex
	jobs    []Job
	running bool
}

// NewRunner creates a job runner.
func NewRunner(options ...RunnerOption) *Runner {
	opts := defaultRunnerOptions()
	for _, o := range options {
		o(&opts)
	}
	return &Runner{opts: opts}
}

// Register adds a job. Names must be unique; registration after Start is
// not supported.
func (r *Runner) Register(job Job) error {
	if job.Name == "" || job.Handler == nil || job.Interval <= 0 {
		return ErrRegistry.New(CodeInvalidJob).WithDetail("job", job.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRegistry.New(CodeAlreadyRunning)
	}
	for _, j := range r.jobs {
		if j.Name == job.Name {
			return ErrRegistry.New(CodeDuplicateJob).WithDetail("job", job.Name)
		}
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Start runs all registered jobs and blocks until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRegistry.New(CodeAlreadyRunning)
	}
	r.running = true
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	logx.Infof("jobx: starting %d periodic jobs", len(jobs))

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.jobLoop(ctx, job)
		}(job)
	}

	<-ctx.Done()
	logx.Info("jobx: shutting down jobs...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logx.Info("jobx: all jobs stopped")
	case <-time.After(r.opts.ShutdownTimeout):
		logx.Warn("jobx: shutdown timed out, some runs may not have completed")
	}

	return nil
}

func (r *Runner) jobLoop(ctx context.Context, job Job) {
	failures := 0

	if job.RunAtStart {
		failures = r.runOnce(ctx, job, failures)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		// After consecutive failures the next run is pushed back so a
		// broken dependency is not hammered every interval.
		if failures > 0 {
			delay := r.backoff(failures)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failures = r.runOnce(ctx, job, failures)
		}
	}
}

// runOnce executes the handler with panic recovery and returns the new
// consecutive failure count.
func (r *Runner) runOnce(ctx context.Context, job Job, failures int) int {
	started := time.Now()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		runCtx := ctx
		if r.opts.RunTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, r.opts.RunTimeout)
			defer cancel()
		}
		return job.Handler(runCtx)
	}()

	if err != nil {
		if ctx.Err() != nil {
			return failures
		}
		logx.WithError(err).WithFields(logx.Fields{
			"job":      job.Name,
			"failures": failures + 1,
		}).Warn("jobx: job run failed")
		return failures + 1
	}

	logx.WithFields(logx.Fields{
		"job":      job.Name,
		"duration": time.Since(started).String(),
	}).Debug("jobx: job run completed")
	return 0
}

func (r *Runner) backoff(failures int) time.Duration {
	delay := r.opts.RetryDelay
	for i := 1; i < failures && delay < r.opts.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > r.opts.MaxRetryDelay {
		delay = r.opts.MaxRetryDelay
	}
	return delay
}
