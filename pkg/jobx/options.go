package jobx

import "time"

// RunnerOptions configures the job runner.
type RunnerOptions struct {
	ShutdownTimeout time.Duration
	RunTimeout      time.Duration
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
}

func defaultRunnerOptions() RunnerOptions {
	return RunnerOptions{
		ShutdownTimeout: 30 * time.Second,
		RunTimeout:      5 * time.Minute,
		RetryDelay:      30 * time.Second,
		MaxRetryDelay:   15 * time.Minute,
	}
}

// RunnerOption is a functional option for configuring the runner.
type RunnerOption func(*RunnerOptions)

// WithShutdownTimeout sets the maximum time to wait for running jobs on shutdown.
func WithShutdownTimeout(d time.Duration) RunnerOption {
	return func(o *RunnerOptions) {
		o.ShutdownTimeout = d
	}
}

// WithRunTimeout bounds a single run of any job. Zero disables the bound.
func WithRunTimeout(d time.Duration) RunnerOption {
	return func(o *RunnerOptions) {
		o.RunTimeout = d
	}
}

// WithRetryDelay sets the base delay added after a failed run.
func WithRetryDelay(base, max time.Duration) RunnerOption {
	return func(o *RunnerOptions) {
		o.RetryDelay = base
		o.MaxRetryDelay = max
	}
}
