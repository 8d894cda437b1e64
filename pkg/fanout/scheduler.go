// Package fanout drives one dependent job per parent key with a cap on the
// number of jobs in flight.
//
// A job failure is logged with its parent key and counted; it never stops the
// batch. A failure of the key sequence itself is fatal: in-flight jobs are
// awaited and the error is returned without signalling drain.
package fanout

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

var (
	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intercom_fanout_active_jobs",
		Help: "Fan-out jobs currently running",
	})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_fanout_jobs_total",
		Help: "Completed fan-out jobs by outcome",
	}, []string{"outcome"})
)

// DefaultConcurrency is used when Config.Concurrency is not positive.
const DefaultConcurrency = 2

// JobState is the lifecycle of one job.
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobSucceeded
	JobFailed
)

// String returns the state name.
func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	default:
		return fmt.Sprintf("job_state(%d)", int(s))
	}
}

// Terminal reports whether the job has completed.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job drains one dependent sub-source into its sink.
type Job func(ctx context.Context) error

// Result summarizes a completed run.
type Result struct {
	Dispatched int
	Succeeded  int
	Failed     int
	Duration   time.Duration
}

// Config controls a run.
type Config[K any] struct {
	// Concurrency caps jobs in flight.
	Concurrency int

	// OnDrain fires once after every dispatched job is terminal. It does not
	// fire when the key sequence fails or the context is cancelled.
	OnDrain func(Result)

	// OnJobState observes every job transition. It is called from the
	// goroutine running the job and must be safe for concurrent use.
	OnJobState func(key K, state JobState, err error)

	// Logger defaults to the global logger with component "fanout".
	Logger *zerolog.Logger
}

// Run consumes keys, starting makeJob(key) for each while at most
// cfg.Concurrency jobs run at once. Pulling the next key blocks while the
// limit is reached.
func Run[K any](ctx context.Context, keys iter.Seq2[K, error], cfg Config[K], makeJob func(K) Job) (Result, error) {
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	logger := log.With().Str("component", "fanout").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	notify := func(key K, state JobState, err error) {
		if cfg.OnJobState != nil {
			cfg.OnJobState(key, state, err)
		}
	}

	start := time.Now()
	var (
		mu     sync.Mutex
		result Result
	)

	p := pool.New().WithMaxGoroutines(limit)

	var runErr error
	for key, err := range keys {
		if err != nil {
			runErr = fmt.Errorf("read parent keys: %w", err)
			break
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}

		job := makeJob(key)
		result.Dispatched++
		notify(key, JobPending, nil)

		p.Go(func() {
			activeJobs.Inc()
			defer activeJobs.Dec()
			notify(key, JobRunning, nil)

			jobErr := runJob(ctx, job)

			mu.Lock()
			if jobErr != nil {
				result.Failed++
			} else {
				result.Succeeded++
			}
			mu.Unlock()

			if jobErr != nil {
				jobsTotal.WithLabelValues("failed").Inc()
				logger.Warn().
					Err(jobErr).
					Str("parent_key", fmt.Sprint(key)).
					Msg("Fan-out job failed")
				notify(key, JobFailed, jobErr)
				return
			}
			jobsTotal.WithLabelValues("succeeded").Inc()
			notify(key, JobSucceeded, nil)
		})
	}

	p.Wait()

	mu.Lock()
	result.Duration = time.Since(start)
	final := result
	mu.Unlock()

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		logger.Error().
			Err(runErr).
			Int("dispatched", final.Dispatched).
			Msg("Fan-out aborted")
		return final, runErr
	}

	logger.Info().
		Int("dispatched", final.Dispatched).
		Int("succeeded", final.Succeeded).
		Int("failed", final.Failed).
		Dur("duration", final.Duration).
		Msg("Fan-out drained")

	if cfg.OnDrain != nil {
		cfg.OnDrain(final)
	}
	return final, nil
}

// runJob runs job and converts a panic into an error.
func runJob(ctx context.Context, job Job) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = job(ctx) })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}
