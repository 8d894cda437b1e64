// Package sink implements a buffered write target that accepts records before
// its backing connection is ready.
//
// A Sink starts connecting as soon as it is created. Records accepted while
// connecting are queued in order; once connected the queue is flushed FIFO
// through the same write path used afterwards, and the sink switches to
// pass-through for good. Every accepted record gets exactly one reported
// outcome. Write failures are reported per record and never abort Drain.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/intercom-etl/pkg/record"
)

var (
	sinkWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_sink_writes_total",
		Help: "Record writes by collection and outcome",
	}, []string{"collection", "outcome"})

	sinkFlushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_sink_flushed_total",
		Help: "Records written from the connect-time queue",
	}, []string{"collection"})

	sinkWriteRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_sink_write_retries_total",
		Help: "Write attempts retried after a failure",
	}, []string{"collection"})
)

// Writer is an open handle on the backing store.
type Writer interface {
	// Upsert stores rec under its _id, replacing any existing document.
	// Errors wrapped with backoff.Permanent are not retried.
	Upsert(ctx context.Context, rec record.Record) error
	Close() error
}

// Connector opens a Writer. It may complete after records were accepted.
type Connector func(ctx context.Context) (Writer, error)

// Reporter receives the outcome of every accepted record. err is nil on
// success and a *WriteError otherwise. It is called from the sink's writer
// goroutine, or from Accept once the sink is closed.
type Reporter func(rec record.Record, err error)

// State is the sink lifecycle.
type State int

const (
	// StateConnecting queues accepted records.
	StateConnecting State = iota
	// StateReady writes accepted records through.
	StateReady
	// StateClosed rejects new records.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats is a snapshot of sink counters.
type Stats struct {
	State    State
	Accepted int64
	Written  int64
	Failed   int64
	Queued   int
}

// Pending returns the number of accepted records without an outcome.
func (s Stats) Pending() int64 {
	return s.Accepted - s.Written - s.Failed
}

// Option configures a Sink.
type Option func(*Sink)

// WithName sets the collection name used in logs, metrics, and errors.
func WithName(name string) Option {
	return func(s *Sink) { s.name = name }
}

// WithReporter sets the per-record outcome callback.
func WithReporter(fn Reporter) Option {
	return func(s *Sink) { s.reporter = fn }
}

// WithKeepOpen leaves the Writer open after Close, for writers shared with
// other sinks.
func WithKeepOpen() Option {
	return func(s *Sink) { s.keepOpen = true }
}

// WithCloseGrace sets the delay between Close and releasing the Writer.
func WithCloseGrace(d time.Duration) Option {
	return func(s *Sink) { s.closeGrace = d }
}

// WithRetry bounds each write to attempts tries, backing off exponentially
// from initial between them.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(s *Sink) {
		if attempts < 1 {
			attempts = 1
		}
		s.attempts = attempts
		s.retryInitial = initial
	}
}

// WithWriteTimeout sets the deadline of a single write attempt.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sink) { s.writeTimeout = d }
}

// WithConnectTimeout sets the deadline for opening the Writer.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Sink) { s.connectTimeout = d }
}

// WithLogger sets the sink logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// Defaults.
const (
	DefaultCloseGrace     = 100 * time.Millisecond
	DefaultAttempts       = 3
	DefaultRetryInitial   = 200 * time.Millisecond
	DefaultWriteTimeout   = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	directBuffer          = 64
)

// Sink is a buffered, idempotent write target.
type Sink struct {
	name           string
	connect        Connector
	reporter       Reporter
	keepOpen       bool
	closeGrace     time.Duration
	attempts       int
	retryInitial   time.Duration
	writeTimeout   time.Duration
	connectTimeout time.Duration
	logger         zerolog.Logger

	mu       sync.Mutex
	state    State
	queue    []record.Record
	closeErr error
	accepted int64
	written  int64
	failed   int64
	progress chan struct{}

	// sendMu guards direct against close while Accept is sending.
	sendMu       sync.RWMutex
	direct       chan record.Record
	directClosed bool
	closeOnce    sync.Once
	done         chan struct{}
}

// New creates a sink and starts connecting in the background.
func New(connect Connector, opts ...Option) *Sink {
	s := &Sink{
		name:           "records",
		connect:        connect,
		closeGrace:     DefaultCloseGrace,
		attempts:       DefaultAttempts,
		retryInitial:   DefaultRetryInitial,
		writeTimeout:   DefaultWriteTimeout,
		connectTimeout: DefaultConnectTimeout,
		logger:         log.With().Str("component", "sink").Logger(),
		progress:       make(chan struct{}),
		direct:         make(chan record.Record, directBuffer),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("collection", s.name).Logger()

	go s.run()
	return s
}

// Accept hands rec to the sink. It never fails: while connecting rec is
// queued, once ready it is passed to the writer, and after Close it is
// reported as failed.
func (s *Sink) Accept(rec record.Record) {
	s.mu.Lock()
	s.accepted++
	switch s.state {
	case StateConnecting:
		s.queue = append(s.queue, rec)
		s.mu.Unlock()
		return
	case StateClosed:
		cause := s.closeErr
		s.mu.Unlock()
		if cause == nil {
			cause = ErrSinkClosed
		}
		s.report(rec, cause)
		return
	}
	s.mu.Unlock()

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.directClosed {
		s.report(rec, ErrSinkClosed)
		return
	}
	s.direct <- rec
}

// Drain blocks until every record accepted so far has a reported outcome or
// the sink is closed.
func (s *Sink) Drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.written+s.failed >= s.accepted || s.state == StateClosed {
			s.mu.Unlock()
			return nil
		}
		progress := s.progress
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-progress:
		}
	}
}

// Close stops accepting records. Queued and in-flight records are still
// written; the Writer is released after the close grace period.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.broadcastLocked()
		s.mu.Unlock()

		s.sendMu.Lock()
		s.directClosed = true
		close(s.direct)
		s.sendMu.Unlock()
	})
}

// Done is closed once the writer goroutine has exited and the Writer has
// been released.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:    s.state,
		Accepted: s.accepted,
		Written:  s.written,
		Failed:   s.failed,
		Queued:   len(s.queue),
	}
}

func (s *Sink) run() {
	defer close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
	w, err := s.connect(ctx)
	cancel()
	if err != nil {
		s.failConnect(err)
		return
	}
	s.logger.Debug().Msg("Sink connected")

	// Flush until the queue stays empty, then switch to pass-through.
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.state == StateConnecting {
				s.state = StateReady
			}
			s.mu.Unlock()
			break
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, rec := range batch {
			s.write(w, rec)
		}
		sinkFlushedTotal.WithLabelValues(s.name).Add(float64(len(batch)))
		s.logger.Debug().Int("count", len(batch)).Msg("Flushed queued records")
	}

	for rec := range s.direct {
		s.write(w, rec)
	}

	if s.keepOpen {
		return
	}

	timer := time.NewTimer(s.closeGrace)
	<-timer.C
	if err := w.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to release store handle")
	}
}

func (s *Sink) failConnect(err error) {
	s.logger.Error().Err(err).Msg("Sink connection failed")
	cause := fmt.Errorf("connect: %w", err)

	s.mu.Lock()
	s.state = StateClosed
	s.closeErr = cause
	queued := s.queue
	s.queue = nil
	s.broadcastLocked()
	s.mu.Unlock()

	for _, rec := range queued {
		s.report(rec, cause)
	}
}

func (s *Sink) write(w Writer, rec record.Record) {
	if rec.ID() == "" {
		s.report(rec, record.ErrMissingID)
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInitial
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			sinkWriteRetriesTotal.WithLabelValues(s.name).Inc()
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		err := w.Upsert(ctx, rec)
		if permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(policy, uint64(s.attempts-1)))
	s.report(rec, err)
}

// permanent reports whether err fails the same way on every attempt.
func permanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, record.ErrMissingID) {
		return true
	}
	var (
		unsupportedValue *json.UnsupportedValueError
		unsupportedType  *json.UnsupportedTypeError
		marshaler        *json.MarshalerError
	)
	return errors.As(err, &unsupportedValue) ||
		errors.As(err, &unsupportedType) ||
		errors.As(err, &marshaler)
}

// report records the outcome of rec and notifies the reporter.
func (s *Sink) report(rec record.Record, err error) {
	if err != nil {
		var werr *WriteError
		if !errors.As(err, &werr) {
			err = &WriteError{Collection: s.name, ID: rec.ID(), Err: err}
		}
		sinkWritesTotal.WithLabelValues(s.name, "failed").Inc()
		s.logger.Warn().Err(err).Str("id", rec.ID()).Msg("Record write failed")
	} else {
		sinkWritesTotal.WithLabelValues(s.name, "written").Inc()
	}

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.written++
	}
	s.broadcastLocked()
	s.mu.Unlock()

	if s.reporter != nil {
		s.reporter(rec, err)
	}
}

// broadcastLocked wakes every Drain waiter. s.mu must be held.
func (s *Sink) broadcastLocked() {
	close(s.progress)
	s.progress = make(chan struct{})
}
