// Package importer composes sources, the reference cache, the fan-out
// scheduler, and sinks into the import commands.
//
// Simple collections stream one source into one sink. Users wait for the four
// simple collections to finish first, because user normalization resolves tag
// and segment names from the reference cache they populate. Events fan out one
// source and one sink per stored user.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/intercom-etl/pkg/fanout"
	"github.com/Sternrassler/intercom-etl/pkg/pagination"
	"github.com/Sternrassler/intercom-etl/pkg/record"
	"github.com/Sternrassler/intercom-etl/pkg/refcache"
	"github.com/Sternrassler/intercom-etl/pkg/sink"
	"github.com/Sternrassler/intercom-etl/pkg/store"
)

var importsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "intercom_imports_total",
	Help: "Collection imports by kind and outcome",
}, []string{"kind", "outcome"})

// Options controls an import run.
type Options struct {
	// BaseURL is the Intercom API root.
	BaseURL string

	// Concurrency caps concurrent per-user event imports.
	Concurrency int

	// CreatedSince limits the user import to users created in the last N
	// days. 0 imports every user.
	CreatedSince int

	// PageTimeout bounds each page fetch.
	PageTimeout time.Duration

	// WriteTimeout bounds each write attempt.
	WriteTimeout time.Duration

	// WriteAttempts bounds attempts per record write.
	WriteAttempts int

	// CloseGrace delays releasing a sink's store handle.
	CloseGrace time.Duration

	// ShareEventWriter makes every per-user event sink write through one
	// shared store handle instead of opening its own.
	ShareEventWriter bool
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		BaseURL:       pagination.DefaultBaseURL,
		Concurrency:   fanout.DefaultConcurrency,
		PageTimeout:   pagination.DefaultConfig().PageTimeout,
		WriteTimeout:  sink.DefaultWriteTimeout,
		WriteAttempts: sink.DefaultAttempts,
		CloseGrace:    sink.DefaultCloseGrace,
	}
}

// Summary reports one collection import.
type Summary struct {
	Kind     record.Kind
	Records  int64
	Written  int64
	Failed   int64
	Duration time.Duration
}

// Importer runs imports against one fetcher and one store. The reference
// cache lives as long as the Importer.
type Importer struct {
	fetcher pagination.Fetcher
	store   *store.Store
	refs    *refcache.Cache
	opts    Options
	runID   string
	logger  zerolog.Logger
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BaseURL == "" {
		o.BaseURL = d.BaseURL
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = d.PageTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.WriteAttempts <= 0 {
		o.WriteAttempts = d.WriteAttempts
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = d.CloseGrace
	}
	return o
}

// New creates an importer with an empty reference cache. Zero options take
// their DefaultOptions values.
func New(fetcher pagination.Fetcher, st *store.Store, opts Options) *Importer {
	opts = opts.withDefaults()
	runID := uuid.NewString()
	return &Importer{
		fetcher: fetcher,
		store:   st,
		refs:    refcache.New(),
		opts:    opts,
		runID:   runID,
		logger: log.With().
			Str("component", "importer").
			Str("run_id", runID).
			Logger(),
	}
}

// RunID identifies this importer in logs.
func (im *Importer) RunID() string {
	return im.runID
}

// Refs returns the reference cache.
func (im *Importer) Refs() *refcache.Cache {
	return im.refs
}

// ImportCollection imports one of the simple collections. Tags and segments
// populate the reference cache before each record is handed to the sink.
func (im *Importer) ImportCollection(ctx context.Context, kind record.Kind) (Summary, error) {
	switch kind {
	case record.Tags, record.Segments, record.Admins, record.Conversations:
	default:
		return Summary{}, fmt.Errorf("%s is not a simple collection", kind)
	}

	transform, err := record.TransformFor(kind, nil)
	if err != nil {
		return Summary{}, err
	}

	seed, style := pagination.CollectionDescriptor(im.opts.BaseURL, kind)
	src := pagination.NewSource(im.fetcher, seed, style, transform, im.sourceOptions()...)

	var onRecord func(record.Record)
	if kind == record.Tags || kind == record.Segments {
		onRecord = func(rec record.Record) {
			if name, ok := rec["name"].(string); ok {
				im.refs.Populate(kind, rec.ID(), name)
			}
		}
	}

	return im.pipe(ctx, kind, src, onRecord, im.store.Connector(string(kind)))
}

// ImportUsers imports tags, segments, admins, and conversations concurrently,
// waits for all four, then imports users with references resolved.
func (im *Importer) ImportUsers(ctx context.Context) (Summary, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range record.BasicKinds {
		g.Go(func() error {
			_, err := im.ImportCollection(gctx, kind)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{Kind: record.Users}, fmt.Errorf("import users prerequisites: %w", err)
	}

	im.logger.Info().
		Int("tags", im.refs.Len(record.Tags)).
		Int("segments", im.refs.Len(record.Segments)).
		Msg("Reference cache populated")

	transform, err := record.TransformFor(record.Users, im.refs)
	if err != nil {
		return Summary{Kind: record.Users}, err
	}

	seed, style := pagination.CollectionDescriptor(im.opts.BaseURL, record.Users)
	if im.opts.CreatedSince > 0 {
		seed, style = pagination.UsersSince(im.opts.BaseURL, im.opts.CreatedSince)
	}
	src := pagination.NewSource(im.fetcher, seed, style, transform, im.sourceOptions()...)

	return im.pipe(ctx, record.Users, src, nil, im.store.Connector(string(record.Users)))
}

// ImportEvents imports the events of every stored user. Each user gets its
// own source and sink; a failing user is logged and does not stop the rest.
func (im *Importer) ImportEvents(ctx context.Context) (fanout.Result, error) {
	transform, err := record.TransformFor(record.Events, nil)
	if err != nil {
		return fanout.Result{}, err
	}

	connect := im.store.Connector(string(record.Events))
	var sinkOpts []sink.Option
	if im.opts.ShareEventWriter {
		shared := im.store.Writer(string(record.Events))
		defer shared.Close()
		connect = func(context.Context) (sink.Writer, error) { return shared, nil }
		sinkOpts = append(sinkOpts, sink.WithKeepOpen())
	}

	logger := im.logger.With().Str("kind", string(record.Events)).Logger()
	keys := im.store.IDs(ctx, string(record.Users))

	res, err := fanout.Run(ctx, keys, fanout.Config[string]{
		Concurrency: im.opts.Concurrency,
		Logger:      &logger,
	}, func(userID string) fanout.Job {
		return func(ctx context.Context) error {
			src := pagination.UserEvents(im.fetcher, im.opts.BaseURL, userID, transform, im.sourceOptions()...)
			_, err := im.pipe(ctx, record.Events, src, nil, connect, sinkOpts...)
			return err
		}
	})
	if err != nil {
		importsTotal.WithLabelValues(string(record.Events), "failed").Inc()
		return res, fmt.Errorf("import events: %w", err)
	}

	importsTotal.WithLabelValues(string(record.Events), "completed").Inc()
	return res, nil
}

// pipe streams src into a new sink. A source error closes the sink and is
// returned; write failures are counted in the summary only.
func (im *Importer) pipe(ctx context.Context, kind record.Kind, src *pagination.Source,
	onRecord func(record.Record), connect sink.Connector, extra ...sink.Option) (Summary, error) {
	start := time.Now()
	summary := Summary{Kind: kind}

	opts := append([]sink.Option{
		sink.WithName(string(kind)),
		sink.WithRetry(im.opts.WriteAttempts, sink.DefaultRetryInitial),
		sink.WithWriteTimeout(im.opts.WriteTimeout),
		sink.WithCloseGrace(im.opts.CloseGrace),
	}, extra...)
	sk := sink.New(connect, opts...)
	defer sk.Close()

	for rec, err := range src.Records(ctx) {
		if err != nil {
			importsTotal.WithLabelValues(string(kind), "failed").Inc()
			return summary, fmt.Errorf("import %s: %w", kind, err)
		}
		if onRecord != nil {
			onRecord(rec)
		}
		sk.Accept(rec)
		summary.Records++
	}

	if err := sk.Drain(ctx); err != nil {
		importsTotal.WithLabelValues(string(kind), "failed").Inc()
		return summary, fmt.Errorf("drain %s: %w", kind, err)
	}

	stats := sk.Stats()
	summary.Written = stats.Written
	summary.Failed = stats.Failed
	summary.Duration = time.Since(start)

	if kind != record.Events {
		importsTotal.WithLabelValues(string(kind), "completed").Inc()
		im.logger.Info().
			Str("kind", string(kind)).
			Int64("records", summary.Records).
			Int64("written", summary.Written).
			Int64("failed", summary.Failed).
			Dur("duration", summary.Duration).
			Msg("Import completed")
	}
	return summary, nil
}

func (im *Importer) sourceOptions() []pagination.Option {
	opts := []pagination.Option{
		pagination.WithLogger(log.With().
			Str("component", "pagination").
			Str("run_id", im.runID).
			Logger()),
	}
	if im.opts.PageTimeout > 0 {
		opts = append(opts, pagination.WithConfig(pagination.Config{PageTimeout: im.opts.PageTimeout}))
	}
	return opts
}
