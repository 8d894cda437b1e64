package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/intercom-etl/pkg/record"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_pages_fetched_total",
		Help: "Pages fetched by kind and outcome",
	}, []string{"kind", "outcome"})

	recordsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_records_emitted_total",
		Help: "Normalized records emitted by paginated sources",
	}, []string{"kind"})

	recordsFilteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_records_filtered_total",
		Help: "Records discarded by a source filter",
	}, []string{"kind"})
)

// ScrollParam is the query parameter carrying the scroll continuation token.
const ScrollParam = "scroll_param"

// Style selects how a source continues past the first page.
type Style int

const (
	// StyleLink follows the next-page link returned with each page.
	StyleLink Style = iota
	// StyleScroll re-issues the seed request with the returned scroll token.
	StyleScroll
)

// String returns the style name.
func (s Style) String() string {
	switch s {
	case StyleLink:
		return "link"
	case StyleScroll:
		return "scroll"
	default:
		return fmt.Sprintf("style(%d)", int(s))
	}
}

// Descriptor is the request for one page.
type Descriptor struct {
	// URL is the absolute page location.
	URL string
	// Query holds optional query parameters. Next-page links are self-contained
	// and never carry extra parameters.
	Query url.Values
	// Kind names the response field holding the records array.
	Kind record.Kind
}

// String renders the descriptor as a request URL for logs and errors.
func (d Descriptor) String() string {
	if len(d.Query) == 0 {
		return d.URL
	}
	sep := "?"
	if strings.Contains(d.URL, "?") {
		sep = "&"
	}
	return d.URL + sep + d.Query.Encode()
}

// Page is one decoded page response.
type Page struct {
	// Records holds the raw objects found under the descriptor's field.
	Records []json.RawMessage
	// HasRecords is false when the field was missing from the response.
	HasRecords bool
	// Next is the next-page link, empty on the last page.
	Next string
	// ScrollParam is the scroll continuation token, if any.
	ScrollParam string
}

// Fetcher is the interface the Intercom client implements for single-page fetching.
type Fetcher interface {
	// FetchPage performs one request. Application error objects in the body
	// must be returned as errors.
	FetchPage(ctx context.Context, desc Descriptor) (*Page, error)
}

// Config holds source configuration.
type Config struct {
	// PageTimeout bounds each page request.
	PageTimeout time.Duration
}

// DefaultConfig returns the default source configuration.
func DefaultConfig() Config {
	return Config{
		PageTimeout: 30 * time.Second,
	}
}

// Filter reports whether a normalized record should be emitted.
type Filter func(record.Record) bool

// Option configures a Source.
type Option func(*Source)

// WithFilter discards records for which keep returns false. Discarded
// records do not count toward pagination decisions.
func WithFilter(keep Filter) Option {
	return func(s *Source) { s.filter = keep }
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Source) {
		if cfg.PageTimeout > 0 {
			s.config.PageTimeout = cfg.PageTimeout
		}
	}
}

// WithLogger sets the logger used by the source.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

// Source is a lazy, non-restartable sequence of normalized records.
type Source struct {
	fetcher   Fetcher
	seed      Descriptor
	style     Style
	transform record.Transform
	filter    Filter
	config    Config
	logger    zerolog.Logger
	consumed  atomic.Bool
}

// NewSource creates a source that starts at seed and continues in style.
func NewSource(fetcher Fetcher, seed Descriptor, style Style, transform record.Transform, opts ...Option) *Source {
	s := &Source{
		fetcher:   fetcher,
		seed:      seed,
		style:     style,
		transform: transform,
		config:    DefaultConfig(),
		logger:    log.With().Str("component", "pagination").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("kind", string(seed.Kind)).Logger()
	return s
}

// Records returns the record sequence. The sequence ends without an error
// once the last page has been emitted; any failure is delivered as the final
// pair. Breaking out of the loop stops fetching.
func (s *Source) Records(ctx context.Context) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrSourceConsumed)
			return
		}

		start := time.Now()
		desc := s.seed
		emitted := 0

		for pageNum := 1; ; pageNum++ {
			page, err := s.fetch(ctx, desc)
			if err != nil {
				s.logger.Error().
					Err(err).
					Str("url", desc.String()).
					Int("page", pageNum).
					Msg("Page fetch failed")
				yield(nil, err)
				return
			}

			records, err := s.normalize(desc, page)
			if err != nil {
				pagesFetchedTotal.WithLabelValues(string(desc.Kind), "invalid").Inc()
				s.logger.Error().
					Err(err).
					Str("url", desc.String()).
					Int("page", pageNum).
					Msg("Page normalization failed")
				yield(nil, err)
				return
			}
			pagesFetchedTotal.WithLabelValues(string(desc.Kind), "ok").Inc()

			for _, rec := range records {
				if !yield(rec, nil) {
					return
				}
				emitted++
				recordsEmittedTotal.WithLabelValues(string(desc.Kind)).Inc()
			}

			next, ok := s.continuation(page)
			if !ok {
				s.logger.Debug().
					Int("pages", pageNum).
					Int("records", emitted).
					Dur("duration", time.Since(start)).
					Msg("Fetch complete")
				return
			}
			desc = next
		}
	}
}

func (s *Source) fetch(ctx context.Context, desc Descriptor) (*Page, error) {
	pageCtx, cancel := context.WithTimeout(ctx, s.config.PageTimeout)
	defer cancel()

	s.logger.Debug().Str("url", desc.String()).Msg("Fetching page")

	page, err := s.fetcher.FetchPage(pageCtx, desc)
	if err != nil {
		pagesFetchedTotal.WithLabelValues(string(desc.Kind), "error").Inc()
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, &FetchError{Descriptor: desc, Err: err}
	}
	if page == nil || !page.HasRecords {
		pagesFetchedTotal.WithLabelValues(string(desc.Kind), "malformed").Inc()
		return nil, &ProtocolError{Descriptor: desc, Field: string(desc.Kind)}
	}
	return page, nil
}

// normalize transforms a whole page. A single failure rejects the page.
func (s *Source) normalize(desc Descriptor, page *Page) ([]record.Record, error) {
	out := make([]record.Record, 0, len(page.Records))
	for i, data := range page.Records {
		raw, err := record.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("page %s item %d: %w", desc, i,
				&record.NormalizationError{Kind: desc.Kind, Err: err})
		}
		rec, err := s.transform(raw)
		if err != nil {
			return nil, fmt.Errorf("page %s item %d: %w", desc, i, err)
		}
		if s.filter != nil && !s.filter(rec) {
			recordsFilteredTotal.WithLabelValues(string(desc.Kind)).Inc()
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Source) continuation(page *Page) (Descriptor, bool) {
	switch s.style {
	case StyleLink:
		if page.Next == "" {
			return Descriptor{}, false
		}
		return Descriptor{URL: page.Next, Kind: s.seed.Kind}, true
	case StyleScroll:
		if len(page.Records) == 0 || page.ScrollParam == "" {
			return Descriptor{}, false
		}
		query := url.Values{}
		for k, v := range s.seed.Query {
			query[k] = append([]string(nil), v...)
		}
		query.Set(ScrollParam, page.ScrollParam)
		return Descriptor{URL: s.seed.URL, Query: query, Kind: s.seed.Kind}, true
	default:
		return Descriptor{}, false
	}
}
