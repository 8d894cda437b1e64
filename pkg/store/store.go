// Package store persists normalized records as JSON documents in Redis.
//
// Each document lives under prefix:collection:doc:id and its id is added to
// the set prefix:collection:ids, which backs lazy id scans. Writes replace the
// whole document, so replaying a record leaves the same final state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/intercom-etl/pkg/record"
	"github.com/Sternrassler/intercom-etl/pkg/sink"
)

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidDocument indicates a stored document could not be decoded.
	ErrInvalidDocument = errors.New("invalid stored document")
)

var (
	storeWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_store_writes_total",
		Help: "Documents upserted by collection",
	}, []string{"collection"})

	storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_store_errors_total",
		Help: "Store operation errors",
	}, []string{"operation"}) // "upsert", "get", "scan", "connect"

	storeDocumentBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intercom_store_document_bytes",
		Help:    "Size of stored documents in bytes",
		Buckets: prometheus.ExponentialBuckets(128, 4, 8),
	})
)

// scanBatch is the SSCAN count hint.
const scanBatch = 500

// Store reads and writes documents in Redis.
type Store struct {
	redis  *redis.Client
	prefix string
	logger zerolog.Logger
}

// New creates a store on redisClient. An empty prefix selects DefaultPrefix.
func New(redisClient *redis.Client, prefix string) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
		logger: log.With().Str("component", "store").Logger(),
	}
}

func (s *Store) key(collection, id string) Key {
	return Key{Prefix: s.prefix, Collection: collection, ID: id}
}

// Upsert stores rec under its _id, replacing any existing document.
func (s *Store) Upsert(ctx context.Context, collection string, rec record.Record) error {
	return upsert(ctx, s.redis, s.key(collection, rec.ID()), rec)
}

// txPipeliner is satisfied by *redis.Client and *redis.Conn.
type txPipeliner interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

func upsert(ctx context.Context, c txPipeliner, key Key, rec record.Record) error {
	if key.ID == "" {
		return record.ErrMissingID
	}

	data, err := json.Marshal(rec)
	if err != nil {
		storeErrorsTotal.WithLabelValues("upsert").Inc()
		return fmt.Errorf("marshal document: %w", err)
	}

	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key.String(), data, 0)
		pipe.SAdd(ctx, key.IndexKey(), key.ID)
		return nil
	})
	if err != nil {
		storeErrorsTotal.WithLabelValues("upsert").Inc()
		return fmt.Errorf("redis upsert: %w", err)
	}

	storeWritesTotal.WithLabelValues(key.Collection).Inc()
	storeDocumentBytes.Observe(float64(len(data)))
	return nil
}

// Get retrieves a document by id.
// Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, collection, id string) (record.Record, error) {
	data, err := s.redis.Get(ctx, s.key(collection, id).String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		storeErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	doc, err := record.Decode(data)
	if err != nil {
		storeErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return record.Record(doc), nil
}

// Delete removes a document and its index entry.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	key := s.key(collection, id)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key.String())
		pipe.SRem(ctx, key.IndexKey(), id)
		return nil
	})
	if err != nil {
		storeErrorsTotal.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	n, err := s.redis.SCard(ctx, s.key(collection, "").IndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return n, nil
}

// IDs lazily yields the ids of a collection. Iteration reads the index in
// batches and stops early when the consumer breaks. Ids are unordered and
// each is yielded once, although SSCAN may return a member more than once.
func (s *Store) IDs(ctx context.Context, collection string) iter.Seq2[string, error] {
	indexKey := s.key(collection, "").IndexKey()
	return func(yield func(string, error) bool) {
		seen := make(map[string]struct{})
		it := s.redis.SScan(ctx, indexKey, 0, "", scanBatch).Iterator()
		for it.Next(ctx) {
			id := it.Val()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !yield(id, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			storeErrorsTotal.WithLabelValues("scan").Inc()
			yield("", fmt.Errorf("scan %s ids: %w", collection, err))
		}
	}
}

// Connector returns a sink.Connector whose writers each hold a dedicated
// connection to Redis.
func (s *Store) Connector(collection string) sink.Connector {
	return func(ctx context.Context) (sink.Writer, error) {
		conn := s.redis.Conn()
		if err := conn.Ping(ctx).Err(); err != nil {
			conn.Close()
			storeErrorsTotal.WithLabelValues("connect").Inc()
			return nil, fmt.Errorf("connect %s: %w", collection, err)
		}
		s.logger.Debug().Str("collection", collection).Msg("Store handle opened")
		return &connWriter{conn: conn, prefix: s.prefix, collection: collection}, nil
	}
}

// Writer returns a sink.Writer on the shared client. Closing it is a no-op,
// so one Writer can serve many sinks created with sink.WithKeepOpen.
func (s *Store) Writer(collection string) sink.Writer {
	return &sharedWriter{store: s, collection: collection}
}

type connWriter struct {
	conn       *redis.Conn
	prefix     string
	collection string
}

func (w *connWriter) Upsert(ctx context.Context, rec record.Record) error {
	return upsert(ctx, w.conn, Key{Prefix: w.prefix, Collection: w.collection, ID: rec.ID()}, rec)
}

func (w *connWriter) Close() error {
	return w.conn.Close()
}

type sharedWriter struct {
	store      *Store
	collection string
}

func (w *sharedWriter) Upsert(ctx context.Context, rec record.Record) error {
	return w.store.Upsert(ctx, w.collection, rec)
}

func (w *sharedWriter) Close() error {
	return nil
}
