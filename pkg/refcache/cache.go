// Package refcache holds the run-scoped id → display name mappings used to
// resolve tag and segment references on user records.
//
// A Cache is created at the start of an import run and passed to every stage
// that populates or consults it. Entries are only ever added or overwritten,
// never removed.
package refcache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/intercom-etl/pkg/record"
)

var (
	refcacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "intercom_refcache_entries",
		Help: "Number of cached reference names by kind",
	}, []string{"kind"})

	refcacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercom_refcache_lookups_total",
		Help: "Reference lookups by kind and result (hit, miss)",
	}, []string{"kind", "result"})
)

// Cache maps ids to names, one table per reference kind.
type Cache struct {
	mu     sync.RWMutex
	tables map[record.Kind]map[string]string
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{tables: make(map[record.Kind]map[string]string)}
}

// Lookup returns the cached name for id and whether one was found.
func (c *Cache) Lookup(kind record.Kind, id string) (string, bool) {
	c.mu.RLock()
	name, ok := c.tables[kind][id]
	c.mu.RUnlock()

	if !ok {
		refcacheLookups.WithLabelValues(string(kind), "miss").Inc()
		return "", false
	}
	refcacheLookups.WithLabelValues(string(kind), "hit").Inc()
	return name, true
}

// Resolve returns the cached name for id, or id unchanged when unknown.
func (c *Cache) Resolve(kind record.Kind, id string) string {
	if name, ok := c.Lookup(kind, id); ok {
		return name
	}
	return id
}

// Populate records the name for id. Calling it twice for the same id keeps
// the last name.
func (c *Cache) Populate(kind record.Kind, id, name string) {
	c.mu.Lock()
	table, ok := c.tables[kind]
	if !ok {
		table = make(map[string]string)
		c.tables[kind] = table
	}
	table[id] = name
	size := len(table)
	c.mu.Unlock()

	refcacheEntries.WithLabelValues(string(kind)).Set(float64(size))
}

// Len returns the number of entries cached for kind.
func (c *Cache) Len(kind record.Kind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables[kind])
}
