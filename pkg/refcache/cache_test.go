package refcache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Sternrassler/intercom-etl/pkg/record"
)

func TestResolve_Fallback(t *testing.T) {
	c := New()

	if got := c.Resolve(record.Segments, "5"); got != "5" {
		t.Errorf("Resolve unknown = %q, want raw id", got)
	}

	c.Populate(record.Segments, "5", "Active")
	if got := c.Resolve(record.Segments, "5"); got != "Active" {
		t.Errorf("Resolve = %q, want Active", got)
	}

	// Kinds are independent tables.
	if got := c.Resolve(record.Tags, "5"); got != "5" {
		t.Errorf("Resolve(tags) = %q, want raw id", got)
	}
}

func TestLookup_ReportsMisses(t *testing.T) {
	c := New()
	c.Populate(record.Tags, "9", "")

	if name, ok := c.Lookup(record.Tags, "8"); ok || name != "" {
		t.Errorf("Lookup unknown = (%q, %v), want miss", name, ok)
	}
	// An empty name is still a hit.
	if _, ok := c.Lookup(record.Tags, "9"); !ok {
		t.Error("Lookup(9) should hit")
	}
}

// The cache satisfies the user transform's resolver.
var _ record.Resolver = (*Cache)(nil)

func TestPopulate_LastWriterWins(t *testing.T) {
	c := New()
	c.Populate(record.Tags, "1", "Old")
	c.Populate(record.Tags, "1", "New")

	if got := c.Resolve(record.Tags, "1"); got != "New" {
		t.Errorf("Resolve = %q, want New", got)
	}
	if c.Len(record.Tags) != 1 {
		t.Errorf("Len = %d, want 1", c.Len(record.Tags))
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Populate(record.Tags, fmt.Sprintf("%d-%d", n, j), "name")
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Resolve(record.Tags, fmt.Sprintf("%d-%d", n, j))
			}
		}(i)
	}
	wg.Wait()

	if c.Len(record.Tags) != 800 {
		t.Errorf("Len = %d, want 800", c.Len(record.Tags))
	}
}
