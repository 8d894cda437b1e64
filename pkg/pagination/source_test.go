package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/intercom-etl/pkg/record"
)

// scriptedFetcher serves pages by request URL and records every request.
type scriptedFetcher struct {
	mu       sync.Mutex
	pages    map[string]*Page
	errs     map[string]error
	requests []string
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		pages: make(map[string]*Page),
		errs:  make(map[string]error),
	}
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, desc Descriptor) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := desc.String()
	f.requests = append(f.requests, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	page, ok := f.pages[key]
	if !ok {
		return nil, fmt.Errorf("unexpected request %s", key)
	}
	return page, nil
}

func (f *scriptedFetcher) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func rawRecords(t *testing.T, objs ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(objs))
	for i, o := range objs {
		out[i] = json.RawMessage(o)
	}
	return out
}

func collect(t *testing.T, src *Source) ([]record.Record, error) {
	t.Helper()
	var out []record.Record
	for rec, err := range src.Records(context.Background()) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func ids(records []record.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tagTransform(t *testing.T) record.Transform {
	t.Helper()
	tr, err := record.TransformFor(record.Tags, nil)
	if err != nil {
		t.Fatalf("TransformFor error = %v", err)
	}
	return tr
}

func TestSource_LinkStyleFollowsNextAndStops(t *testing.T) {
	f := newScriptedFetcher()
	f.pages["https://api.test/tags"] = &Page{
		Records:    rawRecords(t, `{"id":"1"}`, `{"id":"2"}`),
		HasRecords: true,
		Next:       "https://api.test/tags?page=2",
	}
	f.pages["https://api.test/tags?page=2"] = &Page{
		Records:    rawRecords(t, `{"id":"3"}`),
		HasRecords: true,
	}

	seed, style := CollectionDescriptor("https://api.test", record.Tags)
	if style != StyleLink {
		t.Fatalf("style = %v, want link", style)
	}

	got, err := collect(t, NewSource(f, seed, style, tagTransform(t)))
	if err != nil {
		t.Fatalf("Records error = %v", err)
	}

	if want := []string{"1", "2", "3"}; !equalStrings(ids(got), want) {
		t.Errorf("ids = %v, want %v", ids(got), want)
	}
	if n := len(f.Requests()); n != 2 {
		t.Errorf("requests = %d, want 2 (no request after the last page)", n)
	}
}

func TestSource_LinkDropsSeedQuery(t *testing.T) {
	f := newScriptedFetcher()
	seed := Descriptor{URL: "https://api.test/events", Query: map[string][]string{"type": {"user"}}, Kind: record.Events}
	f.pages[seed.String()] = &Page{
		Records:    rawRecords(t, `{"id":"e1"}`),
		HasRecords: true,
		Next:       "https://api.test/events?cursor=abc",
	}
	f.pages["https://api.test/events?cursor=abc"] = &Page{HasRecords: true}

	tr, _ := record.TransformFor(record.Events, nil)
	if _, err := collect(t, NewSource(f, seed, StyleLink, tr)); err != nil {
		t.Fatalf("Records error = %v", err)
	}

	reqs := f.Requests()
	if reqs[1] != "https://api.test/events?cursor=abc" {
		t.Errorf("second request = %q, want the link verbatim", reqs[1])
	}
}

func TestSource_ScrollStyle(t *testing.T) {
	f := newScriptedFetcher()
	seed, style := CollectionDescriptor("https://api.test", record.Users)
	if style != StyleScroll {
		t.Fatalf("style = %v, want scroll", style)
	}

	f.pages["https://api.test/users/scroll"] = &Page{
		Records:     rawRecords(t, `{"id":"u1"}`),
		HasRecords:  true,
		ScrollParam: "tok-1",
	}
	f.pages["https://api.test/users/scroll?scroll_param=tok-1"] = &Page{
		Records:     rawRecords(t, `{"id":"u2"}`, `{"id":"u3"}`),
		HasRecords:  true,
		ScrollParam: "tok-2",
	}
	// Empty page with a token still ends the scroll.
	f.pages["https://api.test/users/scroll?scroll_param=tok-2"] = &Page{
		HasRecords:  true,
		ScrollParam: "tok-3",
	}

	tr, _ := record.TransformFor(record.Users, nil)
	got, err := collect(t, NewSource(f, seed, style, tr))
	if err != nil {
		t.Fatalf("Records error = %v", err)
	}

	if want := []string{"u1", "u2", "u3"}; !equalStrings(ids(got), want) {
		t.Errorf("ids = %v, want %v", ids(got), want)
	}
	if n := len(f.Requests()); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestSource_ScrollKeepsSeedQuery(t *testing.T) {
	f := newScriptedFetcher()
	seed, style := UsersSince("https://api.test", 7)

	f.pages["https://api.test/users/scroll?created_since=7"] = &Page{
		Records:     rawRecords(t, `{"id":"u1"}`),
		HasRecords:  true,
		ScrollParam: "tok",
	}
	f.pages["https://api.test/users/scroll?created_since=7&scroll_param=tok"] = &Page{HasRecords: true}

	tr, _ := record.TransformFor(record.Users, nil)
	if _, err := collect(t, NewSource(f, seed, style, tr)); err != nil {
		t.Fatalf("Records error = %v", err)
	}
	if n := len(f.Requests()); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestSource_MissingFieldIsProtocolError(t *testing.T) {
	f := newScriptedFetcher()
	f.pages["https://api.test/tags"] = &Page{HasRecords: false}

	seed, style := CollectionDescriptor("https://api.test", record.Tags)
	_, err := collect(t, NewSource(f, seed, style, tagTransform(t)))

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
	if perr.Field != "tags" {
		t.Errorf("Field = %q, want tags", perr.Field)
	}
}

func TestSource_FetchErrorAfterFirstPage(t *testing.T) {
	f := newScriptedFetcher()
	f.pages["https://api.test/tags"] = &Page{
		Records:    rawRecords(t, `{"id":"1"}`),
		HasRecords: true,
		Next:       "https://api.test/tags?page=2",
	}
	upstream := errors.New("connection reset")
	f.errs["https://api.test/tags?page=2"] = upstream

	seed, style := CollectionDescriptor("https://api.test", record.Tags)
	got, err := collect(t, NewSource(f, seed, style, tagTransform(t)))

	if len(got) != 1 {
		t.Errorf("records before failure = %d, want 1", len(got))
	}
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("error = %v, want *FetchError", err)
	}
	if ferr.Descriptor.URL != "https://api.test/tags?page=2" {
		t.Errorf("Descriptor = %v, want failing page", ferr.Descriptor)
	}
	if !errors.Is(err, upstream) {
		t.Error("FetchError should wrap the upstream error")
	}
}

func TestSource_NormalizationRejectsWholePage(t *testing.T) {
	f := newScriptedFetcher()
	f.pages["https://api.test/tags"] = &Page{
		Records:    rawRecords(t, `{"id":"1"}`, `{"name":"no id"}`),
		HasRecords: true,
	}

	seed, style := CollectionDescriptor("https://api.test", record.Tags)
	got, err := collect(t, NewSource(f, seed, style, tagTransform(t)))

	if len(got) != 0 {
		t.Errorf("emitted %d records from a rejected page", len(got))
	}
	var nerr *record.NormalizationError
	if !errors.As(err, &nerr) {
		t.Fatalf("error = %v, want *record.NormalizationError", err)
	}
}

func TestSource_UserEventsFiltersErrorEvents(t *testing.T) {
	f := newScriptedFetcher()
	base := "https://api.test/events?intercom_user_id=u1&type=user"
	f.pages[base] = &Page{
		Records: rawRecords(t,
			`{"id":"e1","event_name":"signed-in"}`,
			`{"id":"e2","event_name":"error-sync"}`,
		),
		HasRecords: true,
		Next:       "https://api.test/events?page=2",
	}
	f.pages["https://api.test/events?page=2"] = &Page{
		Records:    rawRecords(t, `{"id":"e3","event_name":"error-only"}`),
		HasRecords: true,
		Next:       "https://api.test/events?page=3",
	}
	f.pages["https://api.test/events?page=3"] = &Page{
		Records:    rawRecords(t, `{"id":"e4","event_name":"paid"}`),
		HasRecords: true,
	}

	tr, _ := record.TransformFor(record.Events, nil)
	got, err := collect(t, UserEvents(f, "https://api.test", "u1", tr))
	if err != nil {
		t.Fatalf("Records error = %v", err)
	}

	if want := []string{"e1", "e4"}; !equalStrings(ids(got), want) {
		t.Errorf("ids = %v, want %v", ids(got), want)
	}
	if n := len(f.Requests()); n != 3 {
		t.Errorf("requests = %d, want 3 (filtering must not stop pagination)", n)
	}
}

func TestSource_NotRestartable(t *testing.T) {
	f := newScriptedFetcher()
	f.pages["https://api.test/tags"] = &Page{HasRecords: true}

	seed, style := CollectionDescriptor("https://api.test", record.Tags)
	src := NewSource(f, seed, style, tagTransform(t))

	if _, err := collect(t, src); err != nil {
		t.Fatalf("first pass error = %v", err)
	}
	if _, err := collect(t, src); !errors.Is(err, ErrSourceConsumed) {
		t.Errorf("second pass error = %v, want ErrSourceConsumed", err)
	}
}

func TestSource_EarlyBreakStopsFetching(t *testing.T) {
	f := newScriptedFetcher()
	f.pages["https://api.test/tags"] = &Page{
		Records:    rawRecords(t, `{"id":"1"}`, `{"id":"2"}`),
		HasRecords: true,
		Next:       "https://api.test/tags?page=2",
	}

	seed, style := CollectionDescriptor("https://api.test", record.Tags)
	for range NewSource(f, seed, style, tagTransform(t)).Records(context.Background()) {
		break
	}

	if n := len(f.Requests()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

type stallingFetcher struct{}

func (stallingFetcher) FetchPage(ctx context.Context, _ Descriptor) (*Page, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSource_PageTimeout(t *testing.T) {
	seed, style := CollectionDescriptor("https://api.test", record.Tags)
	src := NewSource(stallingFetcher{}, seed, style, tagTransform(t),
		WithConfig(Config{PageTimeout: 20 * time.Millisecond}))

	_, err := collect(t, src)
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("error = %v, want *FetchError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap context.DeadlineExceeded")
	}
}
