package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/intercom-etl/internal/testutil"
	"github.com/Sternrassler/intercom-etl/pkg/client"
	"github.com/Sternrassler/intercom-etl/pkg/pagination"
	"github.com/Sternrassler/intercom-etl/pkg/store"
)

type harness struct {
	mock  *testutil.MockIntercom
	redis *miniredis.Miniredis
	store *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("INTERCOM_ACCESS_TOKEN", "")

	mock := testutil.NewMockIntercom()
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { rc.Close() })

	return &harness{mock: mock, redis: mr, store: store.New(rc, "")}
}

// execute runs the CLI with the harness endpoints and returns stdout and the
// log output.
func (h *harness) execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	base := []string{
		"--access-token", "cli-token",
		"--base-url", h.mock.URL(),
		"--redis-addr", h.redis.Addr(),
		"--close-grace", "1ms",
	}

	var stdout, stderr bytes.Buffer
	root := newRootCommand()
	root.SetArgs(append(args, base...))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func (h *harness) count(t *testing.T, collection string) int64 {
	t.Helper()
	n, err := h.store.Count(context.Background(), collection)
	if err != nil {
		t.Fatalf("Count(%s) error = %v", collection, err)
	}
	return n
}

func (h *harness) seedBasics() {
	h.mock.SetCollection("tags", []string{`{"id":"1","name":"vip","type":"tag"}`, `{"id":"2","name":"trial","type":"tag"}`})
	h.mock.SetCollection("segments", []string{`{"id":"5","name":"Active","type":"segment"}`})
	h.mock.SetCollection("admins")
	h.mock.SetCollection("conversations", []string{`{"id":"c1","type":"conversation","created_at":1500000000}`})
}

func TestCollectionCommand(t *testing.T) {
	h := newHarness(t)
	h.seedBasics()

	stdout, logs, err := h.execute(t, "tags")
	if err != nil {
		t.Fatalf("tags error = %v\nlogs: %s", err, logs)
	}

	if !strings.Contains(stdout, "tags: 2 records, 2 written, 0 failed") {
		t.Errorf("stdout = %q", stdout)
	}
	if n := h.count(t, "tags"); n != 2 {
		t.Errorf("stored tags = %d, want 2", n)
	}
	if !strings.Contains(logs, `"run_id"`) {
		t.Errorf("logs should carry the run id, got %q", logs)
	}
	if auth := h.mock.LastRequestHeader.Get("Authorization"); auth != "Bearer cli-token" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestUsersCommand(t *testing.T) {
	h := newHarness(t)
	h.seedBasics()
	h.mock.SetCollection("users", []string{
		`{"id":"u1","user_id":"app-1","segments":{"segments":[{"id":"5"}]},"tags":{"tags":[{"id":"2"}]}}`,
		`{"id":"u2","user_id":"app-2"}`,
	})

	stdout, logs, err := h.execute(t, "users", "--created-since", "7")
	if err != nil {
		t.Fatalf("users error = %v\nlogs: %s", err, logs)
	}

	if !strings.Contains(stdout, "users: 2 records, 2 written, 0 failed") {
		t.Errorf("stdout = %q", stdout)
	}
	for collection, want := range map[string]int64{"tags": 2, "segments": 1, "admins": 0, "conversations": 1, "users": 2} {
		if n := h.count(t, collection); n != want {
			t.Errorf("stored %s = %d, want %d", collection, n, want)
		}
	}

	var sawFilter bool
	for _, uri := range h.mock.Requests() {
		if strings.HasPrefix(uri, "/users/scroll") && strings.Contains(uri, "created_since=7") {
			sawFilter = true
		}
	}
	if !sawFilter {
		t.Errorf("created_since not sent, requests = %v", h.mock.Requests())
	}

	user, err := h.store.Get(context.Background(), "users", "u1")
	if err != nil {
		t.Fatalf("Get(users/u1) error = %v", err)
	}
	if segments, _ := user["segments"].([]any); len(segments) != 1 || segments[0] != "Active" {
		t.Errorf("segments = %v, want [Active]", user["segments"])
	}
}

func TestEventsCommand(t *testing.T) {
	for _, shared := range []bool{false, true} {
		name := "own writers"
		if shared {
			name = "shared writer"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.seedBasics()
			h.mock.SetCollection("users", []string{`{"id":"u1","user_id":"app-1"}`, `{"id":"u2","user_id":"app-2"}`})
			h.mock.SetUserEvents("u1", []string{
				`{"id":"e1","event_name":"signed-in","created_at":1500000000,"user_id":"app-1"}`,
				`{"id":"e2","event_name":"error-sync","created_at":1500000001,"user_id":"app-1"}`,
			})
			h.mock.SetUserEvents("u2", []string{`{"id":"e3","event_name":"opened","created_at":1500000002,"user_id":"app-2"}`})

			if _, logs, err := h.execute(t, "users"); err != nil {
				t.Fatalf("users error = %v\nlogs: %s", err, logs)
			}

			args := []string{"events", "--concurrency", "1"}
			if shared {
				args = append(args, "--share-event-writer")
			}
			stdout, logs, err := h.execute(t, args...)
			if err != nil {
				t.Fatalf("events error = %v\nlogs: %s", err, logs)
			}

			if !strings.Contains(stdout, "events: 2 users, 2 succeeded, 0 failed") {
				t.Errorf("stdout = %q", stdout)
			}
			if n := h.count(t, "events"); n != 2 {
				t.Errorf("stored events = %d, want 2 (error events filtered)", n)
			}
		})
	}
}

func TestSourceFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	// segments is not served, so the mock answers 404.

	_, _, err := h.execute(t, "segments")
	if err == nil {
		t.Fatal("segments should fail")
	}

	var fetchErr *pagination.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %v, want FetchError", err)
	}
	if !strings.Contains(fetchErr.Descriptor.URL, "/segments") {
		t.Errorf("descriptor = %q, want the segments url", fetchErr.Descriptor.URL)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("error = %v, want 404 APIError", err)
	}
}

func TestMissingToken(t *testing.T) {
	h := newHarness(t)

	root := newRootCommand()
	root.SetArgs([]string{"tags", "--redis-addr", h.redis.Addr(), "--base-url", h.mock.URL()})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "access token is required") {
		t.Errorf("error = %v, want missing token", err)
	}
	if n := h.mock.GetRequestCount(); n != 0 {
		t.Errorf("requests = %d, want none", n)
	}
}

func TestRedisUnavailable(t *testing.T) {
	h := newHarness(t)
	h.seedBasics()
	h.redis.Close()

	_, _, err := h.execute(t, "tags")
	if err == nil || !strings.Contains(err.Error(), "connect to redis") {
		t.Errorf("error = %v, want redis connect failure", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)

	if _, _, err := h.execute(t, "contacts"); err == nil {
		t.Error("unknown command should fail")
	}
}

func TestHelpListsCommands(t *testing.T) {
	var stdout bytes.Buffer
	root := newRootCommand()
	root.SetArgs([]string{"--help"})
	root.SetOut(&stdout)

	if err := root.Execute(); err != nil {
		t.Fatalf("--help error = %v", err)
	}
	for _, name := range []string{"tags", "segments", "admins", "conversations", "users", "events"} {
		if !strings.Contains(stdout.String(), name) {
			t.Errorf("help does not list %s", name)
		}
	}
}
