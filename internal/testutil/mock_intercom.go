// Package testutil provides testing utilities for the Intercom importer.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockIntercom is a configurable mock Intercom API. Collections are served
// with next-page links, users with scroll tokens, and per-user events with
// next-page links.
type MockIntercom struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// pages of raw JSON records, by collection name
	collections map[string][][]string
	userEvents  map[string][][]string

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	requests          []string
}

// NewMockIntercom creates a new mock Intercom server.
func NewMockIntercom() *MockIntercom {
	mock := &MockIntercom{
		handlers:    make(map[string]http.HandlerFunc),
		collections: make(map[string][][]string),
		userEvents:  make(map[string][][]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.requests = append(mock.requests, r.URL.RequestURI())
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockIntercom) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockIntercom) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockIntercom) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.requests = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockIntercom) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockIntercom) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetCollection serves pages of raw JSON records for a collection such as
// "tags". "users" is served through the scroll endpoint.
func (m *MockIntercom) SetCollection(name string, pages ...[]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[name] = pages
}

// SetUserEvents serves pages of raw JSON events for one user.
func (m *MockIntercom) SetUserEvents(userID string, pages ...[]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userEvents[userID] = pages
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockIntercom) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// Requests returns the request URIs received so far.
func (m *MockIntercom) Requests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.requests...)
}

// defaultHandler serves configured collections.
func (m *MockIntercom) defaultHandler(w http.ResponseWriter, r *http.Request) {
	setRateLimitHeaders(w, 80)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	query := r.URL.Query()
	name := strings.TrimPrefix(r.URL.Path, "/")

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case name == "users/scroll":
		pages := m.collections["users"]
		index := 0
		if token := query.Get("scroll_param"); token != "" {
			index, _ = strconv.Atoi(strings.TrimPrefix(token, "scroll-"))
		}
		fmt.Fprintf(w, `{"type":"user.list","users":[%s],"scroll_param":"scroll-%d"}`,
			pageAt(pages, index), index+1)

	case name == "events":
		userID := query.Get("intercom_user_id")
		pages, ok := m.userEvents[userID]
		if !ok {
			fmt.Fprint(w, `{"type":"event.list","events":[],"pages":{"next":null}}`)
			return
		}
		index := pageIndex(query)
		next := "null"
		if index+1 < len(pages) {
			q := url.Values{"type": {"user"}, "intercom_user_id": {userID}, "page": {strconv.Itoa(index + 2)}}
			next = strconv.Quote(m.server.URL + "/events?" + q.Encode())
		}
		fmt.Fprintf(w, `{"type":"event.list","events":[%s],"pages":{"next":%s}}`,
			pageAt(pages, index), next)

	default:
		pages, ok := m.collections[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"type":"error.list","errors":[{"code":"not_found","message":"Resource Not Found"}]}`)
			return
		}
		index := pageIndex(query)
		next := "null"
		if index+1 < len(pages) {
			next = strconv.Quote(fmt.Sprintf("%s/%s?page=%d", m.server.URL, name, index+2))
		}
		fmt.Fprintf(w, `{"type":"%s.list","%s":[%s],"pages":{"next":%s}}`,
			strings.TrimSuffix(name, "s"), name, pageAt(pages, index), next)
	}
}

// pageIndex maps the 1-based page parameter to a slice index.
func pageIndex(query url.Values) int {
	page, err := strconv.Atoi(query.Get("page"))
	if err != nil || page < 1 {
		return 0
	}
	return page - 1
}

func pageAt(pages [][]string, index int) string {
	if index < 0 || index >= len(pages) {
		return ""
	}
	return strings.Join(pages[index], ",")
}

func setRateLimitHeaders(w http.ResponseWriter, remaining int) {
	w.Header().Set("X-RateLimit-Limit", "83")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(10*time.Second).Unix(), 10))
}

// NewHealthyResponse creates a standard 200 OK response with rate limit headers.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "83",
			"X-RateLimit-Remaining": "80",
			"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(10*time.Second).Unix(), 10),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewErrorListResponse creates a response carrying an Intercom error list.
func NewErrorListResponse(status int, code, message string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body: fmt.Sprintf(`{"type":"error.list","errors":[{"code":%q,"message":%q}]}`,
			code, message),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"type":"error.list","errors":[{"code":"rate_limit_exceeded","message":"Exceeded rate limit"}]}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "83",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(2*time.Second).Unix(), 10),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"type":"error.list","errors":[{"code":"server_error","message":"Internal server error"}]}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
