// Package testutil provides testing utilities for the CVE mirror.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior of one mock upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockNVD is a configurable mock of the upstream CVE API for testing.
// Handlers are keyed by the startIndex query parameter, matching the
// offset-driven pagination the fetcher performs.
type MockNVD struct {
	server   *httptest.Server
	mu       sync.RWMutex
	byOffset map[int]func(w http.ResponseWriter, r *http.Request)
	fallback func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount   int
	OffsetsServed  []int
	LastReqHeaders http.Header
	LastQuery      map[string]string
}

// NewMockNVD creates a new mock upstream server.
func NewMockNVD() *MockNVD {
	mock := &MockNVD{
		byOffset: make(map[int]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("startIndex"))

		mock.mu.Lock()
		mock.RequestCount++
		mock.OffsetsServed = append(mock.OffsetsServed, offset)
		mock.LastReqHeaders = r.Header.Clone()
		mock.LastQuery = map[string]string{}
		for key := range r.URL.Query() {
			mock.LastQuery[key] = r.URL.Query().Get(key)
		}
		handler, exists := mock.byOffset[offset]
		fallback := mock.fallback
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		if fallback != nil {
			fallback(w, r)
			return
		}

		// Default: an empty, exhausted result set.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"resultsPerPage": 0, "startIndex": %d, "totalResults": 0, "vulnerabilities": []}`, offset)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockNVD) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockNVD) Close() {
	m.server.Close()
}

// Reset clears all tracking counters and handlers.
func (m *MockNVD) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.OffsetsServed = nil
	m.LastReqHeaders = nil
	m.LastQuery = nil
	m.byOffset = make(map[int]func(w http.ResponseWriter, r *http.Request))
	m.fallback = nil
}

// SetOffsetHandler installs a custom handler for requests at offset.
func (m *MockNVD) SetOffsetHandler(offset int, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byOffset[offset] = handler
}

// SetFallbackHandler installs a handler for offsets without one.
func (m *MockNVD) SetFallbackHandler(handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = handler
}

// SetResponse configures a canned response for requests at offset.
func (m *MockNVD) SetResponse(offset int, resp MockResponse) {
	m.SetOffsetHandler(offset, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPage configures a valid page at offset carrying the given CVE ids.
func (m *MockNVD) SetPage(offset, total int, ids ...string) {
	m.SetResponse(offset, MockResponse{
		StatusCode: http.StatusOK,
		Body:       PageBody(offset, total, ids...),
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockNVD) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// PageBody builds a minimal valid upstream page payload.
func PageBody(startIndex, total int, ids ...string) string {
	vulns := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		vulns = append(vulns, map[string]interface{}{
			"cve": map[string]interface{}{
				"id":           id,
				"published":    "2024-01-15T10:00:00.000",
				"lastModified": "2024-02-01T08:30:00.000",
				"descriptions": []map[string]interface{}{
					{"lang": "en", "value": "Test advisory for " + id},
				},
			},
		})
	}

	body, _ := json.Marshal(map[string]interface{}{
		"resultsPerPage":  len(ids),
		"startIndex":      startIndex,
		"totalResults":    total,
		"format":          "NVD_CVE",
		"timestamp":       "2024-02-01T09:00:00.000",
		"vulnerabilities": vulns,
	})
	return string(body)
}

// NewRateLimitResponse creates a 429 response with a Retry-After hint.
func NewRateLimitResponse(retryAfterSecs int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After": strconv.Itoa(retryAfterSecs),
		},
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message": "Internal server error"}`,
	}
}

// NewClientErrorResponse creates a 404 response.
func NewClientErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message": "Not found"}`,
	}
}

// NewMalformedResponse creates a 200 response with an undecodable body.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"vulnerabilities": [truncated`,
	}
}
