package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockOAuthServer stands in for a platform token endpoint. Tests point a
// refresh function at URL and inspect how many exchanges happened.
type MockOAuthServer struct {
	Server *httptest.Server
	URL    string

	mu       sync.Mutex
	requests int
	payload  map[string]any
}

func NewMockOAuthServer(t *testing.T) *MockOAuthServer {
	t.Helper()
	m := &MockOAuthServer{
		payload: map[string]any{
			"access_token":  "mock-access",
			"refresh_token": "mock-refresh",
			"expires_in":    3600,
		},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests++
		payload := m.payload
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}))
	m.URL = m.Server.URL
	t.Cleanup(m.Server.Close)
	return m
}

// SetTokenResponse overrides the token payload returned to refresh calls.
func (m *MockOAuthServer) SetTokenResponse(access, refresh string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payload = map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    expiresIn,
	}
}

func (m *MockOAuthServer) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// MockInternalBackend captures internal callbacks (credits, enqueue) so tests
// can assert on fire-and-forget traffic.
type MockInternalBackend struct {
	Server *httptest.Server
	URL    string

	mu    sync.Mutex
	calls []map[string]any
}

func NewMockInternalBackend(t *testing.T) *MockInternalBackend {
	t.Helper()
	m := &MockInternalBackend{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body == nil {
			body = map[string]any{}
		}
		body["_path"] = r.URL.Path
		body["_auth"] = r.Header.Get("X-Internal-Auth")
		m.mu.Lock()
		m.calls = append(m.calls, body)
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	m.URL = m.Server.URL
	t.Cleanup(m.Server.Close)
	return m
}

func (m *MockInternalBackend) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.calls))
	copy(out, m.calls)
	return out
}
