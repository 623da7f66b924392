package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
)

// MockBackendServer simulates the marketplace backend for tests: the auth
// endpoints plus any scripted business routes. It records every request it
// receives so tests can assert on headers and ordering.
type MockBackendServer struct {
	Server *httptest.Server

	mu        sync.Mutex
	responses map[string]MockResponse
	requests  []RecordedRequest

	// Credential state the auth endpoints validate against.
	validAccess  string
	validRefresh string
	nextAccess   string
	nextRefresh  string

	refreshCalls  atomic.Int64
	refreshStatus atomic.Int64 // non-zero forces this status from the refresh endpoint
}

// MockResponse is a scripted reply for one business route.
type MockResponse struct {
	StatusCode int
	Body       any
}

// RecordedRequest captures what the server saw for later assertions.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
	Body          []byte
}

// NewMockBackendServer starts a TLS test server with the auth endpoints
// wired up. Business routes are added with SetResponse.
func NewMockBackendServer() *MockBackendServer {
	m := &MockBackendServer{
		responses: make(map[string]MockResponse),
	}

	router := mux.NewRouter()
	router.HandleFunc(validateTokenPath, m.handleValidate).Methods(http.MethodGet)
	router.HandleFunc(refreshTokenPath, m.handleRefresh).Methods(http.MethodPost)
	router.PathPrefix("/").HandlerFunc(m.handleBusiness)

	m.Server = httptest.NewTLSServer(router)
	return m
}

// Close shuts the server down.
func (m *MockBackendServer) Close() {
	m.Server.Close()
}

// Client returns an HTTP client that trusts the server's TLS certificate.
func (m *MockBackendServer) Client() *http.Client {
	return m.Server.Client()
}

// Config returns a default configuration pointed at this server.
func (m *MockBackendServer) Config() Config {
	endpoints, err := BuildEndpoints(m.Server.URL)
	if err != nil {
		panic(err)
	}
	return DefaultConfig(endpoints)
}

// SetCredentials scripts which token pair the auth endpoints accept and
// which pair the next successful refresh hands out.
func (m *MockBackendServer) SetCredentials(validAccess, validRefresh, nextAccess, nextRefresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validAccess = validAccess
	m.validRefresh = validRefresh
	m.nextAccess = nextAccess
	m.nextRefresh = nextRefresh
}

// SetResponse scripts the reply for "METHOD /path" on a business route.
func (m *MockBackendServer) SetResponse(method, path string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method+" "+path] = resp
}

// FailRefreshWith forces the refresh endpoint to return the given status.
// Pass 0 to restore normal behavior.
func (m *MockBackendServer) FailRefreshWith(status int) {
	m.refreshStatus.Store(int64(status))
}

// RefreshCalls returns how many times the refresh endpoint was hit.
func (m *MockBackendServer) RefreshCalls() int {
	return int(m.refreshCalls.Load())
}

// Requests returns a copy of every recorded request, in arrival order.
func (m *MockBackendServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsFor returns the recorded requests for one path, in arrival order.
func (m *MockBackendServer) RequestsFor(path string) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedRequest
	for _, r := range m.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (m *MockBackendServer) record(r *http.Request) RecordedRequest {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	rec := RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		RequestID:     r.Header.Get("X-Request-ID"),
		Body:          body,
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	m.mu.Unlock()
	return rec
}

func (m *MockBackendServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	m.record(r)

	m.mu.Lock()
	valid := "Bearer "+m.validAccess == r.Header.Get("Authorization") && m.validAccess != ""
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"valid": valid})
}

func (m *MockBackendServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rec := m.record(r)
	m.refreshCalls.Add(1)

	if status := int(m.refreshStatus.Load()); status != 0 {
		w.WriteHeader(status)
		return
	}

	var payload struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(rec.Body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	if payload.RefreshToken == "" || payload.RefreshToken != m.validRefresh {
		m.mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
		return
	}
	// Rotate: the issued pair becomes the only valid one.
	access, refresh := m.nextAccess, m.nextRefresh
	m.validAccess = access
	m.validRefresh = refresh
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"accessToken":  access,
		"refreshToken": refresh,
	})
}

func (m *MockBackendServer) handleBusiness(w http.ResponseWriter, r *http.Request) {
	m.record(r)

	// Business routes require the currently valid access token.
	m.mu.Lock()
	authorized := m.validAccess != "" && r.Header.Get("Authorization") == "Bearer "+m.validAccess
	resp, scripted := m.responses[r.Method+" "+r.URL.Path]
	m.mu.Unlock()

	if !authorized {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !scripted {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "no scripted response"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.StatusCode != 0 {
		w.WriteHeader(resp.StatusCode)
	}
	if resp.Body != nil {
		json.NewEncoder(w).Encode(resp.Body)
	}
}
