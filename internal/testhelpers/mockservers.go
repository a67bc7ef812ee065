package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockPlatformServer is a configurable stand-in for the platform API. It
// issues sequential access tokens ("tok1", "tok2", ...) and tickets, and
// rejects revoked tokens with errcode 40001.
type MockPlatformServer struct {
	Server *httptest.Server

	mu        sync.Mutex
	counts    map[string]int
	issued    int
	valid     map[string]bool
	tickets   int
	router    *http.ServeMux
	tokenErr  *ErrorBody
	expiresIn int
	secrets   map[string]string
	overrides map[string]http.HandlerFunc
}

// ErrorBody is the platform error envelope.
type ErrorBody struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// TokenBody is the response of the token endpoint.
type TokenBody struct {
	ErrorBody
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// TicketBody is the response of the ticket endpoint.
type TicketBody struct {
	ErrorBody
	Ticket    string `json:"ticket"`
	ExpiresIn int    `json:"expires_in"`
}

// SetupMockPlatformServer creates the server and closes it when the test
// ends.
func SetupMockPlatformServer(t *testing.T) *MockPlatformServer {
	t.Helper()

	mock := &MockPlatformServer{
		counts:    map[string]int{},
		valid:     map[string]bool{},
		router:    http.NewServeMux(),
		expiresIn: 7200,
		secrets:   map[string]string{},
		overrides: map[string]http.HandlerFunc{},
	}

	mock.router.HandleFunc("GET /cgi-bin/token", mock.handleToken)
	mock.router.HandleFunc("GET /cgi-bin/ticket/getticket", mock.RequireToken(mock.handleTicket))
	mock.router.HandleFunc("GET /cgi-bin/get_api_domain_ip", mock.RequireToken(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, map[string]any{"errcode": 0, "errmsg": "ok", "ip_list": []string{"127.0.0.1"}})
	}))

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.counts[r.URL.Path]++
		override := mock.overrides[r.URL.Path]
		mock.mu.Unlock()

		if override != nil {
			override(w, r)
			return
		}
		mock.router.ServeHTTP(w, r)
	}))
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the base URL of the server.
func (m *MockPlatformServer) URL() string {
	return m.Server.URL
}

// Handle adds a route. Handlers wrapped with RequireToken only see requests
// carrying a live access token.
func (m *MockPlatformServer) Handle(pattern string, handler http.HandlerFunc) {
	m.router.HandleFunc(pattern, handler)
}

// Override replaces the handler for path, including the built-in token and
// ticket endpoints.
func (m *MockPlatformServer) Override(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[path] = handler
}

// Count returns the number of requests received for path.
func (m *MockPlatformServer) Count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// SetSecret restricts the token endpoint to the given secret for appID.
func (m *MockPlatformServer) SetSecret(appID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[appID] = secret
}

// FailTokens makes the token endpoint return the given errcode; a zero code
// restores normal operation.
func (m *MockPlatformServer) FailTokens(code int, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code == 0 {
		m.tokenErr = nil
		return
	}
	m.tokenErr = &ErrorBody{ErrCode: code, ErrMsg: msg}
}

// SetExpiresIn changes the lifetime reported for new tokens and tickets.
func (m *MockPlatformServer) SetExpiresIn(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiresIn = seconds
}

// Revoke invalidates a previously issued token.
func (m *MockPlatformServer) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.valid, token)
}

// RevokeAll invalidates every issued token.
func (m *MockPlatformServer) RevokeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = map[string]bool{}
}

// RequireToken rejects requests whose access_token is not live with
// errcode 40001.
func (m *MockPlatformServer) RequireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")

		m.mu.Lock()
		ok := m.valid[token]
		m.mu.Unlock()

		if !ok {
			WriteJSON(w, ErrorBody{ErrCode: 40001, ErrMsg: "invalid credential, access_token is invalid or not latest"})
			return
		}
		next(w, r)
	}
}

func (m *MockPlatformServer) handleToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	m.mu.Lock()
	defer m.mu.Unlock()

	if q.Get("grant_type") != "client_credential" {
		WriteJSON(w, ErrorBody{ErrCode: 40002, ErrMsg: "invalid grant_type"})
		return
	}
	if m.tokenErr != nil {
		WriteJSON(w, *m.tokenErr)
		return
	}
	if want, ok := m.secrets[q.Get("appid")]; ok && want != q.Get("secret") {
		WriteJSON(w, ErrorBody{ErrCode: 40125, ErrMsg: "invalid appsecret"})
		return
	}

	m.issued++
	token := fmt.Sprintf("tok%d", m.issued)
	m.valid[token] = true

	WriteJSON(w, TokenBody{AccessToken: token, ExpiresIn: m.expiresIn})
}

func (m *MockPlatformServer) handleTicket(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("type")

	m.mu.Lock()
	m.tickets++
	ticket := fmt.Sprintf("%s-ticket%d", kind, m.tickets)
	expires := m.expiresIn
	m.mu.Unlock()

	WriteJSON(w, TicketBody{Ticket: ticket, ExpiresIn: expires})
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
