package session

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raine/authsession/internal/transport"
)

// fakeService is an in-memory authentication service. Access and refresh
// tokens are numbered by issue order and refresh tokens are single use.
type fakeService struct {
	mu sync.Mutex

	expiresIn     int
	omitExpiresIn bool
	rotate        bool
	refreshDelay  time.Duration
	refreshStatus int
	logoutStatus  int
	// onRequest runs before a request is handled, outside the lock.
	onRequest func(path, bearer string)

	seq           int
	accessTokens  map[string]bool
	refreshTokens map[string]bool
	accounts      map[string]bool
	calls         map[string]int
	bearers       []string
}

func newFakeService() *fakeService {
	return &fakeService{
		expiresIn:     3600,
		rotate:        true,
		accessTokens:  map[string]bool{},
		refreshTokens: map[string]bool{},
		accounts:      map[string]bool{"taken@example.com": true},
		calls:         map[string]int{},
	}
}

func (s *fakeService) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *fakeService) set(fn func(s *fakeService)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// expireAccessTokens invalidates every issued access token.
func (s *fakeService) expireAccessTokens() {
	s.set(func(s *fakeService) { s.accessTokens = map[string]bool{} })
}

func (s *fakeService) issueLocked(w http.ResponseWriter, refreshToken string) {
	s.seq++
	access := fmt.Sprintf("access-%d", s.seq)
	s.accessTokens[access] = true

	res := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
	}
	if refreshToken == "" {
		refreshToken = fmt.Sprintf("refresh-%d", s.seq)
		s.refreshTokens[refreshToken] = true
		res["refresh_token"] = refreshToken
	}
	if !s.omitExpiresIn {
		res["expires_in"] = s.expiresIn
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]any{"error": http.StatusText(status), "message": message, "code": code})
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	body, _ := io.ReadAll(r.Body)
	var payload map[string]string
	_ = json.Unmarshal(body, &payload)

	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	hook := s.onRequest
	s.mu.Unlock()
	if hook != nil {
		hook(path, bearer)
	}

	s.mu.Lock()
	s.calls[path]++
	s.bearers = append(s.bearers, bearer)
	authorized := s.accessTokens[bearer]
	delay := s.refreshDelay
	s.mu.Unlock()

	switch path {
	case "/auth/signup":
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.accounts[payload["email"]] {
			writeFault(w, http.StatusConflict, "email already registered", "EMAIL_EXISTS")
			return
		}
		s.accounts[payload["email"]] = true
		writeJSON(w, http.StatusCreated, map[string]any{"message": "account created", "email": payload["email"]})

	case "/auth/login":
		s.mu.Lock()
		defer s.mu.Unlock()
		if payload["password"] != "secret" {
			writeFault(w, http.StatusUnauthorized, "invalid credentials", "INVALID_CREDENTIALS")
			return
		}
		s.issueLocked(w, "")

	case "/auth/refresh":
		if delay > 0 {
			time.Sleep(delay)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.refreshStatus != 0 {
			writeFault(w, s.refreshStatus, "refresh token revoked", "TOKEN_REVOKED")
			return
		}
		token := payload["refresh_token"]
		if !s.refreshTokens[token] {
			writeFault(w, http.StatusUnauthorized, "invalid refresh token", "INVALID_TOKEN")
			return
		}
		if s.rotate {
			delete(s.refreshTokens, token)
			s.issueLocked(w, "")
			return
		}
		s.issueLocked(w, token)

	case "/auth/logout":
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.logoutStatus != 0 {
			writeFault(w, s.logoutStatus, "logout failed", "")
			return
		}
		delete(s.refreshTokens, payload["refresh_token"])
		writeJSON(w, http.StatusOK, map[string]any{"message": "logged out"})

	case "/auth/logout-all":
		if !authorized {
			writeFault(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.refreshTokens = map[string]bool{}
		writeJSON(w, http.StatusOK, map[string]any{"message": "logged out everywhere"})

	case "/auth/verify-email":
		if payload["token"] != "good" {
			writeFault(w, http.StatusBadRequest, "invalid verification token", "INVALID_TOKEN")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "email verified"})

	case "/forbidden":
		writeFault(w, http.StatusForbidden, "forbidden", "FORBIDDEN")

	case "/always-unauthorized":
		writeFault(w, http.StatusUnauthorized, "unauthorized", "")

	default:
		if !authorized {
			writeFault(w, http.StatusUnauthorized, "token expired", "TOKEN_EXPIRED")
			return
		}
		switch path {
		case "/auth/me":
			writeJSON(w, http.StatusOK, map[string]any{
				"id":             "u1",
				"email":          "user@example.com",
				"email_verified": true,
				"created_at":     "2026-01-01T00:00:00Z",
				"updated_at":     "2026-01-02T00:00:00Z",
			})
		case "/auth/resend-verification":
			writeJSON(w, http.StatusOK, map[string]any{"message": "verification sent"})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"path": path, "token": bearer})
		}
	}
}

type fixture struct {
	svc        *fakeService
	server     *httptest.Server
	controller *Controller
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	svc := newFakeService()
	server := httptest.NewServer(svc)
	tr := transport.New(transport.Options{
		BaseURL:          server.URL,
		RetryWaitTime:    time.Millisecond,
		RetryMaxWaitTime: 5 * time.Millisecond,
	})
	c := New(tr, opts)
	t.Cleanup(func() {
		c.Close()
		server.Close()
	})
	return &fixture{svc: svc, server: server, controller: c}
}

// steppingClock advances by step on every reading.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}
