package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"portal-auth/internal/config"
	"portal-auth/internal/models"
	"portal-auth/internal/secondfactor"
	"portal-auth/internal/service"
)

type fakeGate struct {
	session    *models.Session
	err        error
	calls      int
	lastUA     string
	lastSource string
}

func (g *fakeGate) Check(ctx context.Context, sessionID, userAgent, sourceAddress string) (*models.Session, error) {
	g.calls++
	g.lastUA = userAgent
	g.lastSource = sourceAddress
	if g.err != nil {
		return nil, g.err
	}
	return g.session, nil
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(ctx context.Context) error { return h.err }

func newTestRouter(gate *fakeGate) http.Handler {
	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"https://*"}},
		Session: config.SessionConfig{
			CookieName:  "portal_session",
			LoginPath:   "/login",
			PublicPaths: []string{"/login", "/register", "/health", "/api/v1/actions"},
		},
	}
	sessions := NewSessionMiddleware(gate, cfg.Session)
	actions := NewActionHandler(nil, sessions, fakeHealth{})
	return NewRouter(cfg, actions, sessions, zap.NewNop())
}

func withCookie(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: "portal_session", Value: "sid-1"})
	req.Header.Set("User-Agent", "Mozilla/5.0")
	return req
}

func expiredCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "portal_session" {
			return c
		}
	}
	t.Fatalf("no session cookie in response")
	return nil
}

func TestPageRequestWithoutValidSessionRedirects(t *testing.T) {
	gate := &fakeGate{err: service.ErrSessionExpiredOrAbsent}
	rec := httptest.NewRecorder()

	newTestRouter(gate).ServeHTTP(rec, withCookie(httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.Equal(t, -1, expiredCookie(t, rec).MaxAge)
	assert.Equal(t, "Mozilla/5.0", gate.lastUA)
	assert.Equal(t, "192.0.2.1:1234", gate.lastSource)
}

func TestGateFailureKeepsCookie(t *testing.T) {
	gate := &fakeGate{err: errors.New("dial tcp 10.0.0.5:6379: connection refused")}
	req := withCookie(httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := httptest.NewRecorder()

	newTestRouter(gate).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
	assert.Equal(t, 1, gate.calls)
}

func TestBackgroundRequestWithoutValidSessionGetsJSON(t *testing.T) {
	for _, header := range [][2]string{
		{"X-Requested-With", "XMLHttpRequest"},
		{"Accept", "application/json, text/plain, */*"},
	} {
		t.Run(header[0], func(t *testing.T) {
			gate := &fakeGate{err: service.ErrDeviceMismatch}
			req := withCookie(httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
			req.Header.Set(header[0], header[1])
			rec := httptest.NewRecorder()

			newTestRouter(gate).ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			var body Response
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.False(t, body.Success)
			assert.Equal(t, "Session expired", body.Message)
			assert.Equal(t, "/login", body.RedirectURL)
		})
	}
}

func TestMissingCookieSkipsGateButStillRejects(t *testing.T) {
	gate := &fakeGate{}
	rec := httptest.NewRecorder()

	newTestRouter(gate).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Zero(t, gate.calls)
	assert.Empty(t, rec.Result().Cookies())
}

func TestAdmittedRequestSeesSession(t *testing.T) {
	gate := &fakeGate{session: &models.Session{
		SessionID:   "sid-1",
		AccountID:   "acc-1",
		RoleID:      1,
		DisplayName: "Ada",
		Menus:       []models.MenuEntry{{MenuID: 1, Name: "Courses", URL: "/courses"}},
	}}
	rec := httptest.NewRecorder()

	newTestRouter(gate).ServeHTTP(rec, withCookie(httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	assert.Contains(t, rec.Body.String(), `"displayName":"Ada"`)
	assert.Contains(t, rec.Body.String(), `"/courses"`)
}

func TestPublicPathsBypassGate(t *testing.T) {
	gate := &fakeGate{err: service.ErrSessionExpiredOrAbsent}
	rec := httptest.NewRecorder()

	newTestRouter(gate).ServeHTTP(rec, withCookie(httptest.NewRequest(http.MethodGet, "/health", nil)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, gate.calls)
}

func TestDispatchRejectsBadInput(t *testing.T) {
	router := newTestRouter(&fakeGate{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/actions", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/actions", strings.NewReader(`{"operation":"grades"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unknown operation.")
}

func TestDeleteAccountRunsGateItself(t *testing.T) {
	gate := &fakeGate{err: service.ErrSessionExpiredOrAbsent}
	req := withCookie(httptest.NewRequest(http.MethodPost, "/api/v1/actions",
		strings.NewReader(`{"operation":"delete_account","accountId":"acc-2"}`)))
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := httptest.NewRecorder()

	newTestRouter(gate).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, gate.calls)
}

func TestLogoutWithoutSessionStillExpiresCookie(t *testing.T) {
	gate := &fakeGate{err: service.ErrSessionExpiredOrAbsent}
	rec := httptest.NewRecorder()

	newTestRouter(gate).ServeHTTP(rec, withCookie(httptest.NewRequest(http.MethodGet, "/logout", nil)))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.Equal(t, -1, expiredCookie(t, rec).MaxAge)
}

func TestUnhealthyDependencies(t *testing.T) {
	cfg := config.SessionConfig{CookieName: "portal_session", PublicPaths: []string{"/health"}}
	sessions := NewSessionMiddleware(&fakeGate{}, cfg)
	actions := NewActionHandler(nil, sessions, fakeHealth{err: errors.New("scylla down")})
	router := NewRouter(&config.Config{Session: cfg}, actions, sessions, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "scylla")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{service.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid credentials."},
		{service.ErrSessionConflict, http.StatusConflict, "User is already logged in on another device."},
		{fmt.Errorf("%w: %w", service.ErrInvalidCode, secondfactor.ErrCodeExpiredOrInvalid), http.StatusUnauthorized, "Invalid or expired code."},
		{fmt.Errorf("%w: %w", service.ErrInvalidCode, secondfactor.ErrAlreadyConsumed), http.StatusUnauthorized, "This code has already been used."},
		{service.ErrPermissionDenied, http.StatusForbidden, "Permission denied."},
		{service.ErrUsernameTaken, http.StatusConflict, "Identifier is already taken."},
		{errors.New("gocql: no hosts available in the pool"), http.StatusInternalServerError, "operation failed"},
	}
	for _, tt := range tests {
		status, message := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.message, message, tt.err.Error())
	}
}
