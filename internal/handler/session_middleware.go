package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"portal-auth/internal/config"
	"portal-auth/internal/models"
	"portal-auth/internal/service"
	"portal-auth/internal/util"
)

type sessionContextKey struct{}

// SessionFromContext returns the session the gate admitted for this request.
func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(*models.Session)
	return session, ok && session != nil
}

// Gate is satisfied by *service.SessionGate.
type Gate interface {
	Check(ctx context.Context, sessionID, userAgent, sourceAddress string) (*models.Session, error)
}

// SessionMiddleware runs the session gate in front of every path that is not
// on the public allow-list.
type SessionMiddleware struct {
	gate   Gate
	cfg    config.SessionConfig
	public []string
}

func NewSessionMiddleware(gate Gate, cfg config.SessionConfig) *SessionMiddleware {
	return &SessionMiddleware{gate: gate, cfg: cfg, public: cfg.PublicPaths}
}

func (m *SessionMiddleware) isPublic(path string) bool {
	for _, p := range m.public {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		session, err := m.authenticate(r)
		if err != nil {
			m.reject(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, session)))
	})
}

func (m *SessionMiddleware) authenticate(r *http.Request) (*models.Session, error) {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, service.ErrSessionExpiredOrAbsent
	}
	return m.gate.Check(r.Context(), cookie.Value, r.UserAgent(), r.RemoteAddr)
}

// reject answers background requests with JSON and page loads with a
// redirect. Both follow the same check. The cookie is expired only when the
// gate actually ended the session; a failed lookup leaves it for the retry.
func (m *SessionMiddleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	ended := errors.Is(err, service.ErrSessionExpiredOrAbsent) || errors.Is(err, service.ErrDeviceMismatch)
	if !ended {
		util.Error("Session check failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	if _, cookieErr := r.Cookie(m.cfg.CookieName); cookieErr == nil && ended {
		m.clearCookie(w)
	}

	if isBackgroundRequest(r) {
		respondWithJSON(w, http.StatusUnauthorized, Response{
			Success:     false,
			Message:     "Session expired",
			RedirectURL: m.cfg.LoginPath,
		})
		return
	}
	http.Redirect(w, r, m.cfg.LoginPath, http.StatusFound)
}

func (m *SessionMiddleware) setCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *SessionMiddleware) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func isBackgroundRequest(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
