package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"portal-auth/internal/service"
	"portal-auth/internal/util"
)

const maxActionBody = 64 << 10

// HealthChecker reports whether every backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ActionHandler is the single dispatch entry point for the login flow.
type ActionHandler struct {
	login    *service.LoginService
	sessions *SessionMiddleware
	health   HealthChecker
}

func NewActionHandler(login *service.LoginService, sessions *SessionMiddleware, health HealthChecker) *ActionHandler {
	return &ActionHandler{login: login, sessions: sessions, health: health}
}

// actionRequest is the flat parameter bag; each operation reads its subset.
type actionRequest struct {
	Operation   string `json:"operation"`
	Identifier  string `json:"identifier"`
	Credential  string `json:"credential"`
	RoleID      int    `json:"roleId"`
	AccountID   string `json:"accountId"`
	Code        string `json:"code"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func (h *ActionHandler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.HealthCheck)
	router.Get("/logout", h.Logout)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/actions", h.Dispatch)
		r.Get("/session", h.CurrentSession)
	})
}

func (h *ActionHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req actionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBody)).Decode(&req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Message: "Invalid request body."})
		return
	}

	switch req.Operation {
	case "login":
		h.beginLogin(w, r, &req)
	case "verify_second_factor":
		h.completeLogin(w, r, &req)
	case "resend_code":
		h.resendCode(w, r, &req)
	case "register":
		h.register(w, r, &req)
	case "check_availability":
		h.checkAvailability(w, r, &req)
	case "delete_account":
		h.deleteAccount(w, r, &req)
	default:
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Message: "Unknown operation."})
		return
	}

	util.Debug("Action handled",
		zap.String("operation", req.Operation),
		zap.Duration("duration", time.Since(startTime)))
}

func (h *ActionHandler) beginLogin(w http.ResponseWriter, r *http.Request, req *actionRequest) {
	result, err := h.login.BeginLogin(r.Context(), service.BeginLoginRequest{
		Identifier:    req.Identifier,
		Credential:    req.Credential,
		RoleID:        req.RoleID,
		SourceAddress: r.RemoteAddr,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	message := "Enter the code from your authenticator."
	if result.Step == service.StepSetup {
		message = "Scan the code with your authenticator app, then enter the code it shows."
	} else if result.Challenge != nil && result.Challenge.Delivery == "email" {
		message = "A sign-in code has been sent to your email."
	}
	respondWithJSON(w, http.StatusOK, successResponse(result, message))
}

func (h *ActionHandler) completeLogin(w http.ResponseWriter, r *http.Request, req *actionRequest) {
	result, err := h.login.CompleteLogin(r.Context(), service.CompleteLoginRequest{
		AccountID:         req.AccountID,
		Code:              req.Code,
		DeviceFingerprint: r.UserAgent(),
		SourceAddress:     r.RemoteAddr,
	})
	if err != nil {
		// An unknown account id looks exactly like a wrong code.
		if errors.Is(err, service.ErrAccountNotFound) {
			err = service.ErrInvalidCode
		}
		respondWithError(w, r, err)
		return
	}

	h.sessions.setCookie(w, result.Session.SessionID)
	respondWithJSON(w, http.StatusOK, Response{
		Success:     true,
		Message:     "Login successful.",
		RedirectURL: result.Landing,
	})
}

func (h *ActionHandler) resendCode(w http.ResponseWriter, r *http.Request, req *actionRequest) {
	challenge, err := h.login.ResendCode(r.Context(), req.AccountID, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			err = service.ErrNoPendingLogin
		}
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(challenge, "A new code has been issued."))
}

func (h *ActionHandler) register(w http.ResponseWriter, r *http.Request, req *actionRequest) {
	account, err := h.login.Register(r.Context(), service.RegisterRequest{
		Identifier:    req.Identifier,
		Credential:    req.Credential,
		RoleID:        req.RoleID,
		Email:         req.Email,
		DisplayName:   req.DisplayName,
		SourceAddress: r.RemoteAddr,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"accountId": account.AccountID,
		"username":  account.Username,
	}, "Registration successful."))
}

func (h *ActionHandler) checkAvailability(w http.ResponseWriter, r *http.Request, req *actionRequest) {
	available, err := h.login.CheckAvailability(r.Context(), req.Identifier, req.RoleID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"available": available}, ""))
}

// deleteAccount sits behind the public dispatch path, so it runs the gate
// itself before trusting the caller's role.
func (h *ActionHandler) deleteAccount(w http.ResponseWriter, r *http.Request, req *actionRequest) {
	actor, err := h.sessions.authenticate(r)
	if err != nil {
		h.sessions.reject(w, r, err)
		return
	}

	if err := h.login.DeleteAccount(r.Context(), actor, req.AccountID, r.RemoteAddr); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Account deleted."))
}

// Logout ends the session, expires the cookie and returns to the login page.
func (h *ActionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if session, ok := SessionFromContext(r.Context()); ok {
		if err := h.login.Logout(r.Context(), session, r.RemoteAddr); err != nil {
			util.Error("Logout failed", util.AccountID(session.AccountID), zap.Error(err))
		}
	}
	h.sessions.clearCookie(w)
	http.Redirect(w, r, h.sessions.cfg.LoginPath, http.StatusFound)
}

// CurrentSession returns what the view layer needs to render navigation.
func (h *ActionHandler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		h.sessions.reject(w, r, service.ErrSessionExpiredOrAbsent)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"accountId":   session.AccountID,
		"roleId":      session.RoleID,
		"displayName": session.DisplayName,
		"menus":       session.Menus,
	}, ""))
}

func (h *ActionHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.health.HealthCheck(r.Context()); err != nil {
		util.Warn("Health check failed", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, Response{Success: false, Message: "Service unhealthy"})
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "Service is healthy", Data: map[string]string{
		"service": util.ServiceName,
	}})
}
