package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"portal-auth/internal/secondfactor"
	"portal-auth/internal/service"
	"portal-auth/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success     bool        `json:"success"`
	Data        interface{} `json:"data,omitempty"`
	Message     string      `json:"message,omitempty"`
	RedirectURL string      `json:"redirectUrl,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// respondWithError maps err to a status and a user-facing message. Messages
// never carry the underlying error text.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	if status >= http.StatusInternalServerError {
		util.Error("Operation failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		util.Debug("Operation rejected",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	respondWithJSON(w, status, Response{Success: false, Message: message})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials."
	case errors.Is(err, service.ErrSessionConflict):
		return http.StatusConflict, "User is already logged in on another device."
	case errors.Is(err, secondfactor.ErrAlreadyConsumed):
		return http.StatusUnauthorized, "This code has already been used."
	case errors.Is(err, service.ErrInvalidCode):
		return http.StatusUnauthorized, "Invalid or expired code."
	case errors.Is(err, service.ErrNoPendingLogin):
		return http.StatusBadRequest, "No login in progress."
	case errors.Is(err, service.ErrSessionExpiredOrAbsent), errors.Is(err, service.ErrDeviceMismatch):
		return http.StatusUnauthorized, "Session expired"
	case errors.Is(err, service.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found."
	case errors.Is(err, service.ErrUsernameTaken):
		return http.StatusConflict, "Identifier is already taken."
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "Invalid input."
	case errors.Is(err, service.ErrPermissionDenied):
		return http.StatusForbidden, "Permission denied."
	default:
		return http.StatusInternalServerError, "operation failed"
	}
}
