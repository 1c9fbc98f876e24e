package service

import "errors"

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrSessionConflict        = errors.New("account already has an active session")
	ErrAccountNotFound        = errors.New("account not found")
	ErrInvalidCode            = errors.New("invalid second factor code")
	ErrNoPendingLogin         = errors.New("no login in progress")
	ErrDeviceMismatch         = errors.New("device mismatch")
	ErrSessionExpiredOrAbsent = errors.New("session expired or absent")
	ErrUsernameTaken          = errors.New("username already taken")
	ErrInvalidInput           = errors.New("invalid input")
	ErrPermissionDenied       = errors.New("permission denied")
)
