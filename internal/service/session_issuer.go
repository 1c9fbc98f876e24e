package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"portal-auth/internal/models"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/util"
)

// SessionStore is the server-side session store. Get reports a missing or
// expired session as sessionrepo.ErrSessionNotFound.
type SessionStore interface {
	Save(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Delete(ctx context.Context, session *models.Session) error
	DeleteAllForAccount(ctx context.Context, accountID string) error
}

type BindRequest struct {
	AccountID         string
	RoleID            int
	DisplayName       string
	DeviceFingerprint string
	Menus             []models.MenuEntry
}

// SessionIssuer is the only place an account becomes logged in. Binding
// replaces the account's token, which orphans any older session.
type SessionIssuer struct {
	accounts scylla.AccountRepository
	sessions SessionStore
	now      func() time.Time
}

func NewSessionIssuer(accounts scylla.AccountRepository, sessions SessionStore) *SessionIssuer {
	return &SessionIssuer{accounts: accounts, sessions: sessions, now: time.Now}
}

func (i *SessionIssuer) Bind(ctx context.Context, req BindRequest) (*models.Session, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate binding token: %w", err)
	}
	sessionID, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	if err := i.accounts.SetBoundSessionToken(ctx, req.AccountID, token); err != nil {
		return nil, err
	}

	session := &models.Session{
		SessionID:         sessionID,
		AccountID:         req.AccountID,
		RoleID:            req.RoleID,
		BindingToken:      token,
		DeviceFingerprint: req.DeviceFingerprint,
		DisplayName:       req.DisplayName,
		Menus:             req.Menus,
		CreatedAt:         i.now().UTC(),
	}
	if err := i.sessions.Save(ctx, session); err != nil {
		if clearErr := i.accounts.ClearBoundSessionToken(ctx, req.AccountID); clearErr != nil {
			util.Error("Failed to roll back binding token",
				util.AccountID(req.AccountID), zap.Error(clearErr))
		}
		return nil, err
	}

	util.Info("Session bound", util.AccountID(req.AccountID), util.SessionRef(sessionID))
	return session, nil
}

// Unbind logs the account out and drops the session. It is safe to repeat.
// A session that was already superseded leaves the newer binding alone.
func (i *SessionIssuer) Unbind(ctx context.Context, accountID string, session *models.Session) error {
	account, err := i.accounts.GetAccountByID(ctx, accountID)
	switch {
	case errors.Is(err, scylla.ErrAccountNotFound):
	case err != nil:
		return err
	case account.HasBoundSession() && (session == nil || account.BoundSessionToken == session.BindingToken):
		if err := i.accounts.ClearBoundSessionToken(ctx, accountID); err != nil {
			return err
		}
	}

	if session != nil {
		if err := i.sessions.Delete(ctx, session); err != nil {
			return err
		}
	}

	util.Info("Session unbound", util.AccountID(accountID))
	return nil
}

func randomToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
