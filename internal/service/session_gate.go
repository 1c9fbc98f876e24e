package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"portal-auth/internal/models"
	sessionrepo "portal-auth/internal/repository/redis"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/util"
)

// SessionGate decides whether a request may use a session. Every failed check
// except a missing session also destroys the session.
type SessionGate struct {
	accounts scylla.AccountRepository
	sessions SessionStore
	audit    AuditRecorder
}

func NewSessionGate(accounts scylla.AccountRepository, sessions SessionStore, audit AuditRecorder) *SessionGate {
	return &SessionGate{accounts: accounts, sessions: sessions, audit: audit}
}

// Check validates sessionID for a request sent with userAgent from
// sourceAddress. The user agent is a client-declared string, so a match
// raises the bar for replaying a stolen cookie but proves nothing.
func (g *SessionGate) Check(ctx context.Context, sessionID, userAgent, sourceAddress string) (*models.Session, error) {
	session, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessionrepo.ErrSessionNotFound) {
			return nil, ErrSessionExpiredOrAbsent
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.AccountID == "" {
		g.discard(ctx, session)
		return nil, ErrSessionExpiredOrAbsent
	}

	if session.DeviceFingerprint != userAgent {
		g.discard(ctx, session)
		g.reject(ctx, session, "device fingerprint mismatch", sourceAddress)
		return nil, ErrDeviceMismatch
	}

	account, err := g.accounts.GetAccountByID(ctx, session.AccountID)
	if err != nil && !errors.Is(err, scylla.ErrAccountNotFound) {
		return nil, err
	}
	if account == nil || !account.HasBoundSession() ||
		subtle.ConstantTimeCompare([]byte(account.BoundSessionToken), []byte(session.BindingToken)) != 1 {
		g.discard(ctx, session)
		g.reject(ctx, session, "binding token superseded", sourceAddress)
		return nil, ErrSessionExpiredOrAbsent
	}

	return session, nil
}

func (g *SessionGate) discard(ctx context.Context, session *models.Session) {
	if err := g.sessions.Delete(ctx, session); err != nil {
		util.Warn("Failed to discard rejected session", util.SessionRef(session.SessionID), zap.Error(err))
	}
}

func (g *SessionGate) reject(ctx context.Context, session *models.Session, reason, sourceAddress string) {
	roleID := session.RoleID
	g.audit.Record(ctx, models.AuditEntry{
		Action:        models.AuditSessionRejected,
		Status:        models.AuditFailed,
		Details:       reason,
		AccountID:     session.AccountID,
		RoleID:        &roleID,
		SourceAddress: sourceAddress,
	})
}
