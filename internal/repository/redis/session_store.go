package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"portal-auth/internal/client"
	"portal-auth/internal/models"
	"portal-auth/internal/util"
)

const (
	sessionDataPrefix     = "session_data:"
	accountSessionsPrefix = "account_sessions:"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps server-side sessions in Redis with a sliding idle TTL.
// An expired key is indistinguishable from a session that never existed.
type SessionStore struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewSessionStore(c *client.RedisClient, idleTimeout time.Duration) *SessionStore {
	return &SessionStore{client: c, ttl: idleTimeout}
}

func (s *SessionStore) Save(ctx context.Context, session *models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionDataPrefix+session.SessionID, data, s.ttl)
	indexKey := accountSessionsPrefix + session.AccountID
	pipe.SAdd(ctx, indexKey, session.SessionID)
	pipe.Expire(ctx, indexKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to save session",
			util.AccountID(session.AccountID),
			util.SessionRef(session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to save session: %w", err)
	}

	util.Debug("Session saved",
		util.AccountID(session.AccountID),
		util.SessionRef(session.SessionID),
		zap.Duration("ttl", s.ttl))
	return nil
}

// Get loads a session and pushes its expiry out by the idle timeout.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := sessionDataPrefix + sessionID
	pipe := s.client.TxPipeline()
	get := pipe.Get(ctx, key)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		util.Error("Failed to load session", util.SessionRef(sessionID), zap.Error(err))
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	raw, err := get.Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		util.Warn("Discarding unreadable session", util.SessionRef(sessionID), zap.Error(err))
		_ = s.client.Del(ctx, key)
		return nil, ErrSessionNotFound
	}

	return &session, nil
}

// Delete removes a session; deleting a missing session is not an error.
func (s *SessionStore) Delete(ctx context.Context, session *models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionDataPrefix+session.SessionID)
	if session.AccountID != "" {
		pipe.SRem(ctx, accountSessionsPrefix+session.AccountID, session.SessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete session", util.SessionRef(session.SessionID), zap.Error(err))
		return fmt.Errorf("failed to delete session: %w", err)
	}

	util.Debug("Session deleted", util.AccountID(session.AccountID), util.SessionRef(session.SessionID))
	return nil
}

// DeleteAllForAccount tears down every live session of an account.
func (s *SessionStore) DeleteAllForAccount(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexKey := accountSessionsPrefix + accountID
	sessionIDs, err := s.client.SMembers(ctx, indexKey)
	if err != nil {
		return fmt.Errorf("failed to list account sessions: %w", err)
	}

	keys := make([]string, 0, len(sessionIDs)+1)
	for _, id := range sessionIDs {
		keys = append(keys, sessionDataPrefix+id)
	}
	keys = append(keys, indexKey)

	if err := s.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to delete account sessions", util.AccountID(accountID), zap.Error(err))
		return fmt.Errorf("failed to delete account sessions: %w", err)
	}

	util.Info("Account sessions deleted", util.AccountID(accountID), zap.Int("count", len(sessionIDs)))
	return nil
}
