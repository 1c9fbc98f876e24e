package secondfactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"portal-auth/internal/config"
	"portal-auth/internal/encryption"
	"portal-auth/internal/hashing"
	"portal-auth/internal/models"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
}

func newFakeStore(accounts ...*models.Account) *fakeStore {
	s := &fakeStore{accounts: map[string]*models.Account{}}
	for _, a := range accounts {
		copied := *a
		s.accounts[a.AccountID] = &copied
	}
	return s
}

func (s *fakeStore) load(id string) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.accounts[id]
	return &copied
}

func (s *fakeStore) SaveMailedCode(ctx context.Context, accountID, codeHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[accountID]
	a.PendingCodeHash = codeHash
	a.PendingCodeExpiresAt = &expiresAt
	return nil
}

func (s *fakeStore) ConsumeMailedCode(ctx context.Context, accountID, codeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[accountID]
	if a.PendingCodeHash != codeHash {
		return false, nil
	}
	a.PendingCodeHash = ""
	a.PendingCodeExpiresAt = nil
	return true, nil
}

func (s *fakeStore) SaveSecondFactorSecret(ctx context.Context, accountID, sealedSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[accountID]
	a.SecondFactorSecret = sealedSecret
	a.SecondFactorEnabled = false
	a.LastAcceptedStep = 0
	return nil
}

func (s *fakeStore) AcceptTOTPStep(ctx context.Context, accountID string, previous, step int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[accountID]
	if a.LastAcceptedStep != previous {
		return false, nil
	}
	a.LastAcceptedStep = step
	return true, nil
}

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testHasher(t *testing.T) *hashing.Hasher {
	t.Helper()
	h, err := hashing.NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           map[int]string{1: "test-pepper"},
		},
	})
	require.NoError(t, err)
	return h
}

func testSealer() *encryption.EncryptionManager {
	return encryption.NewEncryptionManager(&config.Config{}, nil)
}
