package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"portal-auth/internal/client"
	"portal-auth/internal/config"
	"portal-auth/internal/encryption"
	"portal-auth/internal/hashing"
	"portal-auth/internal/models"
	sessionrepo "portal-auth/internal/repository/redis"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/secondfactor"
)

type fakeAccounts struct {
	mu        sync.Mutex
	byID      map[string]*models.Account
	usernames map[string]string
	deleteErr error
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{byID: map[string]*models.Account{}, usernames: map[string]string{}}
}

func (r *fakeAccounts) get(id string) (*models.Account, error) {
	a, ok := r.byID[id]
	if !ok {
		return nil, scylla.ErrAccountNotFound
	}
	copied := *a
	return &copied, nil
}

func (r *fakeAccounts) mustGet(t *testing.T, id string) *models.Account {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.get(id)
	require.NoError(t, err)
	return a
}

func (r *fakeAccounts) update(id string, fn func(a *models.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return nil
	}
	fn(a)
	return nil
}

func (r *fakeAccounts) CreateAccount(ctx context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.usernames[account.Username]; taken {
		return scylla.ErrUsernameTaken
	}
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	account.CreatedAt = time.Now().UTC()
	copied := *account
	r.byID[account.AccountID] = &copied
	r.usernames[account.Username] = account.AccountID
	return nil
}

func (r *fakeAccounts) GetAccountByID(ctx context.Context, accountID string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(accountID)
}

func (r *fakeAccounts) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.usernames[username]
	if !ok {
		return nil, scylla.ErrAccountNotFound
	}
	return r.get(id)
}

func (r *fakeAccounts) UsernameExists(ctx context.Context, username string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.usernames[username]
	return ok, nil
}

func (r *fakeAccounts) SaveMailedCode(ctx context.Context, accountID, codeHash string, expiresAt time.Time) error {
	return r.update(accountID, func(a *models.Account) {
		a.PendingCodeHash = codeHash
		a.PendingCodeExpiresAt = &expiresAt
	})
}

func (r *fakeAccounts) ConsumeMailedCode(ctx context.Context, accountID, codeHash string) (bool, error) {
	applied := false
	err := r.update(accountID, func(a *models.Account) {
		if a.PendingCodeHash == codeHash {
			a.PendingCodeHash = ""
			a.PendingCodeExpiresAt = nil
			applied = true
		}
	})
	return applied, err
}

func (r *fakeAccounts) SaveSecondFactorSecret(ctx context.Context, accountID, sealedSecret string) error {
	return r.update(accountID, func(a *models.Account) {
		a.SecondFactorSecret = sealedSecret
		a.SecondFactorEnabled = false
		a.LastAcceptedStep = 0
	})
}

func (r *fakeAccounts) AcceptTOTPStep(ctx context.Context, accountID string, previous, step int64) (bool, error) {
	applied := false
	err := r.update(accountID, func(a *models.Account) {
		if a.LastAcceptedStep == previous {
			a.LastAcceptedStep = step
			applied = true
		}
	})
	return applied, err
}

func (r *fakeAccounts) MarkSecondFactorEnabled(ctx context.Context, accountID string) error {
	return r.update(accountID, func(a *models.Account) { a.SecondFactorEnabled = true })
}

func (r *fakeAccounts) SetBoundSessionToken(ctx context.Context, accountID, token string) error {
	return r.update(accountID, func(a *models.Account) { a.BoundSessionToken = token })
}

func (r *fakeAccounts) ClearBoundSessionToken(ctx context.Context, accountID string) error {
	return r.update(accountID, func(a *models.Account) { a.BoundSessionToken = "" })
}

func (r *fakeAccounts) UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error {
	return r.update(accountID, func(a *models.Account) { a.LastLoginAt = &at })
}

func (r *fakeAccounts) UpdateCredentialHash(ctx context.Context, accountID, encodedHash string) error {
	return r.update(accountID, func(a *models.Account) { a.CredentialHash = encodedHash })
}

func (r *fakeAccounts) DeleteAccount(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	a, ok := r.byID[accountID]
	if !ok {
		return scylla.ErrAccountNotFound
	}
	delete(r.usernames, a.Username)
	delete(r.byID, accountID)
	return nil
}

func (r *fakeAccounts) HealthCheck(ctx context.Context) error { return nil }

type fakeRoles struct {
	roles map[int]*models.Role
	menus map[int][]models.MenuEntry
}

func (r *fakeRoles) GetRole(ctx context.Context, roleID int) (*models.Role, error) {
	role, ok := r.roles[roleID]
	if !ok {
		return nil, scylla.ErrRoleNotFound
	}
	return role, nil
}

func (r *fakeRoles) ListMenusForRole(ctx context.Context, roleID int) ([]models.MenuEntry, error) {
	return r.menus[roleID], nil
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *memoryAudit) Record(ctx context.Context, entry models.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *memoryAudit) has(action models.AuditAction, status models.AuditStatus) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.Action == action && e.Status == status {
			return true
		}
	}
	return false
}

func (a *memoryAudit) find(action models.AuditAction) (models.AuditEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.Action == action {
			return e, true
		}
	}
	return models.AuditEntry{}, false
}

type nopMailer struct{}

func (nopMailer) Send(ctx context.Context, to, subject, body string) error { return nil }

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

// failingSessions refuses every write.
type failingSessions struct{ SessionStore }

func (failingSessions) Save(ctx context.Context, session *models.Session) error {
	return errors.New("redis unavailable")
}

const (
	roleStudent = 1
	roleFaculty = 2
	roleAdmin   = 3

	userAgent  = "Mozilla/5.0 (X11; Linux x86_64)"
	testSource = "192.0.2.10:51234"
)

type fixture struct {
	accounts *fakeAccounts
	roles    *fakeRoles
	sessions *sessionrepo.SessionStore
	redis    *miniredis.Miniredis
	audit    *memoryAudit
	clock    *fakeClock
	factor   secondfactor.Factor
	issuer   *SessionIssuer
	gate     *SessionGate
	login    *LoginService
}

func newFixture(t *testing.T, kind secondfactor.Kind, policy string) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           map[int]string{1: "test-pepper"},
		},
		Session: config.SessionConfig{
			IdleTimeout:    30 * time.Minute,
			Policy:         policy,
			DefaultLanding: "/dashboard",
			AdminRoleID:    roleAdmin,
		},
	}
	hasher, err := hashing.NewHasher(cfg)
	require.NoError(t, err)

	f := &fixture{
		accounts: newFakeAccounts(),
		roles: &fakeRoles{
			roles: map[int]*models.Role{
				roleStudent: {RoleID: roleStudent, Name: "student", Prefix: "S", LandingPath: "/student/home"},
				roleFaculty: {RoleID: roleFaculty, Name: "faculty", Prefix: "F"},
				roleAdmin:   {RoleID: roleAdmin, Name: "admin", Prefix: "A", LandingPath: "/admin"},
			},
			menus: map[int][]models.MenuEntry{
				roleStudent: {{MenuID: 1, Name: "Courses", URL: "/courses", Icon: "book"}},
			},
		},
		sessions: sessionrepo.NewSessionStore(client.NewRedisClientFromClient(rdb), cfg.Session.IdleTimeout),
		redis:    mr,
		audit:    &memoryAudit{},
		clock:    &fakeClock{now: time.Now().UTC()},
	}

	switch kind {
	case secondfactor.KindMailedCode:
		mailed := secondfactor.NewMailedCode(f.accounts, hasher, nopMailer{}, secondfactor.MailedCodeOptions{
			Length:   6,
			TTL:      5 * time.Minute,
			Now:      f.clock.Now,
			Generate: func(int) (string, error) { return "482913", nil },
		})
		t.Cleanup(mailed.Wait)
		f.factor = mailed
	default:
		f.factor = secondfactor.NewAuthenticator(f.accounts, encryption.NewEncryptionManager(cfg, nil),
			secondfactor.AuthenticatorOptions{Issuer: "Portal", Skew: 1})
	}

	factory := NewServiceFactory(cfg, f.accounts, f.roles, f.sessions, hasher, f.factor, f.audit)
	f.issuer = factory.SessionIssuer()
	f.gate = factory.SessionGate()
	f.login = factory.LoginService()
	return f
}

func (f *fixture) register(t *testing.T, identifier string, roleID int) *models.Account {
	t.Helper()
	account, err := f.login.Register(context.Background(), RegisterRequest{
		Identifier:  identifier,
		Credential:  "correct horse battery",
		RoleID:      roleID,
		Email:       "user@example.com",
		DisplayName: "Test User",
	})
	require.NoError(t, err)
	return account
}
