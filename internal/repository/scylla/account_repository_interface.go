package scylla

import (
	"context"
	"errors"
	"time"

	"portal-auth/internal/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrUsernameTaken   = errors.New("username already taken")
	ErrRoleNotFound    = errors.New("role not found")
)

// AccountRepository is the credential store. Conditional methods report
// whether their condition held instead of returning an error when it did not.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountByID(ctx context.Context, accountID string) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	UsernameExists(ctx context.Context, username string) (bool, error)

	// Second factor
	SaveMailedCode(ctx context.Context, accountID, codeHash string, expiresAt time.Time) error
	ConsumeMailedCode(ctx context.Context, accountID, codeHash string) (bool, error)
	SaveSecondFactorSecret(ctx context.Context, accountID, sealedSecret string) error
	AcceptTOTPStep(ctx context.Context, accountID string, previous, step int64) (bool, error)
	MarkSecondFactorEnabled(ctx context.Context, accountID string) error

	// Session binding
	SetBoundSessionToken(ctx context.Context, accountID, token string) error
	ClearBoundSessionToken(ctx context.Context, accountID string) error
	UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error
	UpdateCredentialHash(ctx context.Context, accountID, encodedHash string) error

	// DeleteAccount removes the account and its username index atomically.
	DeleteAccount(ctx context.Context, accountID string) error

	HealthCheck(ctx context.Context) error
}

// RoleRepository is the read-only view of roles and their navigation menus.
type RoleRepository interface {
	GetRole(ctx context.Context, roleID int) (*models.Role, error)
	ListMenusForRole(ctx context.Context, roleID int) ([]models.MenuEntry, error)
}
