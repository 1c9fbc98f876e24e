// Package secondfactor implements the second login step. A deployment runs
// exactly one Factor; accounts never choose their own.
package secondfactor

import (
	"context"
	"errors"
	"time"

	"portal-auth/internal/hashing"
	"portal-auth/internal/models"
)

type Kind string

const (
	KindAuthenticator Kind = "totp"
	KindMailedCode    Kind = "email"
)

var (
	ErrCodeExpiredOrInvalid     = errors.New("code expired or invalid")
	ErrAlreadyConsumed          = errors.New("code already consumed")
	ErrNoSecondFactorConfigured = errors.New("account has no second factor configured")
	ErrDeliveryFailed           = errors.New("code delivery failed")
)

// Enrollment is shown to the user once so they can register an authenticator.
type Enrollment struct {
	Secret        string `json:"secret"`
	EnrollmentURI string `json:"enrollmentUri"`
}

// Challenge describes what the user has to do next.
type Challenge struct {
	Kind        Kind       `json:"kind"`
	Delivery    string     `json:"delivery"`
	Destination string     `json:"destination,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Factor is a second-factor strategy. Validate and Enroll update the passed
// account in place to mirror what they persisted.
type Factor interface {
	Kind() Kind
	NeedsEnrollment(account *models.Account) bool
	Enroll(ctx context.Context, account *models.Account) (*Enrollment, error)
	Challenge(ctx context.Context, account *models.Account) (*Challenge, error)
	Validate(ctx context.Context, account *models.Account, code string) error
}

// Store is the part of the credential store a Factor writes to.
type Store interface {
	SaveMailedCode(ctx context.Context, accountID, codeHash string, expiresAt time.Time) error
	ConsumeMailedCode(ctx context.Context, accountID, codeHash string) (bool, error)
	SaveSecondFactorSecret(ctx context.Context, accountID, sealedSecret string) error
	AcceptTOTPStep(ctx context.Context, accountID string, previous, step int64) (bool, error)
}

// SecretSealer encrypts authenticator secrets at rest.
type SecretSealer interface {
	Seal(ctx context.Context, plaintext, purpose string) (string, error)
	Open(ctx context.Context, sealed string) (string, error)
}

// CodeHasher hashes mailed codes so they are never stored in clear.
type CodeHasher interface {
	HashCode(code string) (*hashing.HashResult, error)
	VerifyCode(code, encoded string) (bool, error)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
