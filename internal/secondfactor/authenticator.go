package secondfactor

import (
	"context"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"portal-auth/internal/encryption"
	"portal-auth/internal/models"
	"portal-auth/internal/util"
)

const totpPeriod = 30

type AuthenticatorOptions struct {
	Issuer string
	Skew   uint
	Now    func() time.Time
}

// Authenticator validates RFC 6238 codes against a per-account secret. Each
// accepted code must belong to a later time step than the previous one, so a
// code cannot be replayed anywhere inside the skew window.
type Authenticator struct {
	store  Store
	sealer SecretSealer
	opts   AuthenticatorOptions
}

func NewAuthenticator(store Store, sealer SecretSealer, opts AuthenticatorOptions) *Authenticator {
	if strings.TrimSpace(opts.Issuer) == "" {
		opts.Issuer = util.ServiceName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authenticator{store: store, sealer: sealer, opts: opts}
}

func (a *Authenticator) Kind() Kind {
	return KindAuthenticator
}

// NeedsEnrollment holds until the first code has been accepted.
func (a *Authenticator) NeedsEnrollment(account *models.Account) bool {
	return account.SecondFactorSecret == "" || !account.SecondFactorEnabled
}

// Enroll shows the pending secret again if one exists, otherwise provisions
// a fresh one.
func (a *Authenticator) Enroll(ctx context.Context, account *models.Account) (*Enrollment, error) {
	if account.SecondFactorSecret != "" && !account.SecondFactorEnabled {
		var key *otp.Key
		secret, err := a.sealer.Open(ctx, account.SecondFactorSecret)
		if err == nil {
			key, err = a.generate(account.Username, secret)
		}
		if err == nil {
			return &Enrollment{Secret: key.Secret(), EnrollmentURI: key.URL()}, nil
		}
		util.Warn("Pending authenticator secret unreadable, provisioning a new one",
			util.AccountID(account.AccountID), zap.Error(err))
	}

	key, err := a.generate(account.Username, "")
	if err != nil {
		return nil, err
	}
	sealed, err := a.sealer.Seal(ctx, key.Secret(), encryption.PurposeSecondFactorSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret: %w", err)
	}
	if err := a.store.SaveSecondFactorSecret(ctx, account.AccountID, sealed); err != nil {
		return nil, err
	}

	account.SecondFactorSecret = sealed
	account.SecondFactorEnabled = false
	account.LastAcceptedStep = 0

	util.Info("Authenticator secret provisioned", util.AccountID(account.AccountID))
	return &Enrollment{Secret: key.Secret(), EnrollmentURI: key.URL()}, nil
}

func (a *Authenticator) generate(accountName, secret string) (*otp.Key, error) {
	opts := totp.GenerateOpts{
		Issuer:      a.opts.Issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		SecretSize:  20,
	}
	if secret != "" {
		raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
		if err != nil {
			return nil, fmt.Errorf("invalid secret encoding: %w", err)
		}
		opts.Secret = raw
	}

	key, err := totp.Generate(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key, nil
}

// Challenge has nothing to send; the user reads the code off their device.
func (a *Authenticator) Challenge(ctx context.Context, account *models.Account) (*Challenge, error) {
	if account.SecondFactorSecret == "" {
		return nil, ErrNoSecondFactorConfigured
	}
	return &Challenge{Kind: KindAuthenticator, Delivery: "authenticator"}, nil
}

func (a *Authenticator) Validate(ctx context.Context, account *models.Account, code string) error {
	if account.SecondFactorSecret == "" {
		return ErrNoSecondFactorConfigured
	}
	code = strings.TrimSpace(code)
	if len(code) != 6 || !isDigits(code) {
		return ErrCodeExpiredOrInvalid
	}

	secret, err := a.sealer.Open(ctx, account.SecondFactorSecret)
	if err != nil {
		return fmt.Errorf("failed to open secret: %w", err)
	}

	step, ok := a.matchStep(secret, code)
	if !ok {
		return ErrCodeExpiredOrInvalid
	}
	if step <= account.LastAcceptedStep {
		return ErrAlreadyConsumed
	}

	accepted, err := a.store.AcceptTOTPStep(ctx, account.AccountID, account.LastAcceptedStep, step)
	if err != nil {
		return err
	}
	if !accepted {
		return ErrAlreadyConsumed
	}

	account.LastAcceptedStep = step
	return nil
}

// matchStep returns the time step inside the skew window that produced code.
func (a *Authenticator) matchStep(secret, code string) (int64, bool) {
	current := a.opts.Now().UTC().Unix() / totpPeriod
	skew := int64(a.opts.Skew)
	opts := totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	for step := current - skew; step <= current+skew; step++ {
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}
