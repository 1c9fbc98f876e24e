package secondfactor

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"portal-auth/internal/mail"
	"portal-auth/internal/models"
	"portal-auth/internal/util"
)

type MailedCodeOptions struct {
	Length          int
	TTL             time.Duration
	DeliveryTimeout time.Duration

	// Now and Generate are replaced in tests.
	Now      func() time.Time
	Generate func(length int) (string, error)
}

// MailedCode sends a short-lived numeric code to the account's address.
type MailedCode struct {
	store  Store
	hasher CodeHasher
	mailer mail.Mailer
	opts   MailedCodeOptions

	deliveries sync.WaitGroup
}

func NewMailedCode(store Store, hasher CodeHasher, mailer mail.Mailer, opts MailedCodeOptions) *MailedCode {
	if opts.Length <= 0 {
		opts.Length = 6
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Generate == nil {
		opts.Generate = generateNumericCode
	}
	return &MailedCode{store: store, hasher: hasher, mailer: mailer, opts: opts}
}

func (m *MailedCode) Kind() Kind {
	return KindMailedCode
}

// NeedsEnrollment is always false: the mailbox on file is the factor.
func (m *MailedCode) NeedsEnrollment(*models.Account) bool {
	return false
}

func (m *MailedCode) Enroll(context.Context, *models.Account) (*Enrollment, error) {
	return nil, ErrNoSecondFactorConfigured
}

func (m *MailedCode) Challenge(ctx context.Context, account *models.Account) (*Challenge, error) {
	if account.Email == "" {
		return nil, ErrNoSecondFactorConfigured
	}

	code, err := m.opts.Generate(m.opts.Length)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	hashed, err := m.hasher.HashCode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	encoded := hashed.Encode()
	expiresAt := m.opts.Now().UTC().Add(m.opts.TTL)
	if err := m.store.SaveMailedCode(ctx, account.AccountID, encoded, expiresAt); err != nil {
		return nil, err
	}
	account.PendingCodeHash = encoded
	account.PendingCodeExpiresAt = &expiresAt

	m.deliver(account.AccountID, account.Email, account.DisplayName, code)

	return &Challenge{
		Kind:        KindMailedCode,
		Delivery:    "email",
		Destination: maskEmail(account.Email),
		ExpiresAt:   &expiresAt,
	}, nil
}

// deliver sends the code without holding up the login response. Failures
// are logged and dropped; the user can ask for another code.
func (m *MailedCode) deliver(accountID, address, displayName, code string) {
	m.deliveries.Add(1)
	go func() {
		defer m.deliveries.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DeliveryTimeout)
		defer cancel()

		body, err := mail.RenderOneTimeCode(displayName, code, m.opts.TTL)
		if err == nil {
			err = m.mailer.Send(ctx, address, mail.OneTimeCodeSubject, body)
		}
		if err != nil {
			util.Warn("Second factor code not delivered",
				util.AccountID(accountID),
				zap.Error(fmt.Errorf("%w: %v", ErrDeliveryFailed, err)))
			return
		}
		util.Debug("Second factor code delivered", util.AccountID(accountID))
	}()
}

func (m *MailedCode) Validate(ctx context.Context, account *models.Account, code string) error {
	code = strings.TrimSpace(code)
	if account.PendingCodeHash == "" || account.PendingCodeExpiresAt == nil {
		return ErrCodeExpiredOrInvalid
	}
	if !m.opts.Now().Before(*account.PendingCodeExpiresAt) {
		return ErrCodeExpiredOrInvalid
	}
	if len(code) != m.opts.Length || !isDigits(code) {
		return ErrCodeExpiredOrInvalid
	}

	ok, err := m.hasher.VerifyCode(code, account.PendingCodeHash)
	if err != nil {
		return fmt.Errorf("failed to verify code: %w", err)
	}
	if !ok {
		return ErrCodeExpiredOrInvalid
	}

	consumed, err := m.store.ConsumeMailedCode(ctx, account.AccountID, account.PendingCodeHash)
	if err != nil {
		return err
	}
	if !consumed {
		return ErrAlreadyConsumed
	}

	account.PendingCodeHash = ""
	account.PendingCodeExpiresAt = nil
	return nil
}

// Wait blocks until every in-flight delivery has finished.
func (m *MailedCode) Wait() {
	m.deliveries.Wait()
}

func generateNumericCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func maskEmail(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return "***"
	}
	return address[:1] + "***" + address[at:]
}
