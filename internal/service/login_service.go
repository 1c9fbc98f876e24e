package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"portal-auth/internal/config"
	"portal-auth/internal/hashing"
	"portal-auth/internal/models"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/secondfactor"
	"portal-auth/internal/util"
)

type AuditRecorder interface {
	Record(ctx context.Context, entry models.AuditEntry)
}

type CredentialHasher interface {
	HashCredential(credential string) (*hashing.HashResult, error)
	VerifyCredential(credential, encoded string) (bool, error)
	BurnCredentialCheck(credential string)
	NeedsRehash(encoded string) bool
}

type LoginStep string

const (
	StepSetup  LoginStep = "setup"
	StepVerify LoginStep = "verify"
)

type BeginLoginRequest struct {
	Identifier    string
	Credential    string
	RoleID        int
	SourceAddress string
}

// BeginLoginResult carries Setup on StepSetup and Challenge on StepVerify.
type BeginLoginResult struct {
	Step      LoginStep                `json:"step"`
	AccountID string                   `json:"accountId"`
	Setup     *secondfactor.Enrollment `json:"setup,omitempty"`
	Challenge *secondfactor.Challenge  `json:"challenge,omitempty"`
}

type CompleteLoginRequest struct {
	AccountID         string
	Code              string
	DeviceFingerprint string
	SourceAddress     string
}

type CompleteLoginResult struct {
	Landing string
	Session *models.Session
}

type RegisterRequest struct {
	Identifier    string
	Credential    string
	RoleID        int
	Email         string
	DisplayName   string
	SourceAddress string
}

// LoginService drives the two-request login. Between the requests the only
// state is what the second factor wrote to the account record.
type LoginService struct {
	cfg      config.SessionConfig
	accounts scylla.AccountRepository
	roles    scylla.RoleRepository
	hasher   CredentialHasher
	factor   secondfactor.Factor
	issuer   *SessionIssuer
	sessions SessionStore
	audit    AuditRecorder
	now      func() time.Time
}

func NewLoginService(
	cfg config.SessionConfig,
	accounts scylla.AccountRepository,
	roles scylla.RoleRepository,
	hasher CredentialHasher,
	factor secondfactor.Factor,
	issuer *SessionIssuer,
	sessions SessionStore,
	audit AuditRecorder,
) *LoginService {
	if cfg.Policy == "" {
		cfg.Policy = config.PolicyReject
	}
	if cfg.DefaultLanding == "" {
		cfg.DefaultLanding = "/dashboard"
	}
	return &LoginService{
		cfg:      cfg,
		accounts: accounts,
		roles:    roles,
		hasher:   hasher,
		factor:   factor,
		issuer:   issuer,
		sessions: sessions,
		audit:    audit,
		now:      time.Now,
	}
}

// CanonicalIdentifier prefixes identifier with the role prefix unless it
// already starts with it, in any letter case.
func CanonicalIdentifier(prefix, identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if prefix == "" {
		return identifier
	}
	if len(identifier) >= len(prefix) && strings.EqualFold(identifier[:len(prefix)], prefix) {
		return prefix + identifier[len(prefix):]
	}
	return prefix + identifier
}

func (s *LoginService) canonicalize(ctx context.Context, identifier string, roleID int) (string, error) {
	identifier = util.SanitizeInput(identifier)
	if !util.IsIdentifier(identifier) {
		return "", ErrInvalidInput
	}
	role, err := s.roles.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, scylla.ErrRoleNotFound) {
			return "", ErrInvalidInput
		}
		return "", err
	}
	return CanonicalIdentifier(role.Prefix, identifier), nil
}

func (s *LoginService) BeginLogin(ctx context.Context, req BeginLoginRequest) (*BeginLoginResult, error) {
	username, err := s.canonicalize(ctx, req.Identifier, req.RoleID)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			s.hasher.BurnCredentialCheck(req.Credential)
			s.record(ctx, models.AuditLogin, models.AuditFailed, "malformed identifier or role", "", nil, req.SourceAddress)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	account, err := s.accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, scylla.ErrAccountNotFound) {
			s.hasher.BurnCredentialCheck(req.Credential)
			s.record(ctx, models.AuditLogin, models.AuditFailed, "unknown identifier", "", nil, req.SourceAddress)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := s.hasher.VerifyCredential(req.Credential, account.CredentialHash)
	if err != nil {
		util.Error("Stored credential hash unusable", util.AccountID(account.AccountID), zap.Error(err))
		ok = false
	}
	if !ok || account.RoleID != req.RoleID {
		s.record(ctx, models.AuditLogin, models.AuditFailed, "credential mismatch", account.AccountID, &account.RoleID, req.SourceAddress)
		return nil, ErrInvalidCredentials
	}

	s.upgradeCredentialHash(ctx, account, req.Credential)

	if account.HasBoundSession() && s.cfg.Policy == config.PolicyReject {
		s.record(ctx, models.AuditLogin, models.AuditConflict, "already logged in on another device", account.AccountID, &account.RoleID, req.SourceAddress)
		return nil, ErrSessionConflict
	}

	result := &BeginLoginResult{AccountID: account.AccountID}
	if s.factor.NeedsEnrollment(account) {
		enrollment, err := s.factor.Enroll(ctx, account)
		if err != nil {
			return nil, s.factorError(err)
		}
		result.Step = StepSetup
		result.Setup = enrollment
	} else {
		challenge, err := s.factor.Challenge(ctx, account)
		if err != nil {
			return nil, s.factorError(err)
		}
		result.Step = StepVerify
		result.Challenge = challenge
	}

	s.record(ctx, models.AuditLogin, models.AuditChallenge, "second factor "+string(result.Step), account.AccountID, &account.RoleID, req.SourceAddress)
	return result, nil
}

func (s *LoginService) CompleteLogin(ctx context.Context, req CompleteLoginRequest) (*CompleteLoginResult, error) {
	account, err := s.loadAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	if err := s.factor.Validate(ctx, account, req.Code); err != nil {
		s.record(ctx, models.AuditVerify, models.AuditFailed, err.Error(), account.AccountID, &account.RoleID, req.SourceAddress)
		return nil, s.factorError(err)
	}

	if !account.SecondFactorEnabled {
		if err := s.accounts.MarkSecondFactorEnabled(ctx, account.AccountID); err != nil {
			return nil, err
		}
		account.SecondFactorEnabled = true
	}

	landing := s.cfg.DefaultLanding
	if role, err := s.roles.GetRole(ctx, account.RoleID); err == nil && role.LandingPath != "" {
		landing = role.LandingPath
	} else if err != nil {
		util.Warn("Role lookup failed, using default landing", zap.Int("role_id", account.RoleID), zap.Error(err))
	}

	menus, err := s.roles.ListMenusForRole(ctx, account.RoleID)
	if err != nil {
		util.Warn("Menu lookup failed", zap.Int("role_id", account.RoleID), zap.Error(err))
		menus = nil
	}

	session, err := s.issuer.Bind(ctx, BindRequest{
		AccountID:         account.AccountID,
		RoleID:            account.RoleID,
		DisplayName:       account.DisplayName,
		DeviceFingerprint: req.DeviceFingerprint,
		Menus:             menus,
	})
	if err != nil {
		return nil, err
	}

	if err := s.accounts.UpdateLastLogin(ctx, account.AccountID, s.now()); err != nil {
		util.Warn("Failed to update last login", util.AccountID(account.AccountID), zap.Error(err))
	}

	s.record(ctx, models.AuditVerify, models.AuditSuccess, "authenticated", account.AccountID, &account.RoleID, req.SourceAddress)
	return &CompleteLoginResult{Landing: landing, Session: session}, nil
}

func (s *LoginService) Logout(ctx context.Context, session *models.Session, sourceAddress string) error {
	if session == nil {
		return nil
	}
	if err := s.issuer.Unbind(ctx, session.AccountID, session); err != nil {
		return err
	}
	roleID := session.RoleID
	s.record(ctx, models.AuditLogout, models.AuditSuccess, "logged out", session.AccountID, &roleID, sourceAddress)
	return nil
}

// ResendCode issues a fresh challenge for a login that is already waiting on
// its second factor.
func (s *LoginService) ResendCode(ctx context.Context, accountID, sourceAddress string) (*secondfactor.Challenge, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if s.factor.Kind() == secondfactor.KindMailedCode && account.PendingCodeHash == "" {
		return nil, ErrNoPendingLogin
	}

	challenge, err := s.factor.Challenge(ctx, account)
	if err != nil {
		return nil, s.factorError(err)
	}
	s.record(ctx, models.AuditResendCode, models.AuditChallenge, "code re-issued", account.AccountID, &account.RoleID, sourceAddress)
	return challenge, nil
}

func (s *LoginService) Register(ctx context.Context, req RegisterRequest) (*models.Account, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return nil, ErrInvalidInput
	}
	username, err := s.canonicalize(ctx, req.Identifier, req.RoleID)
	if err != nil {
		return nil, err
	}

	email := strings.TrimSpace(req.Email)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return nil, ErrInvalidInput
		}
		email = addr.Address
	}
	if email == "" && s.factor.Kind() == secondfactor.KindMailedCode {
		return nil, ErrInvalidInput
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if util.ContainsSuspicious(displayName) {
		return nil, ErrInvalidInput
	}

	hashed, err := s.hasher.HashCredential(req.Credential)
	if err != nil {
		return nil, fmt.Errorf("failed to hash credential: %w", err)
	}

	account := &models.Account{
		Username:       username,
		Email:          email,
		DisplayName:    displayName,
		RoleID:         req.RoleID,
		CredentialHash: hashed.Encode(),
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, scylla.ErrUsernameTaken) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	s.record(ctx, models.AuditRegister, models.AuditSuccess, "account created", account.AccountID, &account.RoleID, req.SourceAddress)
	return account, nil
}

// CheckAvailability reports whether identifier is still free for roleID.
func (s *LoginService) CheckAvailability(ctx context.Context, identifier string, roleID int) (bool, error) {
	username, err := s.canonicalize(ctx, identifier, roleID)
	if err != nil {
		return false, err
	}
	exists, err := s.accounts.UsernameExists(ctx, username)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// DeleteAccount removes an account and every live session it has. Only an
// administrator may call it; the account rows go in one atomic batch.
func (s *LoginService) DeleteAccount(ctx context.Context, actor *models.Session, accountID, sourceAddress string) error {
	if actor == nil || actor.RoleID != s.cfg.AdminRoleID {
		return ErrPermissionDenied
	}
	if accountID == "" {
		return ErrInvalidInput
	}

	if err := s.accounts.DeleteAccount(ctx, accountID); err != nil {
		if errors.Is(err, scylla.ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		s.record(ctx, models.AuditDeleteAccount, models.AuditFailed, "delete rolled back", accountID, nil, sourceAddress)
		return err
	}

	if err := s.sessions.DeleteAllForAccount(ctx, accountID); err != nil {
		util.Warn("Failed to tear down sessions of deleted account", util.AccountID(accountID), zap.Error(err))
	}

	s.record(ctx, models.AuditDeleteAccount, models.AuditSuccess, "deleted by "+actor.AccountID, accountID, nil, sourceAddress)
	return nil
}

func (s *LoginService) HealthCheck(ctx context.Context) error {
	return s.accounts.HealthCheck(ctx)
}

// upgradeCredentialHash re-hashes a verified credential whose stored hash uses
// a retired pepper. Failure leaves the old hash in place.
func (s *LoginService) upgradeCredentialHash(ctx context.Context, account *models.Account, credential string) {
	if !s.hasher.NeedsRehash(account.CredentialHash) {
		return
	}
	hashed, err := s.hasher.HashCredential(credential)
	if err != nil {
		util.Warn("Failed to re-hash credential", util.AccountID(account.AccountID), zap.Error(err))
		return
	}
	encoded := hashed.Encode()
	if err := s.accounts.UpdateCredentialHash(ctx, account.AccountID, encoded); err != nil {
		util.Warn("Failed to store re-hashed credential", util.AccountID(account.AccountID), zap.Error(err))
		return
	}
	account.CredentialHash = encoded
	util.Info("Credential hash upgraded", util.AccountID(account.AccountID))
}

func (s *LoginService) loadAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if accountID == "" {
		return nil, ErrAccountNotFound
	}
	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, scylla.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// factorError folds second-factor outcomes into ErrInvalidCode while keeping
// the specific cause reachable with errors.Is.
func (s *LoginService) factorError(err error) error {
	switch {
	case errors.Is(err, secondfactor.ErrCodeExpiredOrInvalid),
		errors.Is(err, secondfactor.ErrAlreadyConsumed),
		errors.Is(err, secondfactor.ErrNoSecondFactorConfigured):
		return fmt.Errorf("%w: %w", ErrInvalidCode, err)
	}
	return err
}

func (s *LoginService) record(ctx context.Context, action models.AuditAction, status models.AuditStatus, details, accountID string, roleID *int, source string) {
	s.audit.Record(ctx, models.AuditEntry{
		Action:        action,
		Status:        status,
		Details:       details,
		AccountID:     accountID,
		RoleID:        roleID,
		SourceAddress: source,
	})
}
