package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-auth/internal/config"
	"portal-auth/internal/hashing"
	"portal-auth/internal/models"
	"portal-auth/internal/secondfactor"
)

func TestCanonicalIdentifier(t *testing.T) {
	tests := []struct {
		prefix, in, want string
	}{
		{"S", "12345", "S12345"},
		{"S", "S12345", "S12345"},
		{"S", "s12345", "S12345"},
		{"S", " 12345 ", "S12345"},
		{"FAC", "FAC001", "FAC001"},
		{"FAC", "fa", "FACfa"},
		{"", "admin", "admin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalIdentifier(tt.prefix, tt.in), "%q + %q", tt.prefix, tt.in)
	}
}

// authenticate runs both login steps with an authenticator code and returns
// the bound session.
func authenticate(t *testing.T, f *fixture, identifier string, roleID int) *models.Session {
	t.Helper()
	ctx := context.Background()

	begin, err := f.login.BeginLogin(ctx, BeginLoginRequest{
		Identifier: identifier, Credential: "correct horse battery", RoleID: roleID,
	})
	require.NoError(t, err)

	account := f.accounts.mustGet(t, begin.AccountID)
	var secret string
	if begin.Step == StepSetup {
		secret = begin.Setup.Secret
	} else {
		plain, err := encryptionFor(t).Open(ctx, account.SecondFactorSecret)
		require.NoError(t, err)
		secret = plain
	}

	code := freshCode(t, secret, account.LastAcceptedStep)
	done, err := f.login.CompleteLogin(ctx, CompleteLoginRequest{
		AccountID: begin.AccountID, Code: code, DeviceFingerprint: userAgent,
	})
	require.NoError(t, err)
	return done.Session
}

func TestEndToEndAuthenticatorLogin(t *testing.T) {
	f := newFixture(t, secondfactor.KindAuthenticator, config.PolicyReject)
	ctx := context.Background()

	account := f.register(t, "12345", roleStudent)
	assert.Equal(t, "S12345", account.Username)

	begin, err := f.login.BeginLogin(ctx, BeginLoginRequest{
		Identifier: "S12345", Credential: "correct horse battery", RoleID: roleStudent,
	})
	require.NoError(t, err)
	require.Equal(t, StepSetup, begin.Step)
	require.NotNil(t, begin.Setup)
	assert.NotEmpty(t, begin.Setup.EnrollmentURI)
	assert.Empty(t, f.accounts.mustGet(t, account.AccountID).BoundSessionToken)

	code, err := totp.GenerateCode(begin.Setup.Secret, time.Now())
	require.NoError(t, err)

	done, err := f.login.CompleteLogin(ctx, CompleteLoginRequest{
		AccountID: begin.AccountID, Code: code, DeviceFingerprint: userAgent,
	})
	require.NoError(t, err)
	assert.Equal(t, "/student/home", done.Landing)
	assert.Equal(t, roleStudent, done.Session.RoleID)
	assert.Len(t, done.Session.Menus, 1)

	stored := f.accounts.mustGet(t, account.AccountID)
	assert.True(t, stored.SecondFactorEnabled)
	assert.NotEmpty(t, stored.BoundSessionToken)
	assert.Equal(t, stored.BoundSessionToken, done.Session.BindingToken)
	assert.NotNil(t, stored.LastLoginAt)

	_, err = f.login.CompleteLogin(ctx, CompleteLoginRequest{
		AccountID: begin.AccountID, Code: code, DeviceFingerprint: userAgent,
	})
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.ErrorIs(t, err, secondfactor.ErrAlreadyConsumed)

	session, err := f.gate.Check(ctx, done.Session.SessionID, userAgent, testSource)
	require.NoError(t, err)
	assert.Equal(t, account.AccountID, session.AccountID)
	assert.True(t, f.audit.has(models.AuditVerify, models.AuditSuccess))
}

func TestEndToEndMailedCodeExpires(t *testing.T) {
	f := newFixture(t, secondfactor.KindMailedCode, config.PolicyReject)
	ctx := context.Background()
	account := f.register(t, "12345", roleStudent)

	begin, err := f.login.BeginLogin(ctx, BeginLoginRequest{
		Identifier: "12345", Credential: "correct horse battery", RoleID: roleStudent,
	})
	require.NoError(t, err)
	require.Equal(t, StepVerify, begin.Step)
	require.NotNil(t, begin.Challenge.ExpiresAt)
	assert.Equal(t, 5*time.Minute, begin.Challenge.ExpiresAt.Sub(f.clock.Now()))

	f.clock.Advance(6 * time.Minute)

	_, err = f.login.CompleteLogin(ctx, CompleteLoginRequest{
		AccountID: account.AccountID, Code: "482913", DeviceFingerprint: userAgent,
	})
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.ErrorIs(t, err, secondfactor.ErrCodeExpiredOrInvalid)
	assert.Empty(t, f.accounts.mustGet(t, account.AccountID).BoundSessionToken)
}

func TestMailedCodeAcceptedOnlyOnce(t *testing.T) {
	f := newFixture(t, secondfactor.KindMailedCode, config.PolicySupersede)
	ctx := context.Background()
	account := f.register(t, "12345", roleStudent)

	_, err := f.login.BeginLogin(ctx, BeginLoginRequest{
		Identifier: "12345", Credential: "correct horse battery", RoleID: roleStudent,
	})
	require.NoError(t, err)

	req := CompleteLoginRequest{AccountID: account.AccountID, Code: "482913", DeviceFingerprint: userAgent}
	_, err = f.login.CompleteLogin(ctx, req)
	require.NoError(t, err)

	_, err = f.login.CompleteLogin(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestFailedCodeKeepsPendingCodeAndBinding(t *testing.T) {
	f := newFixture(t, secondfactor.KindMailedCode, config.PolicyReject)
	ctx := context.Background()
	account := f.register(t, "12345", roleStudent)

	_, err := f.login.BeginLogin(ctx, BeginLoginRequest{
		Identifier: "12345", Credential: "correct horse battery", RoleID: roleStudent,
	})
	require.NoError(t, err)
	pending := f.accounts.mustGet(t, account.AccountID).PendingCodeHash

	_, err = f.login.CompleteLogin(ctx, CompleteLoginRequest{AccountID: account.AccountID, Code: "111111"})
	assert.ErrorIs(t, err, secondfactor.ErrCodeExpiredOrInvalid)

	stored := f.accounts.mustGet(t, account.AccountID)
	assert.Equal(t, pending, stored.PendingCodeHash)
	assert.Empty(t, stored.BoundSessionToken)

	_, err = f.login.CompleteLogin(ctx, CompleteLoginRequest{AccountID: account.AccountID, Code: "482913", DeviceFingerprint: userAgent})
	assert.NoError(t, err)
}

func TestBeginLoginRejectsWhileBound(t *testing.T) {
	f := newFixture(t, secondfactor.KindAuthenticator, config.PolicyReject)
	ctx := context.Background()
	f.register(t, "12345", roleStudent)

	session := authenticate(t, f, "12345", roleStudent)

	_, err := f.login.BeginLogin(ctx, BeginLoginRequest{
		Identifier: "12345", Credential: "correct horse battery", RoleID: roleStudent,
	})
	assert.ErrorIs(t, err, ErrSessionConflict)
	assert.True(t, f.audit.has(models.AuditLogin, models.AuditConflict))

	require.NoError(t, f.login.Logout(ctx, session, "10.0.0.1"))

	begin, err := f.login.BeginLogin(ctx, BeginLoginRequest{
		Identifier: "12345", Credential: "correct horse battery", RoleID: roleStudent,
	})
	require.NoError(t, err)
	assert.Equal(t, StepVerify, begin.Step)
}

func TestSupersedePolicyInvalidatesOlderSession(t *testing.T) {
	f := newFixture(t, secondfactor.KindAuthenticator, config.PolicySupersede)
	ctx := context.Background()
	f.register(t, "12345", roleStudent)

	first := authenticate(t, f, "12345", roleStudent)
	second := authenticate(t, f, "12345", roleStudent)

	_, err := f.gate.Check(ctx, first.SessionID, userAgent, testSource)
	assert.ErrorIs(t, err, ErrSessionExpiredOrAbsent)

	_, err = f.gate.Check(ctx, second.SessionID, userAgent, testSource)
	assert.NoError(t, err)
}

func TestLoginUpgradesHashAfterPepperRotation(t *testing.T) {
	f := newFixture(t, secondfactor.KindAuthenticator, config.PolicyReject)
	ctx := context.Background()
	account := f.register(t, "12345", roleStudent)
	original := account.CredentialHash

	rotated, err := hashing.NewHasher(&config.Config{Hashing: config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           map[int]string{1: "test-pepper", 2: "next-pepper"},
	}})
	require.NoError(t, err)
	f.login.hasher = rotated

	_, err = f.login.BeginLogin(ctx, BeginLoginRequest{Identifier: "12345", Credential: "correct horse battery", RoleID: roleStudent})
	require.NoError(t, err)

	stored := f.accounts.mustGet(t, account.AccountID).CredentialHash
	assert.NotEqual(t, original, stored)
	assert.False(t, rotated.NeedsRehash(stored))

	ok, err := rotated.VerifyCredential("correct horse battery", stored)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidCredentialsDoNotRevealWhichPartFailed(t *testing.T) {
	f := newFixture(t, secondfactor.KindAuthenticator, config.PolicyReject)
	ctx := context.Background()
	f.register(t, "12345", roleStudent)

	cases := []BeginLoginRequest{
		{Identifier: "12345", Credential: "wrong", RoleID: roleStudent},
		{Identifier: "99999", Credential: "correct horse battery", RoleID: roleStudent},
		{Identifier: "12345", Credential: "correct horse battery", RoleID: roleFaculty},
		{Identifier: "12345", Credential: "correct horse battery", RoleID: 42},
		{Identifier: "<script>", Credential: "correct horse battery", RoleID: roleStudent},
	}
	for _, req := range cases {
		_, err := f.login.BeginLogin(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "%+v", req)
	}
}

func TestCompleteLoginUnknownAccount(t *testing.T) {
	f := newFixture(t, secondfactor.KindAuthenticator, config.PolicyReject)

	_, err := f.login.CompleteLogin(context.Background(), CompleteLoginRequest{AccountID: "missing", Code: "123456"})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRegisterAndAvailability(t *testing.T) {
	f := newFixture(t, secondfactor.KindAuthenticator, config.PolicyReject)
	ctx := context.Background()

	free, err := f.login.CheckAvailability(ctx, "12345", roleStudent)
	require.NoError(t, err)
	assert.True(t, free)

	account := f.register(t, "12345", roleStudent)
	assert.NotContains(t, account.CredentialHash, "correct horse battery")

	free, err = f.login.CheckAvailability(ctx, "s12345", roleStudent)
	require.NoError(t, err)
	assert.False(t, free)

	free, err = f.login.CheckAvailability(ctx, "12345", roleFaculty)
	require.NoError(t, err)
	assert.True(t, free)

	_, err = f.login.Register(ctx, RegisterRequest{Identifier: "S12345", Credential: "x", RoleID: roleStudent})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = f.login.Register(ctx, RegisterRequest{Identifier: "1", Credential: " ", RoleID: roleStudent})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.login.Register(ctx, RegisterRequest{Identifier: "2", Credential: "x", RoleID: roleStudent, Email: "not an address"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.login.Register(ctx, RegisterRequest{Identifier: "3", Credential: "x", RoleID: roleStudent, DisplayName: "<script>"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMailedCodeRegistrationNeedsEmail(t *testing.T) {
	f := newFixture(t, secondfactor.KindMailedCode, config.PolicyReject)

	_, err := f.login.Register(context.Background(), RegisterRequest{Identifier: "1", Credential: "x", RoleID: roleStudent})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResendCodeRequiresLoginInProgress(t *testing.T) {
	f := newFixture(t, secondfactor.KindMailedCode, config.PolicyReject)
	ctx := context.Background()
	account := f.register(t, "12345", roleStudent)

	_, err := f.login.ResendCode(ctx, account.AccountID, "")
	assert.ErrorIs(t, err, ErrNoPendingLogin)

	_, err = f.login.BeginLogin(ctx, BeginLoginRequest{
		Identifier: "12345", Credential: "correct horse battery", RoleID: roleStudent,
	})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	challenge, err := f.login.ResendCode(ctx, account.AccountID, "")
	require.NoError(t, err)
	assert.True(t, challenge.ExpiresAt.After(f.clock.Now()))

	_, err = f.login.CompleteLogin(ctx, CompleteLoginRequest{AccountID: account.AccountID, Code: "482913", DeviceFingerprint: userAgent})
	assert.NoError(t, err)
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t, secondfactor.KindAuthenticator, config.PolicyReject)
	ctx := context.Background()
	student := f.register(t, "12345", roleStudent)
	f.register(t, "root", roleAdmin)

	studentSession := authenticate(t, f, "12345", roleStudent)
	adminSession := authenticate(t, f, "root", roleAdmin)

	err := f.login.DeleteAccount(ctx, studentSession, student.AccountID, "")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, f.login.DeleteAccount(ctx, adminSession, student.AccountID, ""))

	_, err = f.gate.Check(ctx, studentSession.SessionID, userAgent, testSource)
	assert.ErrorIs(t, err, ErrSessionExpiredOrAbsent)

	free, err := f.login.CheckAvailability(ctx, "12345", roleStudent)
	require.NoError(t, err)
	assert.True(t, free)

	assert.ErrorIs(t, f.login.DeleteAccount(ctx, adminSession, student.AccountID, ""), ErrAccountNotFound)
}

func TestDeleteAccountFailureLeavesEverythingInPlace(t *testing.T) {
	f := newFixture(t, secondfactor.KindAuthenticator, config.PolicyReject)
	ctx := context.Background()
	student := f.register(t, "12345", roleStudent)
	f.register(t, "root", roleAdmin)
	studentSession := authenticate(t, f, "12345", roleStudent)
	adminSession := authenticate(t, f, "root", roleAdmin)

	f.accounts.deleteErr = errors.New("batch failed")
	assert.Error(t, f.login.DeleteAccount(ctx, adminSession, student.AccountID, ""))

	f.accounts.mustGet(t, student.AccountID)
	_, err := f.gate.Check(ctx, studentSession.SessionID, userAgent, testSource)
	assert.NoError(t, err)
	assert.True(t, f.audit.has(models.AuditDeleteAccount, models.AuditFailed))
}
