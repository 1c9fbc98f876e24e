package models

import "time"

// Account is the credential-store record the login flow reads and mutates.
// The in-flight login lives entirely in these fields: a pending mailed code
// (PendingCodeHash/PendingCodeExpiresAt) or a TOTP replay guard
// (LastAcceptedStep), depending on the deployment's second-factor strategy.
type Account struct {
	AccountBucket        int        `db:"account_bucket"`
	AccountID            string     `db:"account_id"`
	Username             string     `db:"username"`
	Email                string     `db:"email"`
	DisplayName          string     `db:"display_name"`
	RoleID               int        `db:"role_id"`
	CredentialHash       string     `db:"credential_hash"`
	SecondFactorSecret   string     `db:"second_factor_secret"`
	SecondFactorEnabled  bool       `db:"second_factor_enabled"`
	PendingCodeHash      string     `db:"otp_hash"`
	PendingCodeExpiresAt *time.Time `db:"otp_expires_at"`
	LastAcceptedStep     int64      `db:"last_accepted_step"`
	BoundSessionToken    string     `db:"bound_session_token"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            *time.Time `db:"updated_at"`
	LastLoginAt          *time.Time `db:"last_login_at"`
}

// HasBoundSession reports whether the account is logged in somewhere.
func (a *Account) HasBoundSession() bool {
	return a.BoundSessionToken != ""
}
