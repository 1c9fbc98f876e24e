package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/bucketing"
	"portal-auth/internal/models"
	"portal-auth/internal/util"
)

type ScyllaAccountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *ScyllaAccountRepository {
	return &ScyllaAccountRepository{
		client:  client,
		buckets: buckets,
	}
}

// nullable maps "" to a CQL null so optional text columns stay unset.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (r *ScyllaAccountRepository) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = &now
	account.AccountBucket = r.buckets.AccountBucket(account.AccountID)

	st := r.client.Statements

	applied, err := r.client.Query(ctx, st.ClaimUsername,
		account.Username, account.AccountBucket, account.AccountID, now).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to claim username", zap.String("username", account.Username), zap.Error(err))
		return fmt.Errorf("failed to claim username: %w", err)
	}
	if !applied {
		return ErrUsernameTaken
	}

	insert := r.client.Query(ctx, st.InsertAccount,
		account.AccountBucket, account.AccountID, account.Username, nullable(account.Email),
		nullable(account.DisplayName), account.RoleID, account.CredentialHash,
		nullable(account.SecondFactorSecret), account.SecondFactorEnabled,
		nil, nil, nil, nil,
		account.CreatedAt, account.UpdatedAt, nil)

	if err := r.client.ExecuteWithRetry(insert, 2); err != nil {
		if _, relErr := r.client.Query(ctx, st.ReleaseUsername, account.Username, account.AccountID).
			MapScanCAS(map[string]interface{}{}); relErr != nil {
			util.Error("Failed to release username after insert failure",
				zap.String("username", account.Username), zap.Error(relErr))
		}
		util.Error("Failed to create account", util.AccountID(account.AccountID), zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("Account created",
		util.AccountID(account.AccountID),
		zap.String("username", account.Username),
		zap.Int("role_id", account.RoleID))

	return nil
}

func (r *ScyllaAccountRepository) GetAccountByID(ctx context.Context, accountID string) (*models.Account, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, ErrAccountNotFound
	}
	return r.getAccount(ctx, r.buckets.AccountBucket(accountID), accountID)
}

func (r *ScyllaAccountRepository) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	var (
		bucket    int
		accountID string
	)
	query := r.client.Query(ctx, r.client.Statements.GetUsername, username)
	if err := r.client.ScanWithRetry(query, &bucket, &accountID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrAccountNotFound
		}
		util.Error("Failed to resolve username", zap.String("username", username), zap.Error(err))
		return nil, fmt.Errorf("failed to resolve username: %w", err)
	}
	return r.getAccount(ctx, bucket, accountID)
}

func (r *ScyllaAccountRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var (
		bucket    int
		accountID string
	)
	query := r.client.Query(ctx, r.client.Statements.GetUsername, username)
	if err := r.client.ScanWithRetry(query, &bucket, &accountID); err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return true, nil
}

func (r *ScyllaAccountRepository) getAccount(ctx context.Context, bucket int, accountID string) (*models.Account, error) {
	a := &models.Account{}
	query := r.client.Query(ctx, r.client.Statements.GetAccountByID, bucket, accountID)

	err := r.client.ScanWithRetry(query,
		&a.AccountBucket, &a.AccountID, &a.Username, &a.Email, &a.DisplayName, &a.RoleID,
		&a.CredentialHash, &a.SecondFactorSecret, &a.SecondFactorEnabled,
		&a.PendingCodeHash, &a.PendingCodeExpiresAt, &a.LastAcceptedStep, &a.BoundSessionToken,
		&a.CreatedAt, &a.UpdatedAt, &a.LastLoginAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrAccountNotFound
		}
		util.Error("Failed to get account", util.AccountID(accountID), zap.Error(err))
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	// A row left behind by a stray UPDATE has no username.
	if a.Username == "" {
		return nil, ErrAccountNotFound
	}

	return a, nil
}

func (r *ScyllaAccountRepository) exec(ctx context.Context, op, stmt, accountID string, values ...interface{}) error {
	values = append(values, r.buckets.AccountBucket(accountID), accountID)
	if err := r.client.ExecuteWithRetry(r.client.Query(ctx, stmt, values...), 2); err != nil {
		util.Error("Failed to "+op, util.AccountID(accountID), zap.Error(err))
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

func (r *ScyllaAccountRepository) cas(ctx context.Context, op, stmt, accountID string, set []interface{}, cond ...interface{}) (bool, error) {
	values := append(set, r.buckets.AccountBucket(accountID), accountID)
	values = append(values, cond...)
	applied, err := r.client.Query(ctx, stmt, values...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to "+op, util.AccountID(accountID), zap.Error(err))
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	return applied, nil
}

func (r *ScyllaAccountRepository) SaveMailedCode(ctx context.Context, accountID, codeHash string, expiresAt time.Time) error {
	return r.exec(ctx, "save mailed code", r.client.Statements.SaveMailedCode, accountID,
		codeHash, expiresAt.UTC(), time.Now().UTC())
}

// ConsumeMailedCode nulls the pending code only if it is still codeHash, so
// two racing verifications cannot both succeed.
func (r *ScyllaAccountRepository) ConsumeMailedCode(ctx context.Context, accountID, codeHash string) (bool, error) {
	return r.cas(ctx, "consume mailed code", r.client.Statements.ConsumeMailedCode, accountID,
		[]interface{}{time.Now().UTC()}, codeHash)
}

func (r *ScyllaAccountRepository) SaveSecondFactorSecret(ctx context.Context, accountID, sealedSecret string) error {
	return r.exec(ctx, "save second factor secret", r.client.Statements.SaveSecondFactorSecret, accountID,
		sealedSecret, time.Now().UTC())
}

// AcceptTOTPStep records step as the last accepted time step if the stored
// value is still previous (0 meaning none).
func (r *ScyllaAccountRepository) AcceptTOTPStep(ctx context.Context, accountID string, previous, step int64) (bool, error) {
	set := []interface{}{step, time.Now().UTC()}
	if previous == 0 {
		return r.cas(ctx, "accept totp step", r.client.Statements.AcceptFirstTOTPStep, accountID, set)
	}
	return r.cas(ctx, "accept totp step", r.client.Statements.AcceptTOTPStep, accountID, set, previous)
}

func (r *ScyllaAccountRepository) MarkSecondFactorEnabled(ctx context.Context, accountID string) error {
	return r.exec(ctx, "mark second factor enabled", r.client.Statements.MarkSecondFactorEnabled, accountID,
		time.Now().UTC())
}

// SetBoundSessionToken overwrites any previous token; last writer wins.
func (r *ScyllaAccountRepository) SetBoundSessionToken(ctx context.Context, accountID, token string) error {
	return r.exec(ctx, "set bound session token", r.client.Statements.SetBoundSessionToken, accountID,
		token, time.Now().UTC())
}

func (r *ScyllaAccountRepository) ClearBoundSessionToken(ctx context.Context, accountID string) error {
	return r.exec(ctx, "clear bound session token", r.client.Statements.SetBoundSessionToken, accountID,
		nil, time.Now().UTC())
}

func (r *ScyllaAccountRepository) UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error {
	return r.exec(ctx, "update last login", r.client.Statements.UpdateLastLogin, accountID, at.UTC())
}

func (r *ScyllaAccountRepository) UpdateCredentialHash(ctx context.Context, accountID, encodedHash string) error {
	return r.exec(ctx, "update credential hash", r.client.Statements.UpdateCredentialHash, accountID,
		encodedHash, time.Now().UTC())
}

// DeleteAccount removes the account row and its username index in one logged
// batch; either both deletions apply or neither does.
func (r *ScyllaAccountRepository) DeleteAccount(ctx context.Context, accountID string) error {
	account, err := r.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	st := r.client.Statements
	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(st.DeleteAccount, account.AccountBucket, account.AccountID)
	batch.Query(st.DeleteUsername, account.Username)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete account", util.AccountID(accountID), zap.Error(err))
		return fmt.Errorf("failed to delete account: %w", err)
	}

	util.Info("Account deleted", util.AccountID(accountID), zap.String("username", account.Username))
	return nil
}

func (r *ScyllaAccountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
