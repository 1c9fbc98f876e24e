package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"portal-auth/internal/config"
	"portal-auth/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares and caches
// each statement on first use; queries are built per call because a
// *gocql.Query is not safe for concurrent reuse.
type Statements struct {
	InsertAccount           string
	ClaimUsername           string
	ReleaseUsername         string
	GetUsername             string
	GetAccountByID          string
	SaveMailedCode          string
	ConsumeMailedCode       string
	SaveSecondFactorSecret  string
	AcceptTOTPStep          string
	AcceptFirstTOTPStep     string
	MarkSecondFactorEnabled string
	SetBoundSessionToken    string
	UpdateLastLogin         string
	UpdateCredentialHash    string
	DeleteAccount           string
	DeleteUsername          string
	GetRole                 string
	ListRoleMenus           string
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements *Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: newStatements(),
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

const accountColumns = `account_bucket, account_id, username, email, display_name, role_id,
        credential_hash, second_factor_secret, second_factor_enabled,
        otp_hash, otp_expires_at, last_accepted_step, bound_session_token,
        created_at, updated_at, last_login_at`

func newStatements() *Statements {
	return &Statements{
		InsertAccount: `
        INSERT INTO accounts (` + accountColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,

		ClaimUsername: `
        INSERT INTO username_to_account (username, account_bucket, account_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`,

		ReleaseUsername: `
        DELETE FROM username_to_account WHERE username = ? IF account_id = ?`,

		GetUsername: `
        SELECT account_bucket, account_id FROM username_to_account WHERE username = ?`,

		GetAccountByID: `
        SELECT ` + accountColumns + `
        FROM accounts WHERE account_bucket = ? AND account_id = ?`,

		SaveMailedCode: `
        UPDATE accounts SET otp_hash = ?, otp_expires_at = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`,

		ConsumeMailedCode: `
        UPDATE accounts SET otp_hash = null, otp_expires_at = null, updated_at = ?
        WHERE account_bucket = ? AND account_id = ? IF otp_hash = ?`,

		SaveSecondFactorSecret: `
        UPDATE accounts SET second_factor_secret = ?, second_factor_enabled = false,
            last_accepted_step = null, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`,

		AcceptTOTPStep: `
        UPDATE accounts SET last_accepted_step = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ? IF last_accepted_step = ?`,

		AcceptFirstTOTPStep: `
        UPDATE accounts SET last_accepted_step = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ? IF last_accepted_step = null`,

		MarkSecondFactorEnabled: `
        UPDATE accounts SET second_factor_enabled = true, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`,

		SetBoundSessionToken: `
        UPDATE accounts SET bound_session_token = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`,

		UpdateLastLogin: `
        UPDATE accounts SET last_login_at = ? WHERE account_bucket = ? AND account_id = ?`,

		UpdateCredentialHash: `
        UPDATE accounts SET credential_hash = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`,

		DeleteAccount: `
        DELETE FROM accounts WHERE account_bucket = ? AND account_id = ?`,

		DeleteUsername: `
        DELETE FROM username_to_account WHERE username = ?`,

		GetRole: `
        SELECT role_id, name, prefix, landing_path FROM roles WHERE role_id = ?`,

		ListRoleMenus: `
        SELECT menu_id, name, url, icon FROM role_menus WHERE role_id = ?`,
	}
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries idempotent writes. Never use it for conditional
// (IF ...) statements, whose outcome is ambiguous after a timeout.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil {
			return nil
		}
		if err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
