package scylla

import (
	"context"
	"fmt"

	"portal-auth/internal/util"
)

// schema is applied by EnsureSchema in development; production keyspaces are
// migrated out of band with the same statements.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
        account_bucket int,
        account_id uuid,
        username text,
        email text,
        display_name text,
        role_id int,
        credential_hash text,
        second_factor_secret text,
        second_factor_enabled boolean,
        otp_hash text,
        otp_expires_at timestamp,
        last_accepted_step bigint,
        bound_session_token text,
        created_at timestamp,
        updated_at timestamp,
        last_login_at timestamp,
        PRIMARY KEY ((account_bucket, account_id))
    )`,
	`CREATE TABLE IF NOT EXISTS username_to_account (
        username text PRIMARY KEY,
        account_bucket int,
        account_id uuid,
        created_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS roles (
        role_id int PRIMARY KEY,
        name text,
        prefix text,
        landing_path text
    )`,
	`CREATE TABLE IF NOT EXISTS role_menus (
        role_id int,
        position int,
        menu_id int,
        name text,
        url text,
        icon text,
        PRIMARY KEY (role_id, position)
    )`,
}

func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", util.Int("tables", len(schema)))
	return nil
}
