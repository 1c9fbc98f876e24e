package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"portal-auth/internal/models"
	"portal-auth/internal/util"
)

const roleCacheTTL = 5 * time.Minute

type cachedRole struct {
	role      *models.Role
	expiresAt time.Time
}

// ScyllaRoleRepository reads roles and role menus, which are owned by the
// admin subsystem. Roles are cached briefly since every login resolves one.
type ScyllaRoleRepository struct {
	client *ScyllaClient
	roles  sync.Map
}

func NewRoleRepository(client *ScyllaClient) *ScyllaRoleRepository {
	return &ScyllaRoleRepository{client: client}
}

func (r *ScyllaRoleRepository) GetRole(ctx context.Context, roleID int) (*models.Role, error) {
	if cached, ok := r.roles.Load(roleID); ok {
		entry := cached.(cachedRole)
		if time.Now().Before(entry.expiresAt) {
			return entry.role, nil
		}
		r.roles.Delete(roleID)
	}

	role := &models.Role{}
	query := r.client.Query(ctx, r.client.Statements.GetRole, roleID)
	if err := r.client.ScanWithRetry(query, &role.RoleID, &role.Name, &role.Prefix, &role.LandingPath); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrRoleNotFound
		}
		util.Error("Failed to get role", zap.Int("role_id", roleID), zap.Error(err))
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	r.roles.Store(roleID, cachedRole{role: role, expiresAt: time.Now().Add(roleCacheTTL)})
	return role, nil
}

func (r *ScyllaRoleRepository) ListMenusForRole(ctx context.Context, roleID int) ([]models.MenuEntry, error) {
	iter := r.client.Query(ctx, r.client.Statements.ListRoleMenus, roleID).Iter()
	scanner := iter.Scanner()

	var menus []models.MenuEntry
	for scanner.Next() {
		var m models.MenuEntry
		if err := scanner.Scan(&m.MenuID, &m.Name, &m.URL, &m.Icon); err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("failed to scan menu: %w", err)
		}
		menus = append(menus, m)
	}
	if err := scanner.Err(); err != nil {
		util.Error("Failed to list role menus", zap.Int("role_id", roleID), zap.Error(err))
		return nil, fmt.Errorf("failed to list role menus: %w", err)
	}

	return menus, nil
}
