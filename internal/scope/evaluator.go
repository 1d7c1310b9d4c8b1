package scope

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"oauth-service/internal/cache"
	"oauth-service/internal/models"
	"oauth-service/pkg/oautherr"
)

// Store is the persistence surface the evaluator needs.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserPermissionGrants(ctx context.Context, userID string) ([]models.PermissionGrant, error)
	ListActiveScopes(ctx context.Context) ([]models.Scope, error)
}

// Evaluator resolves requested scopes against client registrations and the
// global scope registry, and computes per-user effective permission sets
// from RBAC role assignments.
type Evaluator struct {
	store    Store
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewEvaluator creates a new scope and permission evaluator
func NewEvaluator(store Store, cache cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:    store,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// ValidateForClient checks that every requested scope is inside the client's
// allowed set and globally active in the scope registry. Returns an
// invalid_scope error naming the offending tokens.
func (e *Evaluator) ValidateForClient(ctx context.Context, requested []string, client *models.Client) error {
	if len(requested) == 0 {
		return nil
	}

	if err := ValidateAgainstList(requested, client.AllowedScopes); err != nil {
		return err
	}

	registry, err := e.store.ListActiveScopes(ctx)
	if err != nil {
		return oautherr.Wrap(err, oautherr.ErrServerError)
	}

	active := make([]string, 0, len(registry))
	for _, s := range registry {
		active = append(active, s.Name)
	}

	var inactive []string
	for _, r := range requested {
		if !contains(active, r) {
			inactive = append(inactive, r)
		}
	}
	if len(inactive) > 0 {
		sort.Strings(inactive)
		return oautherr.WithDescription(oautherr.ErrInvalidScope,
			"scope not active: "+strings.Join(inactive, " "))
	}

	return nil
}

// EffectivePermissions returns the union of the user's active permissions,
// reached through active roles via active, non-expired role assignments.
// Inactive user, inactive role, inactive permission, and inactive or expired
// assignment are all excluded. The result is cached per user.
func (e *Evaluator) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	if cached, ok, err := e.cache.GetPermissions(ctx, userID); err == nil && ok {
		return cached, nil
	} else if err != nil {
		e.logger.Warn("Permission cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, oautherr.Wrap(err, oautherr.ErrServerError)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found: %s", userID)
	}

	permissions := []string{}
	if user.IsActive {
		grants, err := e.store.GetUserPermissionGrants(ctx, userID)
		if err != nil {
			return nil, oautherr.Wrap(err, oautherr.ErrServerError)
		}

		now := time.Now()
		seen := make(map[string]struct{})
		for _, g := range grants {
			if !g.Assignment.IsActive {
				continue
			}
			if g.Assignment.ExpiresAt != nil && g.Assignment.ExpiresAt.Before(now) {
				continue
			}
			if !g.Role.IsActive || !g.Permission.IsActive {
				continue
			}
			if _, ok := seen[g.Permission.Name]; ok {
				continue
			}
			seen[g.Permission.Name] = struct{}{}
			permissions = append(permissions, g.Permission.Name)
		}
		sort.Strings(permissions)
	}

	if err := e.cache.SetPermissions(ctx, userID, permissions, e.cacheTTL); err != nil {
		e.logger.Warn("Failed to cache permissions", zap.String("user_id", userID), zap.Error(err))
	}

	return permissions, nil
}

// CheckPermission reports whether the user holds the given permission. An
// empty permission is treated as always-allowed (an authenticated-only
// check), but the effective set is still fetched so the access is observable.
func (e *Evaluator) CheckPermission(ctx context.Context, userID, permission string) (bool, error) {
	permissions, err := e.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	if permission == "" {
		return true, nil
	}
	return contains(permissions, permission), nil
}

// CheckBatch evaluates a list of permission checks against a single fetch of
// the user's effective set. A request with a missing permission name yields
// an invalid-request-format record instead of an error.
func (e *Evaluator) CheckBatch(ctx context.Context, userID string, checks []models.PermissionCheck) ([]models.PermissionCheckResult, error) {
	permissions, err := e.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}

	results := make([]models.PermissionCheckResult, 0, len(checks))
	for _, c := range checks {
		if c.Permission == "" {
			results = append(results, models.PermissionCheckResult{
				Allowed: false,
				Reason:  "invalid request format: missing permission",
			})
			continue
		}
		results = append(results, models.PermissionCheckResult{
			Permission: c.Permission,
			Allowed:    contains(permissions, c.Permission),
		})
	}
	return results, nil
}

// InvalidateUser drops the user's cached permission set so the next
// evaluation hits the store. Called on role or permission change and on
// logout or credential change.
func (e *Evaluator) InvalidateUser(ctx context.Context, userID string) error {
	return e.cache.DeletePermissions(ctx, userID)
}
