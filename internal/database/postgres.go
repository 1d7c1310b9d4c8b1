package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/postgres"
	_ "gocloud.dev/postgres/awspostgres"
	_ "gocloud.dev/postgres/gcppostgres"

	"oauth-service/internal/models"
)

// Repository defines the interface for database operations
type Repository interface {
	Close() error

	// Clients
	GetClientByClientID(ctx context.Context, clientID string) (*models.Client, error)

	// Users & RBAC
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserPermissionGrants(ctx context.Context, userID string) ([]models.PermissionGrant, error)
	ListActiveScopes(ctx context.Context) ([]models.Scope, error)

	// Authorization codes
	CreateAuthCode(ctx context.Context, code *models.AuthorizationCode) error
	GetAuthCode(ctx context.Context, code string) (*models.AuthorizationCode, error)
	ConsumeAuthCode(ctx context.Context, code string) (bool, error)
	DeleteAuthCode(ctx context.Context, code string) error
	DeleteExpiredAuthCodes(ctx context.Context) (int64, error)

	// Token records
	CreateTokenRecord(ctx context.Context, record *models.TokenRecord) error
	GetTokenByHash(ctx context.Context, tokenHash string) (*models.TokenRecord, error)
	RevokeTokenByID(ctx context.Context, id string) error
	RevokeTokensByCodeID(ctx context.Context, codeID string) ([]models.TokenRecord, error)
	RevokeRefreshChain(ctx context.Context, tokenID string) ([]models.TokenRecord, error)
	RotateRefreshToken(ctx context.Context, oldTokenID string, newRefresh, newAccess *models.TokenRecord) error
	DeleteExpiredTokens(ctx context.Context) (int64, error)

	// Audit
	InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error
}

// ErrRefreshTokenRotated is returned by RotateRefreshToken when the
// presented token was already revoked or rotated: the reuse signal.
var ErrRefreshTokenRotated = fmt.Errorf("refresh token already rotated or revoked")

// PostgresRepository handles database operations
type PostgresRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRepository creates a new repository instance
func NewRepository(ctx context.Context, databaseURL string, logger *zap.Logger) (Repository, error) {
	// Retry connection with exponential backoff
	var db *sql.DB
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		db, err = postgres.Open(ctx, databaseURL)
		if err == nil {
			// Test the connection
			if err = db.PingContext(ctx); err == nil {
				break
			}
			db.Close()
		}
		if i < maxRetries-1 {
			waitTime := time.Duration(i+1) * time.Second
			logger.Warn("Failed to connect to database, retrying...", zap.Int("attempt", i+1), zap.Duration("wait", waitTime), zap.Error(err))
			time.Sleep(waitTime)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	return &PostgresRepository{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// GetClientByClientID retrieves a client by its public client_id
func (r *PostgresRepository) GetClientByClientID(ctx context.Context, clientID string) (*models.Client, error) {
	query := `
		SELECT id, client_id, COALESCE(client_secret_hash, ''), client_type,
		       redirect_uris, grant_types, allowed_scopes, require_pkce,
		       COALESCE(jwks_uri, ''), access_token_ttl, refresh_token_ttl,
		       rate_limit, is_active, created_at, updated_at
		FROM oauth_clients
		WHERE client_id = $1
	`

	var client models.Client
	var redirectURIs, grantTypes, allowedScopes string
	err := r.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ID,
		&client.ClientID,
		&client.ClientSecretHash,
		&client.ClientType,
		&redirectURIs,
		&grantTypes,
		&allowedScopes,
		&client.RequirePKCE,
		&client.JWKSURI,
		&client.AccessTokenTTL,
		&client.RefreshTokenTTL,
		&client.RateLimit,
		&client.IsActive,
		&client.CreatedAt,
		&client.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get client", zap.String("client_id", clientID), zap.Error(err))
		return nil, err
	}

	client.RedirectURIs = splitList(redirectURIs)
	client.GrantTypes = splitList(grantTypes)
	client.AllowedScopes = splitList(allowedScopes)

	return &client, nil
}

// GetUserByID retrieves a user by ID
func (r *PostgresRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	query := `
		SELECT id, username, COALESCE(name, ''), COALESCE(given_name, ''),
		       COALESCE(family_name, ''), COALESCE(picture, ''), is_active,
		       created_at, updated_at
		FROM users
		WHERE id = $1
	`

	var user models.User
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Username,
		&user.Name,
		&user.GivenName,
		&user.FamilyName,
		&user.Picture,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get user by ID", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	return &user, nil
}

// GetUserPermissionGrants returns every assignment -> role -> permission row
// for the user, unfiltered. The scope evaluator applies the active and
// expiry filtering so that logic lives in one place.
func (r *PostgresRepository) GetUserPermissionGrants(ctx context.Context, userID string) ([]models.PermissionGrant, error) {
	query := `
		SELECT ra.user_id, ra.role_id, ra.is_active, ra.expires_at,
		       ro.id, ro.name, ro.is_active,
		       p.id, p.name, p.is_active
		FROM user_role_assignments ra
		JOIN roles ro ON ro.id = ra.role_id
		JOIN role_permissions rp ON rp.role_id = ro.id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ra.user_id = $1
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		r.logger.Error("Failed to get permission grants", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var grants []models.PermissionGrant
	for rows.Next() {
		var g models.PermissionGrant
		var expiresAt sql.NullTime
		if err := rows.Scan(
			&g.Assignment.UserID,
			&g.Assignment.RoleID,
			&g.Assignment.IsActive,
			&expiresAt,
			&g.Role.ID,
			&g.Role.Name,
			&g.Role.IsActive,
			&g.Permission.ID,
			&g.Permission.Name,
			&g.Permission.IsActive,
		); err != nil {
			r.logger.Error("Failed to scan permission grant", zap.Error(err))
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			g.Assignment.ExpiresAt = &t
		}
		grants = append(grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return grants, nil
}

// ListActiveScopes returns the globally active entries of the scope registry
func (r *PostgresRepository) ListActiveScopes(ctx context.Context) ([]models.Scope, error) {
	query := `
		SELECT name, COALESCE(description, ''), is_active
		FROM scopes
		WHERE is_active = true
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list scopes", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var scopes []models.Scope
	for rows.Next() {
		var s models.Scope
		if err := rows.Scan(&s.Name, &s.Description, &s.IsActive); err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return scopes, nil
}

// CreateAuthCode persists a new authorization code record
func (r *PostgresRepository) CreateAuthCode(ctx context.Context, code *models.AuthorizationCode) error {
	query := `
		INSERT INTO oauth_authorization_codes
			(code, client_id, user_id, redirect_uri, scope, code_challenge, nonce, is_used, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		code.Code,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		code.Scope,
		code.CodeChallenge,
		code.Nonce,
		code.IsUsed,
		code.ExpiresAt,
		code.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create authorization code", zap.Error(err))
		return err
	}
	return nil
}

// GetAuthCode retrieves an authorization code record by its code value
func (r *PostgresRepository) GetAuthCode(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	query := `
		SELECT code, client_id, user_id, redirect_uri, scope, code_challenge,
		       COALESCE(nonce, ''), is_used, expires_at, created_at
		FROM oauth_authorization_codes
		WHERE code = $1
	`

	var record models.AuthorizationCode
	err := r.db.QueryRowContext(ctx, query, code).Scan(
		&record.Code,
		&record.ClientID,
		&record.UserID,
		&record.RedirectURI,
		&record.Scope,
		&record.CodeChallenge,
		&record.Nonce,
		&record.IsUsed,
		&record.ExpiresAt,
		&record.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get authorization code", zap.Error(err))
		return nil, err
	}

	return &record, nil
}

// ConsumeAuthCode atomically transitions a code from unused to used. The
// guarded UPDATE means exactly one of N concurrent redemption attempts sees
// a row change; everyone else gets false.
func (r *PostgresRepository) ConsumeAuthCode(ctx context.Context, code string) (bool, error) {
	query := `
		UPDATE oauth_authorization_codes
		SET is_used = true
		WHERE code = $1 AND is_used = false
	`

	result, err := r.db.ExecContext(ctx, query, code)
	if err != nil {
		r.logger.Error("Failed to consume authorization code", zap.Error(err))
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// DeleteAuthCode removes an authorization code record
func (r *PostgresRepository) DeleteAuthCode(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM oauth_authorization_codes WHERE code = $1`, code)
	if err != nil {
		r.logger.Error("Failed to delete authorization code", zap.Error(err))
		return err
	}
	return nil
}

// DeleteExpiredAuthCodes purges codes past their expiry
func (r *PostgresRepository) DeleteExpiredAuthCodes(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at < NOW()`)
	if err != nil {
		r.logger.Error("Failed to purge expired authorization codes", zap.Error(err))
		return 0, err
	}
	return result.RowsAffected()
}

// CreateTokenRecord persists the hash and metadata of an issued token
func (r *PostgresRepository) CreateTokenRecord(ctx context.Context, record *models.TokenRecord) error {
	return insertTokenRecord(ctx, r.db, record)
}

// GetTokenByHash retrieves a token record by the SHA-256 hash of the token
func (r *PostgresRepository) GetTokenByHash(ctx context.Context, tokenHash string) (*models.TokenRecord, error) {
	query := `
		SELECT id, token_hash, kind, jti, client_id, COALESCE(user_id, ''),
		       scope, COALESCE(code_id, ''), COALESCE(previous_token_id, ''),
		       is_revoked, expires_at, created_at
		FROM oauth_tokens
		WHERE token_hash = $1
	`

	var record models.TokenRecord
	err := r.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&record.ID,
		&record.TokenHash,
		&record.Kind,
		&record.JTI,
		&record.ClientID,
		&record.UserID,
		&record.Scope,
		&record.CodeID,
		&record.PreviousTokenID,
		&record.IsRevoked,
		&record.ExpiresAt,
		&record.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get token by hash", zap.Error(err))
		return nil, err
	}

	return &record, nil
}

// RevokeTokenByID marks a single token record revoked
func (r *PostgresRepository) RevokeTokenByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE oauth_tokens SET is_revoked = true WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("Failed to revoke token", zap.String("token_id", id), zap.Error(err))
		return err
	}
	return nil
}

// RevokeTokensByCodeID revokes every token issued from an authorization code
// and returns the affected records so their JTIs can be blacklisted. This is
// the cascading response to a code replay.
func (r *PostgresRepository) RevokeTokensByCodeID(ctx context.Context, codeID string) ([]models.TokenRecord, error) {
	query := `
		UPDATE oauth_tokens
		SET is_revoked = true
		WHERE code_id = $1 AND is_revoked = false
		RETURNING id, jti, kind, client_id, COALESCE(user_id, ''), expires_at
	`

	rows, err := r.db.QueryContext(ctx, query, codeID)
	if err != nil {
		r.logger.Error("Failed to revoke tokens for code", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	return scanRevokedTokens(rows)
}

// RevokeRefreshChain revokes the full rotation chain the given token belongs
// to, walking both directions of the previous_token_id links inside one
// transaction. Used when a rotated refresh token is presented again.
func (r *PostgresRepository) RevokeRefreshChain(ctx context.Context, tokenID string) ([]models.TokenRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.logger.Error("Failed to rollback chain revocation", zap.Error(rbErr))
			}
		}
	}()

	var revoked []models.TokenRecord
	visited := map[string]bool{}
	pending := []string{tokenID}

	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if id == "" || visited[id] {
			continue
		}
		visited[id] = true

		var record models.TokenRecord
		err = tx.QueryRowContext(ctx, `
			UPDATE oauth_tokens
			SET is_revoked = true
			WHERE id = $1
			RETURNING id, jti, kind, client_id, COALESCE(user_id, ''), COALESCE(previous_token_id, ''), expires_at
		`, id).Scan(&record.ID, &record.JTI, &record.Kind, &record.ClientID, &record.UserID, &record.PreviousTokenID, &record.ExpiresAt)
		if err == sql.ErrNoRows {
			err = nil
			continue
		}
		if err != nil {
			r.logger.Error("Failed to revoke chain member", zap.String("token_id", id), zap.Error(err))
			return nil, err
		}
		revoked = append(revoked, record)
		pending = append(pending, record.PreviousTokenID)

		// Successors: tokens that reference this one.
		var successors []string
		successors, err = queryChainSuccessors(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		pending = append(pending, successors...)
	}

	if err = tx.Commit(); err != nil {
		r.logger.Error("Failed to commit chain revocation", zap.Error(err))
		return nil, err
	}
	return revoked, nil
}

// RotateRefreshToken performs refresh rotation as one transaction: the old
// refresh token is revoked, and the replacement refresh and access records
// are inserted. A partial failure rolls everything back, so the old token
// stays valid and no unpaired access token is ever issued.
// ErrRefreshTokenRotated is returned when the old token was already rotated
// or revoked, which callers treat as a reuse signal.
func (r *PostgresRepository) RotateRefreshToken(ctx context.Context, oldTokenID string, newRefresh, newAccess *models.TokenRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.logger.Error("Failed to rollback token rotation", zap.Error(rbErr))
			}
		}
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE oauth_tokens
		SET is_revoked = true
		WHERE id = $1 AND kind = 'refresh' AND is_revoked = false
	`, oldTokenID)
	if err != nil {
		r.logger.Error("Failed to revoke rotated refresh token", zap.Error(err))
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		err = ErrRefreshTokenRotated
		return err
	}

	if err = insertTokenRecord(ctx, tx, newRefresh); err != nil {
		return err
	}
	if err = insertTokenRecord(ctx, tx, newAccess); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		r.logger.Error("Failed to commit token rotation", zap.Error(err))
		return err
	}
	return nil
}

// DeleteExpiredTokens purges token records past their expiry
func (r *PostgresRepository) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE expires_at < NOW()`)
	if err != nil {
		r.logger.Error("Failed to purge expired tokens", zap.Error(err))
		return 0, err
	}
	return result.RowsAffected()
}

// InsertAuditEvent appends a structured audit record
func (r *PostgresRepository) InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_log (id, action, actor, resource, ip, user_agent, success, error, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.Action,
		event.Actor,
		event.Resource,
		event.IP,
		event.UserAgent,
		event.Success,
		event.Error,
		event.Metadata,
		event.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert audit event", zap.String("action", event.Action), zap.Error(err))
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertTokenRecord(ctx context.Context, ex execer, record *models.TokenRecord) error {
	query := `
		INSERT INTO oauth_tokens
			(id, token_hash, kind, jti, client_id, user_id, scope, code_id, previous_token_id, is_revoked, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
	`

	_, err := ex.ExecContext(ctx, query,
		record.ID,
		record.TokenHash,
		record.Kind,
		record.JTI,
		record.ClientID,
		record.UserID,
		record.Scope,
		record.CodeID,
		record.PreviousTokenID,
		record.IsRevoked,
		record.ExpiresAt,
		record.CreatedAt,
	)
	return err
}

func queryChainSuccessors(ctx context.Context, tx *sql.Tx, tokenID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM oauth_tokens WHERE previous_token_id = $1`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRevokedTokens(rows *sql.Rows) ([]models.TokenRecord, error) {
	var records []models.TokenRecord
	for rows.Next() {
		var record models.TokenRecord
		if err := rows.Scan(&record.ID, &record.JTI, &record.Kind, &record.ClientID, &record.UserID, &record.ExpiresAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// splitList splits a space-delimited column value into a list. Registered
// redirect URIs, grant types, and allowed scopes are stored this way.
func splitList(s string) []string {
	fields := strings.Fields(s)
	if fields == nil {
		return []string{}
	}
	return fields
}
