package models

import "time"

// ClientType distinguishes public clients (no secret, PKCE required) from
// confidential clients (secret or signed assertion).
type ClientType string

const (
	ClientTypePublic       ClientType = "PUBLIC"
	ClientTypeConfidential ClientType = "CONFIDENTIAL"
)

// Grant type values accepted at the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Client represents a registered OAuth application.
type Client struct {
	ID               int64      `db:"id" json:"id"`
	ClientID         string     `db:"client_id" json:"client_id"`
	ClientSecretHash string     `db:"client_secret_hash" json:"client_secret_hash"` // empty for PUBLIC clients
	ClientType       ClientType `db:"client_type" json:"client_type"`
	RedirectURIs     []string   `db:"redirect_uris" json:"redirect_uris"`
	GrantTypes       []string   `db:"grant_types" json:"grant_types"`
	AllowedScopes    []string   `db:"allowed_scopes" json:"allowed_scopes"`
	RequirePKCE      bool       `db:"require_pkce" json:"require_pkce"`
	JWKSURI          string     `db:"jwks_uri" json:"jwks_uri"` // set for assertion-based auth
	AccessTokenTTL   int64      `db:"access_token_ttl" json:"access_token_ttl"`   // seconds, 0 = server default
	RefreshTokenTTL  int64      `db:"refresh_token_ttl" json:"refresh_token_ttl"` // seconds, 0 = server default
	RateLimit        int        `db:"rate_limit" json:"rate_limit"`
	IsActive         bool       `db:"is_active" json:"is_active"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// HasGrantType reports whether the client is registered for the grant type.
func (c *Client) HasGrantType(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// TokenTTLOr returns the client's access token TTL override, or def.
func (c *Client) TokenTTLOr(def time.Duration) time.Duration {
	if c.AccessTokenTTL > 0 {
		return time.Duration(c.AccessTokenTTL) * time.Second
	}
	return def
}

// RefreshTTLOr returns the client's refresh token TTL override, or def.
func (c *Client) RefreshTTLOr(def time.Duration) time.Duration {
	if c.RefreshTokenTTL > 0 {
		return time.Duration(c.RefreshTokenTTL) * time.Second
	}
	return def
}

// User represents a resource owner. The record has no email or phone fields,
// so the userinfo endpoint never emits email/phone claims.
type User struct {
	ID         string    `db:"id"`
	Username   string    `db:"username"`
	Name       string    `db:"name"`
	GivenName  string    `db:"given_name"`
	FamilyName string    `db:"family_name"`
	Picture    string    `db:"picture"`
	IsActive   bool      `db:"is_active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Scope is an entry in the global scope registry.
type Scope struct {
	Name        string `db:"name"` // resource:action shape
	Description string `db:"description"`
	IsActive    bool   `db:"is_active"`
}

// AuthorizationCode is a one-time code bound to a PKCE challenge.
// A code transitions unused -> used exactly once; a second redemption attempt
// is a replay and triggers cascading revocation of tokens issued from it.
type AuthorizationCode struct {
	Code          string    `db:"code"`
	ClientID      string    `db:"client_id"`
	UserID        string    `db:"user_id"`
	RedirectURI   string    `db:"redirect_uri"`
	Scope         string    `db:"scope"`
	CodeChallenge string    `db:"code_challenge"` // S256 only
	Nonce         string    `db:"nonce"`
	IsUsed        bool      `db:"is_used"`
	ExpiresAt     time.Time `db:"expires_at"`
	CreatedAt     time.Time `db:"created_at"`
}

// TokenKind identifies the class of a persisted token record.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// TokenRecord is the persisted metadata for an issued token. Only the SHA-256
// hash of the signed JWT is stored; the token itself never is.
type TokenRecord struct {
	ID              string    `db:"id"`
	TokenHash       string    `db:"token_hash"`
	Kind            TokenKind `db:"kind"`
	JTI             string    `db:"jti"`
	ClientID        string    `db:"client_id"`
	UserID          string    `db:"user_id"` // empty for client-only tokens
	Scope           string    `db:"scope"`
	CodeID          string    `db:"code_id"`           // authorization code this was issued from, if any
	PreviousTokenID string    `db:"previous_token_id"` // refresh rotation chain back-reference
	IsRevoked       bool      `db:"is_revoked"`
	ExpiresAt       time.Time `db:"expires_at"`
	CreatedAt       time.Time `db:"created_at"`
}

// Role is an RBAC role. Permissions reach tokens only through active roles.
type Role struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	IsActive bool   `db:"is_active"`
}

// Permission is an RBAC permission (resource:action shape, same as scopes).
type Permission struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	IsActive bool   `db:"is_active"`
}

// RoleAssignment links a user to a role, optionally time-boxed.
type RoleAssignment struct {
	UserID    string     `db:"user_id"`
	RoleID    string     `db:"role_id"`
	IsActive  bool       `db:"is_active"`
	ExpiresAt *time.Time `db:"expires_at"` // nil = never expires
}

// PermissionGrant is one joined row of the user -> assignment -> role ->
// permission chain. The evaluator filters these rows; the query itself does
// not, so the filtering logic stays in one reviewable place.
type PermissionGrant struct {
	Assignment RoleAssignment
	Role       Role
	Permission Permission
}

// AuditEvent is a structured audit record. Writing these on every grant and
// bearer-auth outcome is part of the security contract, not optional logging.
type AuditEvent struct {
	ID        string    `db:"id"`
	Action    string    `db:"action"`
	Actor     string    `db:"actor"`    // client_id or user id
	Resource  string    `db:"resource"` // e.g. token:<jti>, code:<prefix>
	IP        string    `db:"ip"`
	UserAgent string    `db:"user_agent"`
	Success   bool      `db:"success"`
	Error     string    `db:"error"`
	Metadata  string    `db:"metadata"` // JSON blob of grant-specific detail
	CreatedAt time.Time `db:"created_at"`
}

// TokenResponse represents the OAuth2 token endpoint success response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token,omitempty"`
}

// AuthorizeRequest is the payload accepted by the authorize endpoint once
// the consent frontend has approved the request. The user is taken from the
// bearer session, never from the payload.
type AuthorizeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce,omitempty"`
	State               string `json:"state,omitempty"`
}

// AuthorizeResponse carries the issued authorization code back to the caller.
type AuthorizeResponse struct {
	Code  string `json:"code"`
	State string `json:"state,omitempty"`
}

// PermissionCheck is one entry of a batch permission evaluation request.
type PermissionCheck struct {
	Permission string `json:"permission"`
}

// PermissionCheckResult is the per-entry outcome of a batch evaluation.
type PermissionCheckResult struct {
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
}
