package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token kinds carried in the token_type claim. Access and refresh tokens
// share issuer, audience, and signing keys, so the claim is the only thing
// separating a one-hour credential from a thirty-day one.
const (
	AccessTokenType  = "access"
	RefreshTokenType = "refresh"
)

// AccessTokenClaims is the claim set of an access token. Permissions are a
// snapshot of the user's effective set at issuance: resource servers skip a
// store round-trip per call and accept staleness until the token expires.
type AccessTokenClaims struct {
	ClientID    string   `json:"client_id"`
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// RefreshTokenClaims is the claim set of a refresh token.
type RefreshTokenClaims struct {
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// IDTokenClaims is the claim set of an OIDC ID token.
type IDTokenClaims struct {
	ClientID   string `json:"client_id"`
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Picture    string `json:"picture,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// IDTokenSubject carries the user profile fields an ID token may expose.
type IDTokenSubject struct {
	UserID     string
	Name       string
	GivenName  string
	FamilyName string
	Picture    string
}

// Issuer builds and signs tokens under the key manager's current key.
type Issuer struct {
	keyManager *KeyManager
	issuer     string
	audience   string
}

// NewIssuer creates a new token issuer
func NewIssuer(keyManager *KeyManager, issuer, audience string) *Issuer {
	return &Issuer{
		keyManager: keyManager,
		issuer:     issuer,
		audience:   audience,
	}
}

// AccessToken signs an access token. sub is the user id, or the client id for
// client-only tokens.
func (i *Issuer) AccessToken(sub, clientID string, scope string, permissions []string, ttl time.Duration) (string, string, error) {
	if permissions == nil {
		permissions = []string{}
	}
	jti := uuid.New().String()
	claims := &AccessTokenClaims{
		ClientID:         clientID,
		Scope:            scope,
		Permissions:      permissions,
		TokenType:        AccessTokenType,
		RegisteredClaims: i.registered(sub, jti, ttl),
	}
	signed, err := i.sign(claims)
	return signed, jti, err
}

// RefreshToken signs a refresh token carrying token_type "refresh".
func (i *Issuer) RefreshToken(sub, clientID string, scope string, ttl time.Duration) (string, string, error) {
	jti := uuid.New().String()
	claims := &RefreshTokenClaims{
		ClientID:         clientID,
		Scope:            scope,
		TokenType:        RefreshTokenType,
		RegisteredClaims: i.registered(sub, jti, ttl),
	}
	signed, err := i.sign(claims)
	return signed, jti, err
}

// IDToken signs an OIDC ID token for the user. The audience of an ID token
// is the requesting client rather than the resource API.
func (i *Issuer) IDToken(subject IDTokenSubject, clientID, nonce string, ttl time.Duration) (string, error) {
	jti := uuid.New().String()
	claims := &IDTokenClaims{
		ClientID:   clientID,
		Name:       subject.Name,
		GivenName:  subject.GivenName,
		FamilyName: subject.FamilyName,
		Picture:    subject.Picture,
		Nonce:      nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject.UserID,
			Audience:  jwt.ClaimStrings{clientID},
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return i.sign(claims)
}

func (i *Issuer) registered(sub, jti string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   sub,
		Audience:  jwt.ClaimStrings{i.audience},
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	key := i.keyManager.GetPrivateKey()
	if key == nil {
		return "", fmt.Errorf("no active signing key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.keyManager.GetCurrentKeyID()

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// TokenHash returns the SHA-256 hex digest of a signed token. Token records
// are keyed by this hash so the raw token is never persisted.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
