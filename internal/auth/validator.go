package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"oauth-service/internal/cache"
)

// Verifier validates signed tokens: kid-resolved signature, issuer,
// audience, expiry, algorithm allow-list, and the JTI blacklist. A
// signature-valid but blacklisted token is rejected.
type Verifier struct {
	keyManager *KeyManager
	issuer     string
	audience   string
	cache      cache.Cache
}

// NewVerifier creates a new token verifier
func NewVerifier(keyManager *KeyManager, issuer, audience string, cache cache.Cache) *Verifier {
	return &Verifier{
		keyManager: keyManager,
		issuer:     issuer,
		audience:   audience,
		cache:      cache,
	}
}

// VerifyAccess validates an access token and returns its claims. The
// token_type claim must mark it as an access token; a refresh token passes
// every signature and registered-claim check, so the type check is what
// keeps a long-lived refresh token from doubling as a bearer credential.
func (v *Verifier) VerifyAccess(ctx context.Context, tokenString string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	if err := v.verify(ctx, tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != AccessTokenType {
		return nil, fmt.Errorf("token is not an access token")
	}
	if err := v.checkRevocation(ctx, claims.ID); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token, additionally asserting that the
// token_type claim marks it as a refresh token.
func (v *Verifier) VerifyRefresh(ctx context.Context, tokenString string) (*RefreshTokenClaims, error) {
	claims := &RefreshTokenClaims{}
	if err := v.verify(ctx, tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != RefreshTokenType {
		return nil, fmt.Errorf("token is not a refresh token")
	}
	if err := v.checkRevocation(ctx, claims.ID); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) verify(_ context.Context, tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		// Require kid so we always pick an explicit key; no fallback.
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid in token header")
		}
		pub, err := v.keyManager.GetPublicKeyByID(kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get public key for kid %s: %w", kid, err)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("token is not valid")
	}
	return nil
}

func (v *Verifier) checkRevocation(ctx context.Context, jti string) error {
	if jti == "" {
		return fmt.Errorf("token has no jti")
	}
	revoked, err := v.cache.IsJTIRevoked(ctx, jti)
	if err != nil {
		return fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked {
		return fmt.Errorf("token has been revoked")
	}
	return nil
}
