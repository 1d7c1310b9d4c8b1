package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	"oauth-service/internal/cache"
	"oauth-service/internal/models"
	"oauth-service/pkg/oautherr"
)

// JWTBearerAssertionType is the client_assertion_type for signed JWT client
// authentication (RFC 7523).
const JWTBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientStore is the persistence surface for client resolution.
type ClientStore interface {
	GetClientByClientID(ctx context.Context, clientID string) (*models.Client, error)
}

// ClientAuthenticator resolves and authenticates the calling client.
// Resolution order: JWT client assertion, HTTP Basic, form credentials, and
// finally bare client_id for PUBLIC clients.
type ClientAuthenticator struct {
	store            ClientStore
	cache            cache.Cache
	clientCacheTTL   time.Duration
	tokenEndpointURL string
	logger           *zap.Logger

	// bcrypt comparison is deliberately CPU-heavy; the semaphore keeps a
	// burst of token requests from saturating every core.
	hashSem *semaphore.Weighted
}

// NewClientAuthenticator creates a new client authenticator
func NewClientAuthenticator(store ClientStore, cache cache.Cache, clientCacheTTL time.Duration, tokenEndpointURL string, hashWorkers int64, logger *zap.Logger) *ClientAuthenticator {
	if hashWorkers <= 0 {
		hashWorkers = 8
	}
	return &ClientAuthenticator{
		store:            store,
		cache:            cache,
		clientCacheTTL:   clientCacheTTL,
		tokenEndpointURL: tokenEndpointURL,
		logger:           logger,
		hashSem:          semaphore.NewWeighted(hashWorkers),
	}
}

// Authenticate authenticates the client behind an already-parsed form
// request. It returns the client on success and invalid_client otherwise.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*models.Client, error) {
	if assertion := r.PostFormValue("client_assertion"); assertion != "" {
		if r.PostFormValue("client_assertion_type") != JWTBearerAssertionType {
			return nil, oautherr.WithDescription(oautherr.ErrInvalidClient, "unsupported client_assertion_type")
		}
		return a.authenticateAssertion(ctx, assertion)
	}

	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		return a.authenticateSecret(ctx, basicID, basicSecret)
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if clientID == "" {
		return nil, oautherr.WithDescription(oautherr.ErrInvalidClient, "no client credentials presented")
	}
	if clientSecret != "" {
		return a.authenticateSecret(ctx, clientID, clientSecret)
	}
	return a.authenticatePublic(ctx, clientID)
}

// authenticateAssertion verifies a signed JWT client assertion against the
// client's registered JWKS endpoint. The assertion must carry the client_id
// as both issuer and subject and the token endpoint URL as audience.
func (a *ClientAuthenticator) authenticateAssertion(ctx context.Context, assertion string) (*models.Client, error) {
	// First pass without verification, only to learn which client to load.
	parser := jwt.NewParser()
	unverified := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(assertion, unverified); err != nil {
		return nil, oautherr.Wrap(err, oautherr.ErrInvalidClient)
	}

	iss, _ := unverified["iss"].(string)
	sub, _ := unverified["sub"].(string)
	if iss == "" || iss != sub {
		return nil, oautherr.WithDescription(oautherr.ErrInvalidClient, "assertion iss and sub must both be the client_id")
	}

	client, err := a.resolveClient(ctx, iss)
	if err != nil {
		return nil, err
	}
	if client.JWKSURI == "" {
		return nil, oautherr.WithDescription(oautherr.ErrInvalidClient, "client has no registered jwks_uri")
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{client.JWKSURI})
	if err != nil {
		a.logger.Error("Failed to fetch client JWKS", zap.String("client_id", client.ClientID), zap.Error(err))
		return nil, oautherr.Wrap(err, oautherr.ErrInvalidClient)
	}

	token, err := jwt.Parse(assertion, jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(client.ClientID),
		jwt.WithSubject(client.ClientID),
		jwt.WithAudience(a.tokenEndpointURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, oautherr.Wrap(err, oautherr.ErrInvalidClient)
	}
	if !token.Valid {
		return nil, oautherr.WithDescription(oautherr.ErrInvalidClient, "client assertion is not valid")
	}

	return client, nil
}

// authenticateSecret verifies a client secret against the stored bcrypt hash.
func (a *ClientAuthenticator) authenticateSecret(ctx context.Context, clientID, clientSecret string) (*models.Client, error) {
	client, err := a.resolveClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	// A PUBLIC client never holds a usable secret; presenting one is a
	// misconfigured or hostile caller.
	if client.ClientType == models.ClientTypePublic {
		return nil, oautherr.WithDescription(oautherr.ErrInvalidClient, "public clients must not present a secret")
	}
	if client.ClientSecretHash == "" {
		return nil, oautherr.WithDescription(oautherr.ErrInvalidClient, "client has no secret configured")
	}

	if err := a.compareSecret(ctx, client.ClientSecretHash, clientSecret); err != nil {
		return nil, oautherr.Wrap(err, oautherr.ErrInvalidClient)
	}

	return client, nil
}

// authenticatePublic permits credential-less authentication for PUBLIC
// clients only. A CONFIDENTIAL client presenting nothing is rejected.
func (a *ClientAuthenticator) authenticatePublic(ctx context.Context, clientID string) (*models.Client, error) {
	client, err := a.resolveClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.ClientType != models.ClientTypePublic {
		return nil, oautherr.WithDescription(oautherr.ErrInvalidClient, "confidential clients must authenticate")
	}
	return client, nil
}

// resolveClient loads an active client, consulting the cache first.
func (a *ClientAuthenticator) resolveClient(ctx context.Context, clientID string) (*models.Client, error) {
	client, err := a.cache.GetClient(ctx, clientID)
	if err != nil {
		a.logger.Warn("Failed to get client from cache", zap.String("client_id", clientID), zap.Error(err))
	}

	if client == nil {
		client, err = a.store.GetClientByClientID(ctx, clientID)
		if err != nil {
			a.logger.Error("Failed to get client from database", zap.String("client_id", clientID), zap.Error(err))
			return nil, oautherr.Wrap(err, oautherr.ErrServerError)
		}
		if client == nil {
			return nil, oautherr.ErrInvalidClient
		}
		if err := a.cache.SetClient(ctx, client, a.clientCacheTTL); err != nil {
			a.logger.Warn("Failed to cache client", zap.Error(err))
		}
	}

	if !client.IsActive {
		return nil, oautherr.ErrInvalidClient
	}
	return client, nil
}

func (a *ClientAuthenticator) compareSecret(ctx context.Context, hash, secret string) error {
	if err := a.hashSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("cancelled while waiting for hash worker: %w", err)
	}
	defer a.hashSem.Release(1)

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}
