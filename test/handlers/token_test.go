package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"oauth-service/internal/audit"
	"oauth-service/internal/auth"
	"oauth-service/internal/authcode"
	"oauth-service/internal/config"
	"oauth-service/internal/handlers"
	"oauth-service/internal/models"
	"oauth-service/internal/pkce"
	"oauth-service/internal/scope"
	"oauth-service/test/helpers"
	"oauth-service/test/mocks"
)

type tokenFixture struct {
	repo    *mocks.MockRepository
	cache   *mocks.MockCache
	km      *auth.KeyManager
	issuer  *auth.Issuer
	handler *handlers.TokenHandler
	cfg     *config.Config
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()

	mockRepo := new(mocks.MockRepository)
	mockCache := new(mocks.MockCache)
	logger := zap.NewNop()

	km := helpers.NewTestKeyManager(t)

	cfg := &config.Config{
		AccessTokenTTL:     time.Hour,
		RefreshTokenTTL:    24 * time.Hour,
		IDTokenTTL:         time.Hour,
		AuthCodeTTL:        10 * time.Minute,
		ClientCacheTTL:     15 * time.Minute,
		PermissionCacheTTL: 15 * time.Minute,
		RateLimitDefault:   100,
		RateLimitWindow:    time.Minute,
		JWTIssuer:          "https://auth.example.com",
		JWTAudience:        "api",
		BaseURL:            "https://auth.example.com",
	}

	issuer := auth.NewIssuer(km, cfg.JWTIssuer, cfg.JWTAudience)
	verifier := auth.NewVerifier(km, cfg.JWTIssuer, cfg.JWTAudience, mockCache)
	clientAuth := auth.NewClientAuthenticator(mockRepo, mockCache, cfg.ClientCacheTTL, cfg.TokenEndpointURL(), 2, logger)
	codes := authcode.NewService(mockRepo, cfg.AuthCodeTTL, logger)
	evaluator := scope.NewEvaluator(mockRepo, mockCache, cfg.PermissionCacheTTL, logger)
	recorder := audit.NewRecorder(mockRepo, logger)

	handler := handlers.NewTokenHandler(mockRepo, mockCache, issuer, verifier, clientAuth, codes, evaluator, recorder, cfg, logger)

	// Audit persistence runs on every path.
	mockRepo.On("InsertAuditEvent", mock.Anything, mock.AnythingOfType("*models.AuditEvent")).Return(nil).Maybe()

	return &tokenFixture{
		repo:    mockRepo,
		cache:   mockCache,
		km:      km,
		issuer:  issuer,
		handler: handler,
		cfg:     cfg,
	}
}

func (f *tokenFixture) post(form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/oauth/token", nil)
	req.PostForm = form
	rr := httptest.NewRecorder()
	f.handler.HandleToken(rr, req)
	return rr
}

func confidentialClient(t *testing.T, secret string, grantTypes ...string) *models.Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return &models.Client{
		ClientID:         "client-1",
		ClientSecretHash: string(hash),
		ClientType:       models.ClientTypeConfidential,
		GrantTypes:       grantTypes,
		AllowedScopes:    []string{"openid", "profile", "sessions:read"},
		RedirectURIs:     []string{"https://app.example.com/callback"},
		RateLimit:        100,
		IsActive:         true,
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body["error"]
}

func TestHandleToken_ClientCredentials(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantClientCredentials)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)
	f.repo.On("ListActiveScopes", mock.Anything).Return([]models.Scope{
		{Name: "openid", IsActive: true},
		{Name: "profile", IsActive: true},
		{Name: "sessions:read", IsActive: true},
	}, nil)

	var record *models.TokenRecord
	f.repo.On("CreateTokenRecord", mock.Anything, mock.AnythingOfType("*models.TokenRecord")).
		Run(func(args mock.Arguments) { record = args.Get(1).(*models.TokenRecord) }).Return(nil)

	rr := f.post(url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"scope":         {"sessions:read"},
	})

	assert.Equal(t, http.StatusOK, rr.Code)

	var response models.TokenResponse
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.NotEmpty(t, response.AccessToken)
	assert.Empty(t, response.RefreshToken)
	assert.Empty(t, response.IDToken)
	assert.Equal(t, "Bearer", response.TokenType)
	assert.Equal(t, "sessions:read", response.Scope)

	// The stored record carries the hash, never the token itself.
	assert.Equal(t, auth.TokenHash(response.AccessToken), record.TokenHash)
	assert.Equal(t, models.TokenKindAccess, record.Kind)
	assert.Empty(t, record.UserID)

	// sub equals client_id and the permission snapshot is empty.
	claims := &auth.AccessTokenClaims{}
	_, err := jwt.ParseWithClaims(response.AccessToken, claims, func(token *jwt.Token) (interface{}, error) {
		return f.km.GetPrivateKey().Public(), nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "client-1", claims.Subject)
	assert.Empty(t, claims.Permissions)

	f.repo.AssertExpectations(t)
}

func TestHandleToken_ClientCredentials_PublicClientRejected(t *testing.T) {
	f := newTokenFixture(t)

	public := &models.Client{
		ClientID:   "spa-client",
		ClientType: models.ClientTypePublic,
		GrantTypes: []string{models.GrantClientCredentials},
		RateLimit:  100,
		IsActive:   true,
	}
	f.cache.On("GetClient", mock.Anything, "spa-client").Return(public, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "spa-client", 100, time.Minute).Return(false, nil)

	rr := f.post(url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"spa-client"},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unauthorized_client", errorCode(t, rr))
}

func TestHandleToken_UnregisteredGrantType(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantAuthorizationCode)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	rr := f.post(url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unauthorized_client", errorCode(t, rr))
}

func TestHandleToken_UnsupportedGrantType(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", "password")
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	rr := f.post(url.Values{
		"grant_type":    {"password"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unsupported_grant_type", errorCode(t, rr))
}

func TestHandleToken_InvalidClient(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantClientCredentials)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)

	rr := f.post(url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"client-1"},
		"client_secret": {"wrong"},
	})

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_client", errorCode(t, rr))
}

func TestHandleToken_RateLimited(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantClientCredentials)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(true, nil)

	rr := f.post(url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
	})

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestHandleToken_AuthorizationCode(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantAuthorizationCode)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	verifier, _ := pkce.GenerateCodeVerifier()
	code := &models.AuthorizationCode{
		Code:          "code-1",
		ClientID:      "client-1",
		UserID:        "user-1",
		RedirectURI:   "https://app.example.com/callback",
		Scope:         "openid profile",
		CodeChallenge: pkce.ChallengeFromVerifier(verifier),
		Nonce:         "nonce-1",
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	f.repo.On("GetAuthCode", mock.Anything, "code-1").Return(code, nil)
	f.repo.On("ConsumeAuthCode", mock.Anything, "code-1").Return(true, nil)

	user := &models.User{
		ID:        "user-1",
		Username:  "ada",
		Name:      "Ada Lovelace",
		GivenName: "Ada",
		IsActive:  true,
	}
	f.repo.On("GetUserByID", mock.Anything, "user-1").Return(user, nil)
	f.cache.On("GetPermissions", mock.Anything, "user-1").Return([]string{"sessions:read"}, true, nil)

	var records []*models.TokenRecord
	f.repo.On("CreateTokenRecord", mock.Anything, mock.AnythingOfType("*models.TokenRecord")).
		Run(func(args mock.Arguments) { records = append(records, args.Get(1).(*models.TokenRecord)) }).Return(nil)

	rr := f.post(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	})

	assert.Equal(t, http.StatusOK, rr.Code)

	var response models.TokenResponse
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.NotEmpty(t, response.AccessToken)
	assert.NotEmpty(t, response.RefreshToken)
	assert.NotEmpty(t, response.IDToken)
	assert.Equal(t, "openid profile", response.Scope)

	// Two records: one access, one refresh, both linked to the code.
	assert.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, "code-1", record.CodeID)
		assert.Equal(t, "user-1", record.UserID)
	}

	// The access token carries the permission snapshot; the ID token the
	// nonce from the authorization request.
	accessClaims := &auth.AccessTokenClaims{}
	_, err := jwt.ParseWithClaims(response.AccessToken, accessClaims, func(token *jwt.Token) (interface{}, error) {
		return f.km.GetPrivateKey().Public(), nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"sessions:read"}, accessClaims.Permissions)

	idClaims := &auth.IDTokenClaims{}
	_, err = jwt.ParseWithClaims(response.IDToken, idClaims, func(token *jwt.Token) (interface{}, error) {
		return f.km.GetPrivateKey().Public(), nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "nonce-1", idClaims.Nonce)
	assert.Equal(t, "Ada Lovelace", idClaims.Name)
}

func TestHandleToken_AuthorizationCode_WrongVerifier(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantAuthorizationCode)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	goodVerifier, _ := pkce.GenerateCodeVerifier()
	badVerifier, _ := pkce.GenerateCodeVerifier()
	code := &models.AuthorizationCode{
		Code:          "code-1",
		ClientID:      "client-1",
		UserID:        "user-1",
		RedirectURI:   "https://app.example.com/callback",
		Scope:         "openid",
		CodeChallenge: pkce.ChallengeFromVerifier(goodVerifier),
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	f.repo.On("GetAuthCode", mock.Anything, "code-1").Return(code, nil)

	rr := f.post(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {badVerifier},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_grant", errorCode(t, rr))
	f.repo.AssertNotCalled(t, "CreateTokenRecord", mock.Anything, mock.Anything)
}

func TestHandleToken_AuthorizationCode_VerifierRequiredByRegistration(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantAuthorizationCode)
	client.RequirePKCE = true
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	rr := f.post(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://app.example.com/callback"},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rr))
	f.repo.AssertNotCalled(t, "GetAuthCode", mock.Anything, mock.Anything)
}

func TestHandleToken_CodeReplayRevokesIssuedTokens(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantAuthorizationCode)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	verifier, _ := pkce.GenerateCodeVerifier()
	used := &models.AuthorizationCode{
		Code:     "code-1",
		ClientID: "client-1",
		UserID:   "user-1",
		IsUsed:   true,
	}
	f.repo.On("GetAuthCode", mock.Anything, "code-1").Return(used, nil)
	f.repo.On("DeleteAuthCode", mock.Anything, "code-1").Return(nil)

	issued := []models.TokenRecord{
		{ID: "tok-1", JTI: "jti-1", ExpiresAt: time.Now().Add(time.Hour)},
		{ID: "tok-2", JTI: "jti-2", ExpiresAt: time.Now().Add(24 * time.Hour)},
	}
	f.repo.On("RevokeTokensByCodeID", mock.Anything, "code-1").Return(issued, nil)
	f.cache.On("RevokeJTI", mock.Anything, "jti-1", mock.AnythingOfType("time.Duration")).Return(nil)
	f.cache.On("RevokeJTI", mock.Anything, "jti-2", mock.AnythingOfType("time.Duration")).Return(nil)

	rr := f.post(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	})

	// The response gives an attacker nothing beyond invalid_grant.
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_grant", errorCode(t, rr))

	f.repo.AssertExpectations(t)
	f.cache.AssertExpectations(t)
}

func refreshSetup(t *testing.T, f *tokenFixture, scope string) (string, *models.TokenRecord) {
	t.Helper()

	refreshToken, jti, err := f.issuer.RefreshToken("user-1", "client-1", scope, 24*time.Hour)
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	stored := &models.TokenRecord{
		ID:        "tok-old",
		TokenHash: auth.TokenHash(refreshToken),
		Kind:      models.TokenKindRefresh,
		JTI:       jti,
		ClientID:  "client-1",
		UserID:    "user-1",
		Scope:     scope,
		CodeID:    "code-1",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	return refreshToken, stored
}

func TestHandleToken_RefreshRotation(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantRefreshToken)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	refreshToken, stored := refreshSetup(t, f, "openid profile")

	f.cache.On("IsJTIRevoked", mock.Anything, stored.JTI).Return(false, nil)
	f.repo.On("GetTokenByHash", mock.Anything, stored.TokenHash).Return(stored, nil)
	f.cache.On("GetPermissions", mock.Anything, "user-1").Return([]string{"sessions:read"}, true, nil)

	var newRefresh, newAccess *models.TokenRecord
	f.repo.On("RotateRefreshToken", mock.Anything, "tok-old",
		mock.AnythingOfType("*models.TokenRecord"), mock.AnythingOfType("*models.TokenRecord")).
		Run(func(args mock.Arguments) {
			newRefresh = args.Get(2).(*models.TokenRecord)
			newAccess = args.Get(3).(*models.TokenRecord)
		}).Return(nil)
	f.cache.On("RevokeJTI", mock.Anything, stored.JTI, mock.AnythingOfType("time.Duration")).Return(nil)

	rr := f.post(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {refreshToken},
	})

	assert.Equal(t, http.StatusOK, rr.Code)

	var response models.TokenResponse
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.NotEmpty(t, response.AccessToken)
	assert.NotEmpty(t, response.RefreshToken)
	assert.NotEqual(t, refreshToken, response.RefreshToken)
	assert.Equal(t, "openid profile", response.Scope)

	// The replacement refresh record links back to the rotated one.
	assert.Equal(t, "tok-old", newRefresh.PreviousTokenID)
	assert.Equal(t, models.TokenKindRefresh, newRefresh.Kind)
	assert.Equal(t, models.TokenKindAccess, newAccess.Kind)
	assert.Equal(t, auth.TokenHash(response.RefreshToken), newRefresh.TokenHash)

	f.cache.AssertExpectations(t)
}

func TestHandleToken_RefreshScopeNarrowing(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantRefreshToken)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	refreshToken, stored := refreshSetup(t, f, "openid profile")

	f.cache.On("IsJTIRevoked", mock.Anything, stored.JTI).Return(false, nil)
	f.repo.On("GetTokenByHash", mock.Anything, stored.TokenHash).Return(stored, nil)
	f.cache.On("GetPermissions", mock.Anything, "user-1").Return([]string{}, true, nil)
	f.repo.On("RotateRefreshToken", mock.Anything, "tok-old",
		mock.AnythingOfType("*models.TokenRecord"), mock.AnythingOfType("*models.TokenRecord")).Return(nil)
	f.cache.On("RevokeJTI", mock.Anything, stored.JTI, mock.AnythingOfType("time.Duration")).Return(nil)

	rr := f.post(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {refreshToken},
		"scope":         {"openid"},
	})

	assert.Equal(t, http.StatusOK, rr.Code)

	var response models.TokenResponse
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "openid", response.Scope)
}

func TestHandleToken_RefreshScopeWideningRejected(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantRefreshToken)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	refreshToken, stored := refreshSetup(t, f, "openid")

	f.cache.On("IsJTIRevoked", mock.Anything, stored.JTI).Return(false, nil)
	f.repo.On("GetTokenByHash", mock.Anything, stored.TokenHash).Return(stored, nil)

	rr := f.post(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {refreshToken},
		"scope":         {"openid profile"},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_scope", errorCode(t, rr))
	f.repo.AssertNotCalled(t, "RotateRefreshToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleToken_RefreshReuseRevokesChain(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantRefreshToken)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	refreshToken, stored := refreshSetup(t, f, "openid")
	stored.IsRevoked = true

	f.cache.On("IsJTIRevoked", mock.Anything, stored.JTI).Return(false, nil)
	f.repo.On("GetTokenByHash", mock.Anything, stored.TokenHash).Return(stored, nil)

	chain := []models.TokenRecord{
		{ID: "tok-old", JTI: stored.JTI, ExpiresAt: stored.ExpiresAt},
		{ID: "tok-new", JTI: "jti-new", ExpiresAt: time.Now().Add(24 * time.Hour)},
	}
	f.repo.On("RevokeRefreshChain", mock.Anything, "tok-old").Return(chain, nil)
	f.cache.On("RevokeJTI", mock.Anything, stored.JTI, mock.AnythingOfType("time.Duration")).Return(nil)
	f.cache.On("RevokeJTI", mock.Anything, "jti-new", mock.AnythingOfType("time.Duration")).Return(nil)

	rr := f.post(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {refreshToken},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_grant", errorCode(t, rr))

	f.repo.AssertExpectations(t)
	f.cache.AssertExpectations(t)
}

func TestHandleToken_RefreshClientMismatch(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantRefreshToken)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	// Token minted for a different client.
	otherToken, jti, err := f.issuer.RefreshToken("user-1", "client-2", "openid", 24*time.Hour)
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	f.cache.On("IsJTIRevoked", mock.Anything, jti).Return(false, nil)

	rr := f.post(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {otherToken},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_grant", errorCode(t, rr))
	f.repo.AssertNotCalled(t, "GetTokenByHash", mock.Anything, mock.Anything)
}

func TestHandleToken_MissingGrantType(t *testing.T) {
	f := newTokenFixture(t)

	client := confidentialClient(t, "s3cret", models.GrantClientCredentials)
	f.cache.On("GetClient", mock.Anything, "client-1").Return(client, nil)
	f.cache.On("CheckRateLimit", mock.Anything, "client-1", 100, time.Minute).Return(false, nil)

	rr := f.post(url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rr))
}
