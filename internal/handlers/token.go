package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oauth-service/internal/audit"
	"oauth-service/internal/auth"
	"oauth-service/internal/authcode"
	"oauth-service/internal/cache"
	"oauth-service/internal/config"
	"oauth-service/internal/database"
	"oauth-service/internal/models"
	"oauth-service/internal/scope"
	"oauth-service/pkg/oautherr"
)

const openidScope = "openid"

// TokenHandler handles OAuth2 token requests
type TokenHandler struct {
	repo       database.Repository
	cache      cache.Cache
	issuer     *auth.Issuer
	verifier   *auth.Verifier
	clientAuth *auth.ClientAuthenticator
	codes      *authcode.Service
	scopes     *scope.Evaluator
	recorder   *audit.Recorder
	config     *config.Config
	logger     *zap.Logger
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(
	repo database.Repository,
	cache cache.Cache,
	issuer *auth.Issuer,
	verifier *auth.Verifier,
	clientAuth *auth.ClientAuthenticator,
	codes *authcode.Service,
	scopes *scope.Evaluator,
	recorder *audit.Recorder,
	config *config.Config,
	logger *zap.Logger,
) *TokenHandler {
	return &TokenHandler{
		repo:       repo,
		cache:      cache,
		issuer:     issuer,
		verifier:   verifier,
		clientAuth: clientAuth,
		codes:      codes,
		scopes:     scopes,
		recorder:   recorder,
		config:     config,
		logger:     logger,
	}
}

// HandleToken handles POST /oauth/token
// @Summary     Exchange a grant for tokens
// @Description Issues access, refresh, and ID tokens for the authorization_code, refresh_token, and client_credentials grant types.
// @Tags        oauth2
// @Accept      application/x-www-form-urlencoded
// @Produce     application/json
// @Param       grant_type    formData string true  "Grant type: authorization_code, refresh_token, or client_credentials"
// @Param       code          formData string false "Authorization code (authorization_code grant)"
// @Param       redirect_uri  formData string false "Redirect URI used at authorization (authorization_code grant)"
// @Param       code_verifier formData string false "PKCE code verifier (authorization_code grant)"
// @Param       refresh_token formData string false "Refresh token (refresh_token grant)"
// @Param       scope         formData string false "Requested scope"
// @Param       client_id     formData string false "Client ID"
// @Param       client_secret formData string false "Client secret"
// @Success     200 {object}  models.TokenResponse
// @Failure     400 {object}  map[string]string
// @Failure     401 {object}  map[string]string
// @Failure     500 {object}  map[string]string
// @Router      /oauth/token [post]
func (h *TokenHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrInvalidRequest))
		return
	}

	client, err := h.clientAuth.Authenticate(ctx, r)
	if err != nil {
		ip, userAgent := audit.RequestInfo(r)
		h.recorder.Record(ctx, audit.Event{
			Action: audit.ActionTokenGrant, Actor: r.PostFormValue("client_id"),
			Resource: "client", IP: ip, UserAgent: userAgent,
			Success: false, Error: err.Error(),
			Metadata: map[string]interface{}{"grant_type": r.PostFormValue("grant_type")},
		})
		h.sendServiceError(w, err)
		return
	}

	limit := client.RateLimit
	if limit <= 0 {
		limit = h.config.RateLimitDefault
	}
	exceeded, err := h.cache.CheckRateLimit(ctx, client.ClientID, limit, h.config.RateLimitWindow)
	if err != nil {
		h.logger.Error("Rate limit check failed", zap.Error(err))
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}
	if exceeded {
		h.sendError(w, oautherr.ErrRateLimitExceeded)
		return
	}

	grantType := r.FormValue("grant_type")

	if grantType != "" && !client.HasGrantType(grantType) {
		h.auditGrant(ctx, r, client, grantType, false, "grant type not registered for client", nil)
		h.sendError(w, oautherr.ErrUnauthorizedClient)
		return
	}

	switch grantType {
	case models.GrantAuthorizationCode:
		h.handleAuthorizationCode(ctx, w, r, client)
	case models.GrantRefreshToken:
		h.handleRefreshToken(ctx, w, r, client)
	case models.GrantClientCredentials:
		h.handleClientCredentials(ctx, w, r, client)
	case "":
		h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "grant_type is required"))
	default:
		h.sendError(w, oautherr.ErrUnsupportedGrantType)
	}
}

func (h *TokenHandler) handleAuthorizationCode(ctx context.Context, w http.ResponseWriter, r *http.Request, client *models.Client) {
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	codeVerifier := r.PostFormValue("code_verifier")

	if code == "" || redirectURI == "" {
		h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "code and redirect_uri are required"))
		return
	}
	if codeVerifier == "" && (client.RequirePKCE || client.ClientType == models.ClientTypePublic) {
		h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "code_verifier is required"))
		return
	}

	record, err := h.codes.Validate(ctx, code, client.ClientID, redirectURI, codeVerifier)
	if err != nil {
		var vErr *authcode.ValidationError
		if errors.As(err, &vErr) {
			if vErr.IsReplay() && record != nil {
				h.revokeCodeTokens(ctx, r, client, record)
			}
			h.auditGrant(ctx, r, client, models.GrantAuthorizationCode, false, vErr.Reason, nil)
			// A single invalid_grant for every reason: no oracle for
			// attackers probing stolen codes.
			h.sendError(w, oautherr.ErrInvalidGrant)
			return
		}
		h.logger.Error("Authorization code validation failed", zap.Error(err))
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}

	user, err := h.repo.GetUserByID(ctx, record.UserID)
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}
	if user == nil || !user.IsActive {
		h.auditGrant(ctx, r, client, models.GrantAuthorizationCode, false, "user missing or inactive", nil)
		h.sendError(w, oautherr.ErrInvalidGrant)
		return
	}

	grantedScopes := scope.Parse(record.Scope)

	permissions, err := h.scopes.EffectivePermissions(ctx, user.ID)
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}

	accessTTL := client.TokenTTLOr(h.config.AccessTokenTTL)
	refreshTTL := client.RefreshTTLOr(h.config.RefreshTokenTTL)

	accessToken, accessJTI, err := h.issuer.AccessToken(user.ID, client.ClientID, record.Scope, permissions, accessTTL)
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrConfiguration))
		return
	}
	refreshToken, refreshJTI, err := h.issuer.RefreshToken(user.ID, client.ClientID, record.Scope, refreshTTL)
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrConfiguration))
		return
	}

	now := time.Now()
	accessRecord := &models.TokenRecord{
		ID:        uuid.New().String(),
		TokenHash: auth.TokenHash(accessToken),
		Kind:      models.TokenKindAccess,
		JTI:       accessJTI,
		ClientID:  client.ClientID,
		UserID:    user.ID,
		Scope:     record.Scope,
		CodeID:    record.Code,
		ExpiresAt: now.Add(accessTTL),
		CreatedAt: now,
	}
	refreshRecord := &models.TokenRecord{
		ID:        uuid.New().String(),
		TokenHash: auth.TokenHash(refreshToken),
		Kind:      models.TokenKindRefresh,
		JTI:       refreshJTI,
		ClientID:  client.ClientID,
		UserID:    user.ID,
		Scope:     record.Scope,
		CodeID:    record.Code,
		ExpiresAt: now.Add(refreshTTL),
		CreatedAt: now,
	}

	// The code is already consumed; a storage failure here fails closed and
	// the user restarts from /authorize. Deliberately no retry: retrying
	// risks double issuance.
	if err := h.repo.CreateTokenRecord(ctx, accessRecord); err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}
	if err := h.repo.CreateTokenRecord(ctx, refreshRecord); err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}

	response := &models.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        record.Scope,
	}

	if scope.HasAll(grantedScopes, []string{openidScope}) {
		idToken, err := h.issuer.IDToken(auth.IDTokenSubject{
			UserID:     user.ID,
			Name:       user.Name,
			GivenName:  user.GivenName,
			FamilyName: user.FamilyName,
			Picture:    user.Picture,
		}, client.ClientID, record.Nonce, h.config.IDTokenTTL)
		if err != nil {
			h.sendError(w, oautherr.Wrap(err, oautherr.ErrConfiguration))
			return
		}
		response.IDToken = idToken
	}

	h.auditGrant(ctx, r, client, models.GrantAuthorizationCode, true, "", map[string]interface{}{
		"user_id": user.ID,
		"scope":   record.Scope,
		"jti":     accessJTI,
	})

	h.sendJSON(w, http.StatusOK, response)
}

func (h *TokenHandler) handleRefreshToken(ctx context.Context, w http.ResponseWriter, r *http.Request, client *models.Client) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "refresh_token is required"))
		return
	}

	claims, err := h.verifier.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		h.logger.Debug("Refresh token failed structural verification", zap.Error(err))
		h.auditGrant(ctx, r, client, models.GrantRefreshToken, false, "structural verification failed", nil)
		h.sendError(w, oautherr.ErrInvalidGrant)
		return
	}
	if claims.ClientID != client.ClientID {
		h.logger.Debug("Refresh token client mismatch",
			zap.String("token_client_id", claims.ClientID),
			zap.String("request_client_id", client.ClientID))
		h.auditGrant(ctx, r, client, models.GrantRefreshToken, false, "client mismatch in claims", nil)
		h.sendError(w, oautherr.ErrInvalidGrant)
		return
	}

	stored, err := h.repo.GetTokenByHash(ctx, auth.TokenHash(refreshToken))
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}
	if stored == nil {
		h.logger.Debug("Refresh token has no stored record", zap.String("jti", claims.ID))
		h.auditGrant(ctx, r, client, models.GrantRefreshToken, false, "no stored record", nil)
		h.sendError(w, oautherr.ErrInvalidGrant)
		return
	}
	if stored.IsRevoked {
		// Reuse of an already-rotated token: theft signal. Kill the chain.
		h.revokeRefreshChain(ctx, r, client, stored)
		h.sendError(w, oautherr.ErrInvalidGrant)
		return
	}
	if stored.ExpiresAt.Before(time.Now()) {
		h.logger.Debug("Refresh token expired in store", zap.String("token_id", stored.ID))
		h.auditGrant(ctx, r, client, models.GrantRefreshToken, false, "expired record", nil)
		h.sendError(w, oautherr.ErrInvalidGrant)
		return
	}
	if stored.ClientID != client.ClientID {
		h.logger.Debug("Refresh token record owned by another client", zap.String("token_id", stored.ID))
		h.auditGrant(ctx, r, client, models.GrantRefreshToken, false, "client mismatch in record", nil)
		h.sendError(w, oautherr.ErrInvalidGrant)
		return
	}

	// Scope may narrow, never widen.
	grantedScopes := scope.Parse(stored.Scope)
	requestedScope := stored.Scope
	if requested := r.PostFormValue("scope"); requested != "" {
		requestedScopes := scope.Parse(requested)
		if !scope.Subset(requestedScopes, grantedScopes) {
			h.auditGrant(ctx, r, client, models.GrantRefreshToken, false, "scope widening rejected", map[string]interface{}{
				"requested": requested, "granted": stored.Scope,
			})
			h.sendError(w, oautherr.ErrInvalidScope)
			return
		}
		requestedScope = scope.Format(requestedScopes)
	}

	permissions := []string{}
	if stored.UserID != "" {
		permissions, err = h.scopes.EffectivePermissions(ctx, stored.UserID)
		if err != nil {
			h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
			return
		}
	}

	sub := stored.UserID
	if sub == "" {
		sub = client.ClientID
	}

	accessTTL := client.TokenTTLOr(h.config.AccessTokenTTL)
	refreshTTL := client.RefreshTTLOr(h.config.RefreshTokenTTL)

	newAccess, accessJTI, err := h.issuer.AccessToken(sub, client.ClientID, requestedScope, permissions, accessTTL)
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrConfiguration))
		return
	}
	newRefresh, refreshJTI, err := h.issuer.RefreshToken(sub, client.ClientID, requestedScope, refreshTTL)
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrConfiguration))
		return
	}

	now := time.Now()
	accessRecord := &models.TokenRecord{
		ID:        uuid.New().String(),
		TokenHash: auth.TokenHash(newAccess),
		Kind:      models.TokenKindAccess,
		JTI:       accessJTI,
		ClientID:  client.ClientID,
		UserID:    stored.UserID,
		Scope:     requestedScope,
		CodeID:    stored.CodeID,
		ExpiresAt: now.Add(accessTTL),
		CreatedAt: now,
	}
	refreshRecord := &models.TokenRecord{
		ID:              uuid.New().String(),
		TokenHash:       auth.TokenHash(newRefresh),
		Kind:            models.TokenKindRefresh,
		JTI:             refreshJTI,
		ClientID:        client.ClientID,
		UserID:          stored.UserID,
		Scope:           requestedScope,
		CodeID:          stored.CodeID,
		PreviousTokenID: stored.ID,
		ExpiresAt:       now.Add(refreshTTL),
		CreatedAt:       now,
	}

	// One transaction: revoke old, insert replacements. A partial failure
	// leaves the old token valid and issues nothing.
	if err := h.repo.RotateRefreshToken(ctx, stored.ID, refreshRecord, accessRecord); err != nil {
		if errors.Is(err, database.ErrRefreshTokenRotated) {
			h.revokeRefreshChain(ctx, r, client, stored)
			h.sendError(w, oautherr.ErrInvalidGrant)
			return
		}
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}

	// The rotated-out token stays signature-valid until exp; blacklist its
	// jti so replay fails everywhere, not only at the hash lookup.
	if ttl := time.Until(stored.ExpiresAt); ttl > 0 {
		if err := h.cache.RevokeJTI(ctx, stored.JTI, ttl); err != nil {
			h.logger.Warn("Failed to blacklist rotated refresh token", zap.Error(err))
		}
	}

	h.auditGrant(ctx, r, client, models.GrantRefreshToken, true, "", map[string]interface{}{
		"user_id":      stored.UserID,
		"scope":        requestedScope,
		"rotated_from": stored.ID,
		"jti":          accessJTI,
	})

	h.sendJSON(w, http.StatusOK, &models.TokenResponse{
		AccessToken:  newAccess,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTTL.Seconds()),
		RefreshToken: newRefresh,
		Scope:        requestedScope,
	})
}

func (h *TokenHandler) handleClientCredentials(ctx context.Context, w http.ResponseWriter, r *http.Request, client *models.Client) {
	if client.ClientType == models.ClientTypePublic {
		h.auditGrant(ctx, r, client, models.GrantClientCredentials, false, "public client forbidden", nil)
		h.sendError(w, oautherr.ErrUnauthorizedClient)
		return
	}

	requested := scope.Parse(r.PostFormValue("scope"))
	if len(requested) == 0 {
		requested = client.AllowedScopes
	}
	if err := h.scopes.ValidateForClient(ctx, requested, client); err != nil {
		h.auditGrant(ctx, r, client, models.GrantClientCredentials, false, "invalid scope", map[string]interface{}{
			"requested": scope.Format(requested),
		})
		h.sendServiceError(w, err)
		return
	}
	grantedScope := scope.Format(requested)

	accessTTL := client.TokenTTLOr(h.config.AccessTokenTTL)

	// Client-only token: sub is the client, no user identity, no
	// permissions snapshot, and no refresh token.
	accessToken, jti, err := h.issuer.AccessToken(client.ClientID, client.ClientID, grantedScope, []string{}, accessTTL)
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrConfiguration))
		return
	}

	now := time.Now()
	if err := h.repo.CreateTokenRecord(ctx, &models.TokenRecord{
		ID:        uuid.New().String(),
		TokenHash: auth.TokenHash(accessToken),
		Kind:      models.TokenKindAccess,
		JTI:       jti,
		ClientID:  client.ClientID,
		Scope:     grantedScope,
		ExpiresAt: now.Add(accessTTL),
		CreatedAt: now,
	}); err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}

	h.auditGrant(ctx, r, client, models.GrantClientCredentials, true, "", map[string]interface{}{
		"scope": grantedScope,
		"jti":   jti,
	})

	h.sendJSON(w, http.StatusOK, &models.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessTTL.Seconds()),
		Scope:       grantedScope,
	})
}

// revokeCodeTokens is the cascading response to a replayed authorization
// code: every token issued from the code is revoked and blacklisted.
func (h *TokenHandler) revokeCodeTokens(ctx context.Context, r *http.Request, client *models.Client, code *models.AuthorizationCode) {
	revoked, err := h.repo.RevokeTokensByCodeID(ctx, code.Code)
	if err != nil {
		h.logger.Error("Failed cascading revocation for replayed code", zap.Error(err))
	}
	for _, record := range revoked {
		if ttl := time.Until(record.ExpiresAt); ttl > 0 {
			if err := h.cache.RevokeJTI(ctx, record.JTI, ttl); err != nil {
				h.logger.Warn("Failed to blacklist token from replayed code", zap.String("jti", record.JTI), zap.Error(err))
			}
		}
	}

	ip, userAgent := audit.RequestInfo(r)
	h.recorder.Record(ctx, audit.Event{
		Action:    audit.ActionCodeReplay,
		Actor:     client.ClientID,
		Resource:  "code:" + codePrefix(code.Code),
		IP:        ip,
		UserAgent: userAgent,
		Success:   false,
		Error:     "authorization code replayed",
		Metadata: map[string]interface{}{
			"user_id":        code.UserID,
			"tokens_revoked": len(revoked),
		},
	})
}

// revokeRefreshChain is the response to reuse of a rotated refresh token.
func (h *TokenHandler) revokeRefreshChain(ctx context.Context, r *http.Request, client *models.Client, stored *models.TokenRecord) {
	revoked, err := h.repo.RevokeRefreshChain(ctx, stored.ID)
	if err != nil {
		h.logger.Error("Failed to revoke refresh token chain", zap.Error(err))
	}
	for _, record := range revoked {
		if ttl := time.Until(record.ExpiresAt); ttl > 0 {
			if err := h.cache.RevokeJTI(ctx, record.JTI, ttl); err != nil {
				h.logger.Warn("Failed to blacklist chain member", zap.String("jti", record.JTI), zap.Error(err))
			}
		}
	}

	ip, userAgent := audit.RequestInfo(r)
	h.recorder.Record(ctx, audit.Event{
		Action:    audit.ActionRefreshReuse,
		Actor:     client.ClientID,
		Resource:  "token:" + stored.ID,
		IP:        ip,
		UserAgent: userAgent,
		Success:   false,
		Error:     "rotated refresh token reused",
		Metadata: map[string]interface{}{
			"user_id":       stored.UserID,
			"chain_revoked": len(revoked),
		},
	})
}

func (h *TokenHandler) auditGrant(ctx context.Context, r *http.Request, client *models.Client, grantType string, success bool, errMsg string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["grant_type"] = grantType

	ip, userAgent := audit.RequestInfo(r)
	h.recorder.Record(ctx, audit.Event{
		Action:    audit.ActionTokenGrant,
		Actor:     client.ClientID,
		Resource:  "grant:" + grantType,
		IP:        ip,
		UserAgent: userAgent,
		Success:   success,
		Error:     errMsg,
		Metadata:  metadata,
	})
}

func codePrefix(code string) string {
	if len(code) > 8 {
		return code[:8]
	}
	return code
}

func (h *TokenHandler) sendServiceError(w http.ResponseWriter, err error) {
	var serviceErr *oautherr.ServiceError
	if errors.As(err, &serviceErr) {
		h.sendError(w, serviceErr)
		return
	}
	h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
}

func (h *TokenHandler) sendError(w http.ResponseWriter, err *oautherr.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             err.Code,
		"error_description": err.Message,
	})
}

func (h *TokenHandler) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
