package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"oauth-service/internal/audit"
	"oauth-service/internal/auth"
	"oauth-service/internal/cache"
	"oauth-service/internal/database"
	"oauth-service/internal/models"
	"oauth-service/pkg/oautherr"
)

// RevokeHandler implements token revocation
type RevokeHandler struct {
	repo       database.Repository
	cache      cache.Cache
	clientAuth *auth.ClientAuthenticator
	recorder   *audit.Recorder
	logger     *zap.Logger
}

// NewRevokeHandler creates a new revocation handler
func NewRevokeHandler(repo database.Repository, cache cache.Cache, clientAuth *auth.ClientAuthenticator, recorder *audit.Recorder, logger *zap.Logger) *RevokeHandler {
	return &RevokeHandler{
		repo:       repo,
		cache:      cache,
		clientAuth: clientAuth,
		recorder:   recorder,
		logger:     logger,
	}
}

// HandleRevoke handles POST /oauth/revoke
// @Summary     Revoke a token
// @Description Revokes the presented access or refresh token. Unknown tokens and tokens belonging to other clients return 200 without effect.
// @Tags        oauth2
// @Accept      application/x-www-form-urlencoded
// @Produce     json
// @Param       token           formData string true  "Token to revoke"
// @Param       token_type_hint formData string false "access_token or refresh_token"
// @Success     200
// @Failure     400 {object} map[string]string
// @Failure     401 {object} map[string]string
// @Router      /oauth/revoke [post]
func (h *RevokeHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrInvalidRequest))
		return
	}

	client, err := h.clientAuth.Authenticate(ctx, r)
	if err != nil {
		h.sendAuthError(w, err)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "token is required"))
		return
	}

	record, err := h.repo.GetTokenByHash(ctx, auth.TokenHash(token))
	if err != nil {
		h.logger.Error("Revocation lookup failed", zap.Error(err))
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}

	// Unknown token, or a token owned by another client. Both return a
	// bare 200: revocation must not leak whether a token exists.
	if record == nil || record.ClientID != client.ClientID {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !record.IsRevoked {
		var revoked []models.TokenRecord
		if record.Kind == models.TokenKindRefresh {
			// Revoking a refresh token kills every token rotated from it.
			revoked, err = h.repo.RevokeRefreshChain(ctx, record.ID)
		} else {
			err = h.repo.RevokeTokenByID(ctx, record.ID)
			revoked = []models.TokenRecord{*record}
		}
		if err != nil {
			h.logger.Error("Revocation failed", zap.Error(err))
			h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
			return
		}

		for _, rec := range revoked {
			if ttl := time.Until(rec.ExpiresAt); ttl > 0 {
				if err := h.cache.RevokeJTI(ctx, rec.JTI, ttl); err != nil {
					h.logger.Warn("Failed to blacklist revoked token", zap.String("jti", rec.JTI), zap.Error(err))
				}
			}
		}

		ip, userAgent := audit.RequestInfo(r)
		h.recorder.Record(ctx, audit.Event{
			Action:    audit.ActionTokenRevoked,
			Actor:     client.ClientID,
			Resource:  "token:" + record.ID,
			IP:        ip,
			UserAgent: userAgent,
			Success:   true,
			Metadata: map[string]interface{}{
				"kind":    string(record.Kind),
				"user_id": record.UserID,
				"revoked": len(revoked),
			},
		})
	}

	w.WriteHeader(http.StatusOK)
}

func (h *RevokeHandler) sendAuthError(w http.ResponseWriter, err error) {
	var serviceErr *oautherr.ServiceError
	if errors.As(err, &serviceErr) {
		h.sendError(w, serviceErr)
		return
	}
	h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
}

func (h *RevokeHandler) sendError(w http.ResponseWriter, err *oautherr.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             err.Code,
		"error_description": err.Message,
	})
}
