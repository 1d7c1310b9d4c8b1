package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"oauth-service/internal/audit"
	"oauth-service/internal/database"
	"oauth-service/internal/middleware"
	"oauth-service/pkg/oautherr"
)

// UserinfoHandler serves the OIDC userinfo endpoint
type UserinfoHandler struct {
	repo     database.Repository
	recorder *audit.Recorder
	logger   *zap.Logger
}

// NewUserinfoHandler creates a new userinfo handler
func NewUserinfoHandler(repo database.Repository, recorder *audit.Recorder, logger *zap.Logger) *UserinfoHandler {
	return &UserinfoHandler{repo: repo, recorder: recorder, logger: logger}
}

// HandleUserinfo handles GET /oauth/userinfo
// @Summary     OIDC userinfo
// @Description Returns identity claims for the user bound to the bearer token. Claims released depend on the token's granted scopes.
// @Tags        oidc
// @Produce     application/json
// @Security    BearerAuth
// @Success     200 {object} map[string]interface{}
// @Failure     401 {object} map[string]string
// @Failure     403 {object} map[string]string
// @Router      /oauth/userinfo [get]
func (h *UserinfoHandler) HandleUserinfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	authCtx, ok := middleware.FromContext(ctx)
	if !ok || authCtx.UserID == "" {
		h.sendError(w, oautherr.ErrInvalidToken)
		return
	}

	user, err := h.repo.GetUserByID(ctx, authCtx.UserID)
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}
	if user == nil || !user.IsActive {
		h.sendError(w, oautherr.ErrInvalidToken)
		return
	}

	// sub is always present. Everything else is gated on scope.
	claims := map[string]interface{}{
		"sub": user.ID,
	}

	hasProfile := false
	for _, s := range authCtx.Scopes {
		if s == "profile" {
			hasProfile = true
			break
		}
	}
	if hasProfile {
		if user.Name != "" {
			claims["name"] = user.Name
		}
		if user.GivenName != "" {
			claims["given_name"] = user.GivenName
		}
		if user.FamilyName != "" {
			claims["family_name"] = user.FamilyName
		}
		if user.Username != "" {
			claims["preferred_username"] = user.Username
		}
		if user.Picture != "" {
			claims["picture"] = user.Picture
		}
	}

	ip, userAgent := audit.RequestInfo(r)
	h.recorder.Record(ctx, audit.Event{
		Action:    audit.ActionUserinfoAccess,
		Actor:     user.ID,
		Resource:  "client:" + authCtx.ClientID,
		IP:        ip,
		UserAgent: userAgent,
		Success:   true,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(claims)
}

func (h *UserinfoHandler) sendError(w http.ResponseWriter, err *oautherr.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             err.Code,
		"error_description": err.Message,
	})
}
