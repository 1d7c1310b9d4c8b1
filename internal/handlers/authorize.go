package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"oauth-service/internal/audit"
	"oauth-service/internal/authcode"
	"oauth-service/internal/database"
	"oauth-service/internal/middleware"
	"oauth-service/internal/models"
	"oauth-service/internal/pkce"
	"oauth-service/internal/scope"
	"oauth-service/pkg/oautherr"
)

// AuthorizeHandler issues authorization codes on behalf of an
// authenticated user. The consent UI lives in a separate frontend; by
// the time a request reaches this endpoint the user has already
// approved the grant.
type AuthorizeHandler struct {
	repo     database.Repository
	codes    *authcode.Service
	scopes   *scope.Evaluator
	recorder *audit.Recorder
	logger   *zap.Logger
}

// NewAuthorizeHandler creates a new authorize handler
func NewAuthorizeHandler(repo database.Repository, codes *authcode.Service, scopes *scope.Evaluator, recorder *audit.Recorder, logger *zap.Logger) *AuthorizeHandler {
	return &AuthorizeHandler{
		repo:     repo,
		codes:    codes,
		scopes:   scopes,
		recorder: recorder,
		logger:   logger,
	}
}

// HandleAuthorize handles POST /oauth/authorize
// @Summary     Issue an authorization code
// @Description Issues a single-use PKCE-bound authorization code for the authenticated user.
// @Tags        oauth2
// @Accept      application/x-www-form-urlencoded
// @Produce     application/json
// @Param       client_id             formData string true  "Client ID"
// @Param       redirect_uri          formData string true  "Registered redirect URI"
// @Param       scope                 formData string true  "Requested scope"
// @Param       code_challenge        formData string false "PKCE code challenge (required unless the client registration waives PKCE)"
// @Param       code_challenge_method formData string false "Must be S256 when a challenge is sent"
// @Param       state                 formData string false "Opaque client state, echoed back"
// @Param       nonce                 formData string false "OIDC nonce, bound into the ID token"
// @Security    BearerAuth
// @Success     200 {object} models.AuthorizeResponse
// @Failure     400 {object} map[string]string
// @Failure     401 {object} map[string]string
// @Router      /oauth/authorize [post]
func (h *AuthorizeHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	authCtx, ok := middleware.FromContext(ctx)
	if !ok || authCtx.UserID == "" {
		h.sendError(w, oautherr.ErrInvalidToken)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrInvalidRequest))
		return
	}

	req := models.AuthorizeRequest{
		ClientID:            r.PostFormValue("client_id"),
		RedirectURI:         r.PostFormValue("redirect_uri"),
		Scope:               r.PostFormValue("scope"),
		State:               r.PostFormValue("state"),
		CodeChallenge:       r.PostFormValue("code_challenge"),
		CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
		Nonce:               r.PostFormValue("nonce"),
	}

	if req.ClientID == "" || req.RedirectURI == "" {
		h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "client_id and redirect_uri are required"))
		return
	}

	client, err := h.repo.GetClientByClientID(ctx, req.ClientID)
	if err != nil {
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}
	if client == nil || !client.IsActive {
		h.sendError(w, oautherr.ErrInvalidClient)
		return
	}
	if !client.HasGrantType(models.GrantAuthorizationCode) {
		h.sendError(w, oautherr.ErrUnauthorizedClient)
		return
	}
	// Exact string match only. No prefix or wildcard matching on
	// redirect URIs.
	if !client.HasRedirectURI(req.RedirectURI) {
		h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "redirect_uri is not registered for this client"))
		return
	}

	requestedScopes := scope.Parse(req.Scope)
	if len(requestedScopes) == 0 {
		h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "scope is required"))
		return
	}
	if err := h.scopes.ValidateForClient(ctx, requestedScopes, client); err != nil {
		h.sendServiceError(w, err)
		return
	}

	if req.CodeChallenge == "" && req.CodeChallengeMethod == "" {
		// PKCE may be omitted only where the registration waives it.
		// PUBLIC clients always use PKCE regardless of the flag.
		if client.RequirePKCE || client.ClientType == models.ClientTypePublic {
			h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "code_challenge is required for this client"))
			return
		}
	} else {
		if req.CodeChallengeMethod != pkce.MethodS256 {
			h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "code_challenge_method must be S256"))
			return
		}
		if !pkce.ValidChallenge(req.CodeChallenge) {
			h.sendError(w, oautherr.WithDescription(oautherr.ErrInvalidRequest, "code_challenge is malformed"))
			return
		}
	}

	record, err := h.codes.Issue(ctx, authcode.IssueParams{
		ClientID:            client.ClientID,
		UserID:              authCtx.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope.Format(requestedScopes),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
	})
	if err != nil {
		h.logger.Error("Failed to issue authorization code", zap.Error(err))
		h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
		return
	}

	ip, userAgent := audit.RequestInfo(r)
	h.recorder.Record(ctx, audit.Event{
		Action:    audit.ActionCodeIssued,
		Actor:     authCtx.UserID,
		Resource:  "client:" + client.ClientID,
		IP:        ip,
		UserAgent: userAgent,
		Success:   true,
		Metadata: map[string]interface{}{
			"scope": scope.Format(requestedScopes),
		},
	})

	h.sendJSON(w, http.StatusOK, &models.AuthorizeResponse{
		Code:  record.Code,
		State: req.State,
	})
}

func (h *AuthorizeHandler) sendServiceError(w http.ResponseWriter, err error) {
	var serviceErr *oautherr.ServiceError
	if errors.As(err, &serviceErr) {
		h.sendError(w, serviceErr)
		return
	}
	h.sendError(w, oautherr.Wrap(err, oautherr.ErrServerError))
}

func (h *AuthorizeHandler) sendError(w http.ResponseWriter, err *oautherr.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             err.Code,
		"error_description": err.Message,
	})
}

func (h *AuthorizeHandler) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
