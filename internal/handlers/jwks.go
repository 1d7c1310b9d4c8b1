package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"oauth-service/internal/auth"
)

// JWKSHandler serves the public signing keys
type JWKSHandler struct {
	keyManager *auth.KeyManager
	logger     *zap.Logger
}

// NewJWKSHandler creates a new JWKS handler
func NewJWKSHandler(keyManager *auth.KeyManager, logger *zap.Logger) *JWKSHandler {
	return &JWKSHandler{keyManager: keyManager, logger: logger}
}

// HandleJWKS handles GET /.well-known/jwks.json
// @Summary     JWKS
// @Description Returns the public RSA keys for verifying issued tokens, including rotated keys still inside their verification grace period.
// @Tags        oidc
// @Produce     application/json
// @Success     200 {object} map[string]interface{}
// @Router      /.well-known/jwks.json [get]
func (h *JWKSHandler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	keySet := h.keyManager.GetJWKSet()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(keySet); err != nil {
		h.logger.Error("Failed to encode JWK set", zap.Error(err))
	}
}
