package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"oauth-service/internal/config"
	"oauth-service/internal/models"
)

// DiscoveryHandler serves the OIDC discovery document
type DiscoveryHandler struct {
	config *config.Config
	logger *zap.Logger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(config *config.Config, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{config: config, logger: logger}
}

type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// HandleDiscovery handles GET /.well-known/openid-configuration
// @Summary     OIDC discovery
// @Description Returns the OpenID Connect provider metadata document.
// @Tags        oidc
// @Produce     application/json
// @Success     200 {object} map[string]interface{}
// @Router      /.well-known/openid-configuration [get]
func (h *DiscoveryHandler) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := h.config.BaseURL

	doc := discoveryDocument{
		// The advertised issuer must match the iss claim in every token
		// this service signs.
		Issuer:                h.config.JWTIssuer,
		AuthorizationEndpoint: base + "/oauth/authorize",
		TokenEndpoint:         base + "/oauth/token",
		UserinfoEndpoint:      base + "/oauth/userinfo",
		RevocationEndpoint:    base + "/oauth/revoke",
		JWKSURI:               base + "/.well-known/jwks.json",
		ScopesSupported:       []string{"openid", "profile"},
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			models.GrantAuthorizationCode,
			models.GrantRefreshToken,
			models.GrantClientCredentials,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic",
			"client_secret_post",
			"private_key_jwt",
			"none",
		},
		CodeChallengeMethodsSupported: []string{"S256"},
		ClaimsSupported: []string{
			"sub", "name", "given_name", "family_name", "preferred_username", "picture",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		h.logger.Error("Failed to encode discovery document", zap.Error(err))
	}
}
