package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"oauth-service/internal/config"
	"oauth-service/internal/handlers"
	"oauth-service/test/helpers"
)

func TestHandleDiscovery(t *testing.T) {
	cfg := &config.Config{
		BaseURL:   "https://auth.example.com",
		JWTIssuer: "https://auth.example.com",
	}
	handler := handlers.NewDiscoveryHandler(cfg, zap.NewNop())

	req := httptest.NewRequest("GET", "/.well-known/openid-configuration", nil)
	rr := httptest.NewRecorder()
	handler.HandleDiscovery(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var doc map[string]interface{}
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))

	assert.Equal(t, "https://auth.example.com", doc["issuer"])
	assert.Equal(t, "https://auth.example.com/oauth/token", doc["token_endpoint"])
	assert.Equal(t, "https://auth.example.com/oauth/authorize", doc["authorization_endpoint"])
	assert.Equal(t, "https://auth.example.com/oauth/userinfo", doc["userinfo_endpoint"])
	assert.Equal(t, "https://auth.example.com/oauth/revoke", doc["revocation_endpoint"])
	assert.Equal(t, "https://auth.example.com/.well-known/jwks.json", doc["jwks_uri"])

	// S256 is the only advertised challenge method.
	methods, ok := doc["code_challenge_methods_supported"].([]interface{})
	assert.True(t, ok)
	assert.Equal(t, []interface{}{"S256"}, methods)

	grants, ok := doc["grant_types_supported"].([]interface{})
	assert.True(t, ok)
	assert.Contains(t, grants, "authorization_code")
	assert.Contains(t, grants, "refresh_token")
	assert.Contains(t, grants, "client_credentials")
}

func TestHandleJWKS(t *testing.T) {
	km := helpers.NewTestKeyManager(t)
	handler := handlers.NewJWKSHandler(km, zap.NewNop())

	req := httptest.NewRequest("GET", "/.well-known/jwks.json", nil)
	rr := httptest.NewRecorder()
	handler.HandleJWKS(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Keys, 1)

	key := body.Keys[0]
	assert.Equal(t, km.GetCurrentKeyID(), key["kid"])
	assert.Equal(t, "RS256", key["alg"])
	assert.Equal(t, "sig", key["use"])
	assert.Equal(t, "RSA", key["kty"])
	// Only the public half is ever exposed.
	assert.NotContains(t, key, "d")
	assert.NotContains(t, key, "p")
	assert.NotContains(t, key, "q")
}

func TestHandleJWKS_IncludesRotatedKeyInGrace(t *testing.T) {
	km := helpers.NewTestKeyManager(t)
	oldKid := km.GetCurrentKeyID()
	if _, err := km.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	handler := handlers.NewJWKSHandler(km, zap.NewNop())
	rr := httptest.NewRecorder()
	handler.HandleJWKS(rr, httptest.NewRequest("GET", "/.well-known/jwks.json", nil))

	var body struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Keys, 2)

	kids := []interface{}{body.Keys[0]["kid"], body.Keys[1]["kid"]}
	assert.Contains(t, kids, oldKid)
	assert.Contains(t, kids, km.GetCurrentKeyID())
}
