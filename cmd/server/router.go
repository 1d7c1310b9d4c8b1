package main

import (
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"oauth-service/internal/audit"
	"oauth-service/internal/auth"
	"oauth-service/internal/cache"
	"oauth-service/internal/config"
	"oauth-service/internal/handlers"
	"oauth-service/internal/middleware"
)

// SetupRouter configures and returns the HTTP router with all routes and middleware
func SetupRouter(
	tokenHandler *handlers.TokenHandler,
	authorizeHandler *handlers.AuthorizeHandler,
	userinfoHandler *handlers.UserinfoHandler,
	revokeHandler *handlers.RevokeHandler,
	jwksHandler *handlers.JWKSHandler,
	discoveryHandler *handlers.DiscoveryHandler,
	verifier *auth.Verifier,
	cacheClient cache.Cache,
	recorder *audit.Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *mux.Router {
	router := mux.NewRouter()

	// Add CORS middleware
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// Add logging middleware
	router.Use(middleware.LoggingMiddleware(logger))

	// OIDC Discovery
	router.HandleFunc("/.well-known/openid-configuration", discoveryHandler.HandleDiscovery).Methods("GET", "OPTIONS")
	router.HandleFunc("/.well-known/jwks.json", jwksHandler.HandleJWKS).Methods("GET", "OPTIONS")

	// Token and revocation endpoints authenticate the client themselves.
	router.HandleFunc("/oauth/token", tokenHandler.HandleToken).Methods("POST", "OPTIONS")
	router.HandleFunc("/oauth/revoke", revokeHandler.HandleRevoke).Methods("POST", "OPTIONS")

	// Authorize requires an already-authenticated user session token.
	authorize := router.Path("/oauth/authorize").Subrouter()
	authorize.Use(middleware.RequireBearer(verifier, recorder, logger, middleware.BearerOptions{
		RequireUser: true,
	}))
	authorize.Use(middleware.RateLimitMiddleware(cacheClient, logger, cfg.RateLimitDefault, cfg.RateLimitWindow))
	authorize.HandleFunc("", authorizeHandler.HandleAuthorize).Methods("POST", "OPTIONS")

	// Userinfo requires a user token carrying the openid scope.
	userinfo := router.Path("/oauth/userinfo").Subrouter()
	userinfo.Use(middleware.RequireBearer(verifier, recorder, logger, middleware.BearerOptions{
		RequireUser:    true,
		RequiredScopes: []string{"openid"},
	}))
	userinfo.Use(middleware.RateLimitMiddleware(cacheClient, logger, cfg.RateLimitDefault, cfg.RateLimitWindow))
	userinfo.HandleFunc("", userinfoHandler.HandleUserinfo).Methods("GET", "POST", "OPTIONS")

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Swagger documentation
	router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	return router
}
