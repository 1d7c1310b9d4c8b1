package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"oauth-service/internal/audit"
	"oauth-service/internal/auth"
	"oauth-service/internal/authcode"
	"oauth-service/internal/cache"
	"oauth-service/internal/config"
	"oauth-service/internal/database"
	"oauth-service/internal/handlers"
	"oauth-service/internal/scope"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting oauth service")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize database
	ctx := context.Background()
	repo, err := database.NewRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer repo.Close()

	// Initialize cache
	cacheClient, err := cache.NewCache(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer cacheClient.Close()

	// Initialize key manager. Retired keys must keep verifying until the
	// longest-lived token signed with them has expired, so the grace
	// period follows the refresh token lifetime.
	keyManager, err := auth.NewKeyManager(cfg.JWTPrivateKey, cfg.JWTPublicKey, auth.KeyPolicy{
		Bits:         cfg.KeyBits,
		Lifetime:     cfg.KeyLifetime,
		RotateBefore: cfg.KeyRotateBefore,
		VerifyGrace:  cfg.RefreshTokenTTL,
		Retention:    cfg.KeyRetentionCount,
	})
	if err != nil {
		logger.Fatal("Failed to initialize key manager", zap.Error(err))
	}

	// Key rotation scheduler
	go func() {
		ticker := time.NewTicker(cfg.KeyCheckInterval)
		defer ticker.Stop()

		for range ticker.C {
			kid, err := keyManager.RotateIfDue()
			if err != nil {
				logger.Error("Failed to rotate signing keys", zap.Error(err))
				continue
			}
			if kid != "" {
				logger.Info("Rotated signing keys", zap.String("current_kid", kid))
			}
			keyManager.CleanupExpiredKeys()
		}
	}()

	// Expired code and token sweeper
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()

		for range ticker.C {
			sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			codes, err := repo.DeleteExpiredAuthCodes(sweepCtx)
			if err != nil {
				logger.Error("Failed to delete expired authorization codes", zap.Error(err))
			}
			tokens, err := repo.DeleteExpiredTokens(sweepCtx)
			if err != nil {
				logger.Error("Failed to delete expired token records", zap.Error(err))
			}
			cancel()
			if codes > 0 || tokens > 0 {
				logger.Info("Swept expired records", zap.Int64("codes", codes), zap.Int64("tokens", tokens))
			}
		}
	}()

	// Initialize token issuer and verifier
	issuer := auth.NewIssuer(keyManager, cfg.JWTIssuer, cfg.JWTAudience)
	verifier := auth.NewVerifier(keyManager, cfg.JWTIssuer, cfg.JWTAudience, cacheClient)

	// Initialize domain services
	clientAuth := auth.NewClientAuthenticator(repo, cacheClient, cfg.ClientCacheTTL, cfg.TokenEndpointURL(), cfg.BcryptWorkers, logger)
	codes := authcode.NewService(repo, cfg.AuthCodeTTL, logger)
	evaluator := scope.NewEvaluator(repo, cacheClient, cfg.PermissionCacheTTL, logger)
	recorder := audit.NewRecorder(repo, logger)

	// Initialize handlers
	tokenHandler := handlers.NewTokenHandler(
		repo,
		cacheClient,
		issuer,
		verifier,
		clientAuth,
		codes,
		evaluator,
		recorder,
		cfg,
		logger,
	)
	authorizeHandler := handlers.NewAuthorizeHandler(repo, codes, evaluator, recorder, logger)
	userinfoHandler := handlers.NewUserinfoHandler(repo, recorder, logger)
	revokeHandler := handlers.NewRevokeHandler(repo, cacheClient, clientAuth, recorder, logger)
	jwksHandler := handlers.NewJWKSHandler(keyManager, logger)
	discoveryHandler := handlers.NewDiscoveryHandler(cfg, logger)

	// Setup router
	router := SetupRouter(
		tokenHandler,
		authorizeHandler,
		userinfoHandler,
		revokeHandler,
		jwksHandler,
		discoveryHandler,
		verifier,
		cacheClient,
		recorder,
		cfg,
		logger,
	)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
