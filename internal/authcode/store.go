// Package authcode persists one-time authorization codes bound to a PKCE
// challenge and enforces single-use redemption with replay detection.
package authcode

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"oauth-service/internal/models"
	"oauth-service/internal/pkce"
)

// Validation failure reasons, in the order the state machine checks them.
const (
	ReasonNotFound         = "AUTH_CODE_NOT_FOUND"
	ReasonUsed             = "AUTH_CODE_USED"
	ReasonExpired          = "AUTH_CODE_EXPIRED"
	ReasonClientMismatch   = "AUTH_CODE_CLIENT_MISMATCH"
	ReasonRedirectMismatch = "AUTH_CODE_REDIRECT_MISMATCH"
	ReasonPKCEFailed       = "PKCE_FAILED"
)

// ValidationError reports why a redemption attempt failed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "authorization code validation failed: " + e.Reason
}

// IsReplay reports whether the failure indicates a second redemption of an
// already-used code, which callers must treat as a security incident.
func (e *ValidationError) IsReplay() bool {
	return e.Reason == ReasonUsed
}

// Store is the persistence surface for authorization codes. ConsumeCode must
// be atomic: it marks the code used only if it is currently unused and
// reports whether this caller won.
type Store interface {
	CreateAuthCode(ctx context.Context, code *models.AuthorizationCode) error
	GetAuthCode(ctx context.Context, code string) (*models.AuthorizationCode, error)
	ConsumeAuthCode(ctx context.Context, code string) (bool, error)
	DeleteAuthCode(ctx context.Context, code string) error
}

// Service issues and validates one-time authorization codes.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewService creates a new authorization code service
func NewService(store Store, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// IssueParams describes the grant a new code is bound to.
type IssueParams struct {
	UserID              string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// Issue generates and persists a new single-use code. Any challenge method
// other than S256 is a configuration error; plain is deliberately
// unsupported. A code without a challenge is permitted only where the caller
// has checked the client registration waives PKCE.
func (s *Service) Issue(ctx context.Context, params IssueParams) (*models.AuthorizationCode, error) {
	if params.CodeChallenge != "" || params.CodeChallengeMethod != "" {
		if params.CodeChallengeMethod != pkce.MethodS256 {
			return nil, fmt.Errorf("unsupported code challenge method: %q (only S256 is accepted)", params.CodeChallengeMethod)
		}
		if !pkce.ValidChallenge(params.CodeChallenge) {
			return nil, fmt.Errorf("malformed code challenge")
		}
	}

	code, err := pkce.GenerateAuthorizationCode()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	record := &models.AuthorizationCode{
		Code:          code,
		ClientID:      params.ClientID,
		UserID:        params.UserID,
		RedirectURI:   params.RedirectURI,
		Scope:         params.Scope,
		CodeChallenge: params.CodeChallenge,
		Nonce:         params.Nonce,
		IsUsed:        false,
		ExpiresAt:     now.Add(s.ttl),
		CreatedAt:     now,
	}

	if err := s.store.CreateAuthCode(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Validate runs the redemption state machine and, on success, atomically
// marks the code used and returns its record. The order of checks is load
// bearing: used/expired precede ownership so a stale code never validates
// ownership details, and client/redirect checks precede PKCE so failure
// responses do not reveal whether the verifier was correct.
//
// The record is retained after a successful redemption; a later lookup of a
// used code is the replay signal.
func (s *Service) Validate(ctx context.Context, code, expectedClientID, expectedRedirectURI, codeVerifier string) (*models.AuthorizationCode, error) {
	record, err := s.store.GetAuthCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &ValidationError{Reason: ReasonNotFound}
	}

	if record.IsUsed {
		// Replay. Drop the code; the caller revokes every token issued
		// from it.
		if err := s.store.DeleteAuthCode(ctx, code); err != nil {
			s.logger.Warn("Failed to delete replayed authorization code", zap.Error(err))
		}
		return record, &ValidationError{Reason: ReasonUsed}
	}

	if record.ExpiresAt.Before(time.Now()) {
		if err := s.store.DeleteAuthCode(ctx, code); err != nil {
			s.logger.Warn("Failed to delete expired authorization code", zap.Error(err))
		}
		return nil, &ValidationError{Reason: ReasonExpired}
	}

	if record.ClientID != expectedClientID {
		return nil, &ValidationError{Reason: ReasonClientMismatch}
	}

	if record.RedirectURI != expectedRedirectURI {
		return nil, &ValidationError{Reason: ReasonRedirectMismatch}
	}

	if record.CodeChallenge == "" {
		// Code was issued without PKCE; a verifier presented anyway
		// signals a confused or hostile caller.
		if codeVerifier != "" {
			return nil, &ValidationError{Reason: ReasonPKCEFailed}
		}
	} else if !pkce.VerifyChallenge(codeVerifier, record.CodeChallenge) {
		return nil, &ValidationError{Reason: ReasonPKCEFailed}
	}

	// Mark used atomically. Losing the race means another redemption of the
	// same code committed first, which is the same replay condition as the
	// IsUsed branch above.
	won, err := s.store.ConsumeAuthCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !won {
		return record, &ValidationError{Reason: ReasonUsed}
	}

	record.IsUsed = true
	return record, nil
}
