package oautherr_test

import (
	"errors"
	"fmt"
	"testing"

	"oauth-service/pkg/oautherr"
)

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	wrapped := oautherr.Wrap(cause, oautherr.ErrServerError)

	if wrapped.Code != "server_error" || wrapped.Status != 500 {
		t.Errorf("wrapped = %+v", wrapped)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Wrap() lost the underlying cause")
	}
	// The sentinel itself must stay untouched.
	if oautherr.ErrServerError.Err != nil {
		t.Error("Wrap() mutated the sentinel")
	}
}

func TestWithDescription(t *testing.T) {
	err := oautherr.WithDescription(oautherr.ErrInvalidRequest, "scope is required")

	if err.Code != "invalid_request" || err.Message != "scope is required" {
		t.Errorf("err = %+v", err)
	}
	if oautherr.ErrInvalidRequest.Message == "scope is required" {
		t.Error("WithDescription() mutated the sentinel")
	}
}

func TestConfigurationErrorSurfacesAsServerError(t *testing.T) {
	// Signing-key trouble must never leak key details to clients; the wire
	// code stays server_error.
	wrapped := oautherr.Wrap(fmt.Errorf("no active signing key"), oautherr.ErrConfiguration)

	if wrapped.Code != "server_error" {
		t.Errorf("code = %q, want server_error", wrapped.Code)
	}
	if wrapped.Status != 500 {
		t.Errorf("status = %d, want 500", wrapped.Status)
	}

	var serviceErr *oautherr.ServiceError
	if !errors.As(wrapped, &serviceErr) {
		t.Fatalf("error type = %T", wrapped)
	}
}
