package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"oauth-service/internal/audit"
	"oauth-service/internal/auth"
	"oauth-service/internal/handlers"
	"oauth-service/internal/models"
	"oauth-service/test/mocks"
)

type revokeFixture struct {
	repo    *mocks.MockRepository
	cache   *mocks.MockCache
	handler *handlers.RevokeHandler
}

func newRevokeFixture(t *testing.T) *revokeFixture {
	t.Helper()

	mockRepo := new(mocks.MockRepository)
	mockCache := new(mocks.MockCache)
	logger := zap.NewNop()

	clientAuth := auth.NewClientAuthenticator(mockRepo, mockCache, 15*time.Minute, "https://auth.example.com/oauth/token", 2, logger)
	recorder := audit.NewRecorder(mockRepo, logger)

	mockRepo.On("InsertAuditEvent", mock.Anything, mock.AnythingOfType("*models.AuditEvent")).Return(nil).Maybe()

	return &revokeFixture{
		repo:    mockRepo,
		cache:   mockCache,
		handler: handlers.NewRevokeHandler(mockRepo, mockCache, clientAuth, recorder, logger),
	}
}

func (f *revokeFixture) post(form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/oauth/revoke", nil)
	req.PostForm = form
	rr := httptest.NewRecorder()
	f.handler.HandleRevoke(rr, req)
	return rr
}

func (f *revokeFixture) allowClient(t *testing.T) {
	t.Helper()
	f.cache.On("GetClient", mock.Anything, "client-1").Return(confidentialClient(t, "s3cret"), nil)
}

func TestHandleRevoke_AccessToken(t *testing.T) {
	f := newRevokeFixture(t)
	f.allowClient(t)

	record := &models.TokenRecord{
		ID:        "tok-1",
		Kind:      models.TokenKindAccess,
		JTI:       "jti-1",
		ClientID:  "client-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	f.repo.On("GetTokenByHash", mock.Anything, auth.TokenHash("the-token")).Return(record, nil)
	f.repo.On("RevokeTokenByID", mock.Anything, "tok-1").Return(nil)
	f.cache.On("RevokeJTI", mock.Anything, "jti-1", mock.AnythingOfType("time.Duration")).Return(nil)

	rr := f.post(url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"token":         {"the-token"},
	})

	assert.Equal(t, http.StatusOK, rr.Code)
	f.repo.AssertExpectations(t)
	f.cache.AssertExpectations(t)
}

func TestHandleRevoke_RefreshTokenRevokesChain(t *testing.T) {
	f := newRevokeFixture(t)
	f.allowClient(t)

	record := &models.TokenRecord{
		ID:        "tok-1",
		Kind:      models.TokenKindRefresh,
		JTI:       "jti-1",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	f.repo.On("GetTokenByHash", mock.Anything, auth.TokenHash("the-refresh")).Return(record, nil)
	f.repo.On("RevokeRefreshChain", mock.Anything, "tok-1").Return([]models.TokenRecord{
		{ID: "tok-1", JTI: "jti-1", ExpiresAt: record.ExpiresAt},
		{ID: "tok-2", JTI: "jti-2", ExpiresAt: time.Now().Add(time.Hour)},
	}, nil)
	f.cache.On("RevokeJTI", mock.Anything, "jti-1", mock.AnythingOfType("time.Duration")).Return(nil)
	f.cache.On("RevokeJTI", mock.Anything, "jti-2", mock.AnythingOfType("time.Duration")).Return(nil)

	rr := f.post(url.Values{
		"client_id":       {"client-1"},
		"client_secret":   {"s3cret"},
		"token":           {"the-refresh"},
		"token_type_hint": {"refresh_token"},
	})

	assert.Equal(t, http.StatusOK, rr.Code)
	f.cache.AssertExpectations(t)
}

func TestHandleRevoke_UnknownTokenStill200(t *testing.T) {
	f := newRevokeFixture(t)
	f.allowClient(t)

	f.repo.On("GetTokenByHash", mock.Anything, mock.AnythingOfType("string")).Return(nil, nil)

	rr := f.post(url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"token":         {"ghost-token"},
	})

	assert.Equal(t, http.StatusOK, rr.Code)
	f.repo.AssertNotCalled(t, "RevokeTokenByID", mock.Anything, mock.Anything)
}

func TestHandleRevoke_OtherClientsToken(t *testing.T) {
	f := newRevokeFixture(t)
	f.allowClient(t)

	record := &models.TokenRecord{
		ID:       "tok-1",
		Kind:     models.TokenKindAccess,
		ClientID: "client-2",
	}
	f.repo.On("GetTokenByHash", mock.Anything, mock.AnythingOfType("string")).Return(record, nil)

	rr := f.post(url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"token":         {"stolen-token"},
	})

	// 200 without effect: no existence oracle across clients.
	assert.Equal(t, http.StatusOK, rr.Code)
	f.repo.AssertNotCalled(t, "RevokeTokenByID", mock.Anything, mock.Anything)
	f.repo.AssertNotCalled(t, "RevokeRefreshChain", mock.Anything, mock.Anything)
}

func TestHandleRevoke_RequiresClientAuth(t *testing.T) {
	f := newRevokeFixture(t)

	f.cache.On("GetClient", mock.Anything, "client-1").Return(confidentialClient(t, "s3cret"), nil)

	rr := f.post(url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"wrong"},
		"token":         {"the-token"},
	})

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleRevoke_MissingToken(t *testing.T) {
	f := newRevokeFixture(t)
	f.allowClient(t)

	rr := f.post(url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
