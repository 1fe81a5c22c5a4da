package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"ai-lightning/internal/auth"
	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/internal/orchestrator"
	"ai-lightning/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func authedServer() (*Server, *auth.Service) {
	authSvc := auth.NewService(nil, "test-secret")
	return &Server{auth: authSvc}, authSvc
}

func TestRequireAuth_MissingToken(t *testing.T) {
	s, _ := authedServer()

	handler := s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_BadToken(t *testing.T) {
	s, _ := authedServer()

	handler := s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_ValidToken(t *testing.T) {
	s, authSvc := authedServer()

	token, err := authSvc.IssueToken(&database.User{ID: "u1", Username: "alice"})
	require.NoError(t, err)

	var seen string
	handler := s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = claimsFrom(r).UserID
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", seen)
}

func TestRequireAdmin(t *testing.T) {
	s, authSvc := authedServer()

	handler := s.requireAuth(s.requireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	userToken, err := authSvc.IssueToken(&database.User{ID: "u1"})
	require.NoError(t, err)
	adminToken, err := authSvc.IssueToken(&database.User{ID: "a1", IsAdmin: true})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/nodes", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/nodes", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

func TestRateKey_PrefersAuthenticatedUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/new_session", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "ratelimit:new_session:ip:10.1.2.3", rateKey(req, "new_session"))

	// Two users behind the same NAT get separate buckets.
	authed := req.WithContext(context.WithValue(req.Context(), claimsKey, &auth.Claims{UserID: "u1"}))
	assert.Equal(t, "ratelimit:new_session:user:u1", rateKey(authed, "new_session"))
}

func TestWriteServiceError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{database.ErrSessionNotFound, http.StatusNotFound},
		{database.ErrNodeBusy, http.StatusConflict},
		{database.ErrUserExists, http.StatusConflict},
		{orchestrator.ErrInvalidMinutes, http.StatusBadRequest},
		{orchestrator.ErrModelUnsupported, http.StatusBadRequest},
		{orchestrator.ErrInsufficientBalance, http.StatusPaymentRequired},
		{ledger.ErrInsufficientFunds, http.StatusPaymentRequired},
		{orchestrator.ErrWrongState, http.StatusConflict},
		{orchestrator.ErrForbidden, http.StatusForbidden},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeServiceError(rec, tt.err)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}
