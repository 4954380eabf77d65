package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, adminID string) string {
	t.Helper()
	claims := &Claims{
		AdminID: adminID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func adminEcho() (http.Handler, *string) {
	var got string
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetAdminID(r.Context())
		w.WriteHeader(http.StatusOK)
	}), &got
}

func TestRequireAdmin_ValidToken(t *testing.T) {
	next, adminID := adminEcho()
	handler := RequireAdmin(testSecret)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connect", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "admin-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin-1", *adminID)
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	next, _ := adminEcho()
	handler := RequireAdmin(testSecret)(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/connect", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_required")
}

func TestRequireAdmin_WrongScheme(t *testing.T) {
	next, _ := adminEcho()
	handler := RequireAdmin(testSecret)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connect", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_invalid_scheme")
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	next, _ := adminEcho()
	handler := RequireAdmin(testSecret)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connect", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", "admin-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdmin_ExpiredToken(t *testing.T) {
	claims := &Claims{
		AdminID: "admin-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	next, _ := adminEcho()
	handler := RequireAdmin(testSecret)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connect", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
