package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func runJWT(t *testing.T, authHeader string) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := JWT(secret)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	return rec, c
}

func TestJWT_ValidTokenSetsContext(t *testing.T) {
	token := signToken(t, secret, jwt.MapClaims{
		"user_id": "user-1",
		"role":    "member",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	rec, c := runJWT(t, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", c.Get("user_id"))
	assert.Equal(t, "member", c.Get("role"))
}

func TestJWT_MissingHeaderRejected(t *testing.T) {
	rec, _ := runJWT(t, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWT_WrongSecretRejected(t *testing.T) {
	token := signToken(t, "other-secret", jwt.MapClaims{
		"user_id": "user-1",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	rec, _ := runJWT(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWT_ExpiredTokenRejected(t *testing.T) {
	token := signToken(t, secret, jwt.MapClaims{
		"user_id": "user-1",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})
	rec, _ := runJWT(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWT_MissingUserIDRejected(t *testing.T) {
	token := signToken(t, secret, jwt.MapClaims{
		"role": "member",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	rec, _ := runJWT(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRoles(t *testing.T) {
	e := echo.New()

	run := func(role string, allowed ...string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if role != "" {
			c.Set("role", role)
		}
		handler := RequireRoles(allowed...)(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		})
		require.NoError(t, handler(c))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, run("admin", "admin"))
	assert.Equal(t, http.StatusForbidden, run("member", "admin"))
	assert.Equal(t, http.StatusForbidden, run("", "admin"))
	assert.Equal(t, http.StatusOK, run("member", "admin", "member"))
}
