package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// bearerAuth validates the static bearer token on every route except
// /health. An unset secret rejects everything; the API never runs open.
func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" || s.secretKey == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.secretKey)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
		}
		return next(c)
	}
}
