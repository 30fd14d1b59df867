package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// QueryAPIKey is the query parameter alternative to the X-API-Key header
const QueryAPIKey = "api_key"

// RequireAPIKey rejects requests that do not present key. An empty key
// disables the check.
func RequireAPIKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if key == "" {
			return next
		}
		want := []byte(key)
		return func(c echo.Context) error {
			got := c.Request().Header.Get(HeaderAPIKey)
			if got == "" {
				got = c.QueryParam(QueryAPIKey)
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid API key")
			}
			return next(c)
		}
	}
}
