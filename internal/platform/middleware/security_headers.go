package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers appropriate for a JSON-only API
// carrying patient appointment data.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			// Availability changes with every booking.
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
