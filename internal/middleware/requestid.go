package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestID assigns an X-Request-Id to responses on the given paths only.
// Proxied responses carry exactly the headers the backend sent.
func RequestID(paths ...string) echo.MiddlewareFunc {
	local := make(map[string]bool, len(paths))
	for _, p := range paths {
		local[p] = true
	}
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Skipper: func(c echo.Context) bool {
			return !local[c.Request().URL.Path]
		},
	})
}
