package auth

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole admits callers holding at least one of roles. Admins pass
// every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasRole(held []string, wanted ...string) bool {
	if slices.Contains(held, "admin") {
		return true
	}
	for _, w := range wanted {
		if slices.Contains(held, w) {
			return true
		}
	}
	return false
}
