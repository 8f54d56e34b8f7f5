package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	AccountIDKey contextKey = "account_id"
	RoleKey      contextKey = "account_role"
)

// Authenticate validates the bearer token on every request and rejects
// anything it cannot verify. On success the account ID and role land on
// the request context and the tenant claim is exposed to the tenant
// middleware via the echo context.
func Authenticate(issuer *TokenIssuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := issuer.Verify(parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("auth_tenant_id", claims.TenantID)

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, AccountIDKey, claims.Subject)
			ctx = context.WithValue(ctx, RoleKey, claims.Role)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func AccountIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(AccountIDKey).(string)
	return id
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(RoleKey).(string)
	return role
}
