package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Policy is the authorization table: echo route pattern, keyed as
// "METHOD /path/with/:params", mapped to the set of roles admitted on it.
// Each domain package declares its own table next to its routes and the
// server merges them into the single table the guard consults.
type Policy map[string][]string

// MergePolicy combines per-domain tables into one. Two tables claiming the
// same route is a wiring error, so it panics at startup rather than letting
// one silently shadow the other.
func MergePolicy(tables ...Policy) Policy {
	merged := make(Policy)
	for _, t := range tables {
		for route, roles := range t {
			if _, ok := merged[route]; ok {
				panic("auth: duplicate policy entry for " + route)
			}
			merged[route] = roles
		}
	}
	return merged
}

// Authorize returns the role guard. Matching is exact: superadmin is not
// implicitly granted everything, a route that should accept it must name
// it. The guard fails closed, so a route missing from the table is denied
// for every role.
func Authorize(p Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			allowed, ok := p[c.Request().Method+" "+c.Path()]
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "no authorization policy for route")
			}
			role := RoleFromContext(c.Request().Context())
			for _, r := range allowed {
				if role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(allowed, " or ")))
		}
	}
}
