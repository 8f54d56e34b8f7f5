package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newAuthContext(authHeader string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestAuthenticate_ValidToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"))
	token, err := issuer.Mint("acct-1", "superadmin", "clinic_a")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	c, _ := newAuthContext("Bearer " + token)

	var gotID, gotRole string
	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		gotID = AccountIDFromContext(ctx)
		gotRole = RoleFromContext(ctx)
		return c.String(http.StatusOK, "ok")
	}

	if err := Authenticate(issuer)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != "acct-1" {
		t.Errorf("account id = %q, want acct-1", gotID)
	}
	if gotRole != "superadmin" {
		t.Errorf("role = %q, want superadmin", gotRole)
	}
	if tid, _ := c.Get("auth_tenant_id").(string); tid != "clinic_a" {
		t.Errorf("auth_tenant_id = %q, want clinic_a", tid)
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"))
	wrongIssuer := NewTokenIssuer([]byte("other-secret"))
	forged, _ := wrongIssuer.Mint("acct-1", "superadmin", "")

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"no token", "Bearer"},
		{"garbage token", "Bearer not.a.token"},
		{"wrong secret", "Bearer " + forged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newAuthContext(tt.header)
			err := Authenticate(issuer)(func(c echo.Context) error {
				t.Error("handler should not run")
				return nil
			})(c)

			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
			}
			if httpErr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", httpErr.Code)
			}
		})
	}
}

func policyContext(role, path string) echo.Context {
	c, _ := newAuthContext("")
	c.SetPath(path)
	if role != "" {
		ctx := context.WithValue(c.Request().Context(), RoleKey, role)
		c.SetRequest(c.Request().WithContext(ctx))
	}
	return c
}

func TestAuthorize_AllowsListedRole(t *testing.T) {
	p := Policy{"GET /api/patients": {"superadmin", "nurse"}}
	c := policyContext("nurse", "/api/patients")

	handler := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	if err := Authorize(p)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthorize_DeniesExactMatchOnly(t *testing.T) {
	tests := []struct {
		name  string
		role  string
		path  string
		table Policy
	}{
		{"wrong role", "nurse", "/api/patients", Policy{"GET /api/patients": {"superadmin"}}},
		{"no role", "", "/api/patients", Policy{"GET /api/patients": {"superadmin"}}},
		// No implicit superadmin override on nurse-only routes.
		{"superadmin not listed", "superadmin", "/api/patients", Policy{"GET /api/patients": {"nurse"}}},
		// Fails closed when the route has no entry at all.
		{"unlisted route", "superadmin", "/api/patients", Policy{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := policyContext(tt.role, tt.path)
			err := Authorize(tt.table)(func(c echo.Context) error {
				t.Error("handler should not run")
				return nil
			})(c)

			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", httpErr.Code)
			}
		})
	}
}

func TestMergePolicy_PanicsOnDuplicateRoute(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate route")
		}
	}()
	MergePolicy(
		Policy{"GET /api/units": {"admin"}},
		Policy{"GET /api/units": {"nurse"}},
	)
}
