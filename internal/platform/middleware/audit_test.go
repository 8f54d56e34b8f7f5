package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/platform/auth"
)

// mockRecorder collects audit entries for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error // if set, RecordAccess returns this error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestContext(method, path string, opts ...func(*http.Request)) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

func withAuth(accountID, role string) func(*http.Request) {
	return func(req *http.Request) {
		ctx := req.Context()
		ctx = context.WithValue(ctx, auth.AccountIDKey, accountID)
		ctx = context.WithValue(ctx, auth.RoleKey, role)
		*req = *req.WithContext(ctx)
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestAudit_PatientRead(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}
	patientID := uuid.New().String()

	c, _ := newTestContext(http.MethodGet,
		fmt.Sprintf("/api/patients/%s", patientID),
		withAuth("acct-1", "nurse"),
	)
	c.Set("request_id", "req-abc")

	mw := Audit(logger, rec)
	h := mw(okHandler)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", rec.count())
	}
	entry := rec.last()
	if entry.AccountID != "acct-1" {
		t.Errorf("account_id = %q, want acct-1", entry.AccountID)
	}
	if entry.Role != "nurse" {
		t.Errorf("role = %q, want nurse", entry.Role)
	}
	if entry.ResourceType != "patients" {
		t.Errorf("resource_type = %q, want patients", entry.ResourceType)
	}
	if entry.ResourceID != patientID {
		t.Errorf("resource_id = %q, want %q", entry.ResourceID, patientID)
	}
	if entry.Action != "read" {
		t.Errorf("action = %q, want read", entry.Action)
	}
	if entry.RequestID != "req-abc" {
		t.Errorf("request_id = %q, want req-abc", entry.RequestID)
	}
	if entry.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", entry.StatusCode)
	}
}

func TestAudit_SkipsNonAPIRoutes(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}

	for _, path := range []string{"/health", "/", "/metrics"} {
		c, _ := newTestContext(http.MethodGet, path)
		mw := Audit(logger, rec)
		if err := mw(okHandler)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if rec.count() != 0 {
		t.Errorf("expected no audit entries for non-API routes, got %d", rec.count())
	}
}

func TestAudit_ActionsByMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{http.MethodGet, "read"},
		{http.MethodPost, "create"},
		{http.MethodPut, "update"},
		{http.MethodPatch, "update"},
		{http.MethodDelete, "delete"},
	}
	logger := zerolog.New(os.Stderr)
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			rec := &mockRecorder{}
			c, _ := newTestContext(tt.method, "/api/units", withAuth("acct-1", "superadmin"))
			if err := Audit(logger, rec)(okHandler)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := rec.last().Action; got != tt.want {
				t.Errorf("action = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAudit_BulkVerbIsNotResourceID(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}

	c, _ := newTestContext(http.MethodPost, "/api/patients/bulk", withAuth("acct-1", "superadmin"))
	if err := Audit(logger, rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry := rec.last()
	if entry.ResourceType != "patients" {
		t.Errorf("resource_type = %q, want patients", entry.ResourceType)
	}
	if entry.ResourceID != "" {
		t.Errorf("resource_id = %q, want empty for non-UUID segment", entry.ResourceID)
	}
}

func TestAudit_RecorderErrorDoesNotFailRequest(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{err: errors.New("audit store down")}

	c, _ := newTestContext(http.MethodGet, "/api/nurses", withAuth("acct-1", "superadmin"))
	if err := Audit(logger, rec)(okHandler)(c); err != nil {
		t.Fatalf("request should succeed despite recorder failure: %v", err)
	}
}

func TestAudit_HandlerErrorStillAudited(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}

	failing := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	c, _ := newTestContext(http.MethodGet, "/api/patients", withAuth("acct-1", "nurse"))
	if err := Audit(logger, rec)(failing)(c); err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if rec.count() != 1 {
		t.Fatalf("expected failing request to be audited, got %d entries", rec.count())
	}
}
