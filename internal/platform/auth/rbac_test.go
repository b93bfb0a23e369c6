package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func withRoles(req *http.Request, roles ...string) *http.Request {
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	return req.WithContext(ctx)
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := withRoles(httptest.NewRequest(http.MethodGet, "/", nil), RolePhysician)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	err := RequireRole(RolePhysician, RoleNurse)(handler)(c)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	req := withRoles(httptest.NewRequest(http.MethodGet, "/", nil), RoleDonor)
	c := e.NewContext(req, httptest.NewRecorder())

	err := RequireRole(RoleLab)(func(c echo.Context) error { return nil })(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := withRoles(httptest.NewRequest(http.MethodGet, "/", nil), RoleAdmin)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := RequireRole(RoleLab)(func(c echo.Context) error { return nil })(c); err != nil {
		t.Errorf("admin should pass, got %v", err)
	}
}

func TestHasRole(t *testing.T) {
	ctx := WithIdentity(context.Background(), uuid.New(), RoleNurse)
	if !HasRole(ctx, RoleNurse, RolePhysician) {
		t.Error("expected nurse to match")
	}
	if HasRole(ctx, RoleLab) {
		t.Error("nurse is not lab")
	}
	if HasRole(context.Background(), RoleDonor) {
		t.Error("anonymous context has no roles")
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []string{RoleDonor, RoleNurse, RolePhysician, RoleLab, RoleAdmin} {
		if !ValidRole(r) {
			t.Errorf("ValidRole(%q) = false", r)
		}
	}
	for _, r := range []string{"", "Admin", "manager"} {
		if ValidRole(r) {
			t.Errorf("ValidRole(%q) = true", r)
		}
	}
}
