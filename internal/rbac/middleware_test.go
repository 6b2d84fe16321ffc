package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"dispatch-engine/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, userID, role string, chain ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, "u", RoleSuperAdmin, RequireOperator(), RequireAnyRole(RoleSupervisor)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AgentDeniedSupervisorRoute(t *testing.T) {
	if code := serve(t, "u", RoleAgent, RequireAnyRole(RoleSupervisor)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serve(t, "svc", RoleIntegration, RequireAnyRole(RoleOwner, RoleSupervisor)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, "svc", RoleIntegration, RequireAnyRole(RoleSupervisor, RoleIntegration)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireOperator(t *testing.T) {
	if code := serve(t, "", RoleAgent, RequireOperator(), RequireAnyRole(RoleAgent)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestKnown(t *testing.T) {
	if !Known(RoleAgent) || Known("finance") {
		t.Fatalf("unexpected role set")
	}
}
