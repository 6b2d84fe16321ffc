package httpapi

import (
	"dispatch-engine/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the operator API on an authenticated group. Identity must
// already be in the request context.
func (h Handlers) Register(v1 *gin.RouterGroup) {
	v1.Use(ClientIP())

	supervisors := rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSupervisor)
	agents := rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor)
	supervisorOnly := rbac.RequireAnyRole(rbac.RoleSupervisor)

	camps := v1.Group("/campaigns/:id")
	{
		camps.POST("/reconcile", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSupervisor, rbac.RoleIntegration), h.Reconcile)
		camps.GET("/summary", supervisors, h.Summary)
		camps.POST("/user-queue/next", agents, rbac.RequireOperator(), h.Next)
		camps.POST("/user-queue/rebalance", supervisorOnly, h.Rebalance)
		camps.POST("/user-queue/reclaim", supervisorOnly, h.Reclaim)
	}

	items := v1.Group("/queue-items/:id")
	items.Use(supervisorOnly)
	{
		items.POST("/promote", h.Promote)
		items.POST("/reschedule", h.Reschedule)
		items.POST("/reset", h.Reset)
	}

	uq := v1.Group("/user-queue/:id")
	{
		uq.POST("/boost", supervisorOnly, h.Boost)
		uq.POST("/close", agents, rbac.RequireOperator(), h.Close)
		uq.POST("/retry", agents, rbac.RequireOperator(), h.Retry)
		uq.POST("/release", agents, rbac.RequireOperator(), h.Release)
	}
}
