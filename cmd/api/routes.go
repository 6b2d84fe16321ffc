package main

import (
	"net/http"

	"dispatch-engine/internal/app"
	"dispatch-engine/internal/auth"
	"dispatch-engine/internal/dialer"
	"dispatch-engine/internal/httpapi"
	"dispatch-engine/pkg/logger"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app.App, authManager *auth.Manager) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		checks := gin.H{}
		status := http.StatusOK
		for name, err := range a.Ready(c.Request.Context()) {
			if err != nil {
				logger.FromGin(c).Warn("readiness check failed", "dependency", name, "err", err)
				checks[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		c.JSON(status, gin.H{"checks": checks})
	})

	// Dialer callbacks are public; the signature header authenticates them.
	wh := dialer.WebhookHandler{
		Apply:  a.ApplyOutcome(),
		Secret: a.Config.Dialer.WebhookSecret,
	}
	r.POST("/webhooks/dialer/call-completed", wh.HandleCallCompleted)

	h := httpapi.Handlers{
		Auth:       authManager,
		Dispatch:   a.Dispatch,
		HumanQueue: a.HumanQueue,
		Reporting:  a.Reporting,
		DevLogin:   !a.Config.IsProduction(),
	}

	// NOTE: development token issuance; answers 501 in production.
	r.POST("/v1/auth/login", h.Login)

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(authManager))
	h.Register(v1)
}
