package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/audit"
	"dispatch-engine/internal/auth"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
	"dispatch-engine/internal/rbac"
	"dispatch-engine/internal/reporting"
	"dispatch-engine/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Dispatcher interface {
	Reconcile(ctx context.Context, campaignID string) (dispatch.ReconcileResult, error)
	Reschedule(ctx context.Context, queueItemID string, at time.Time) (dispatch.QueueItem, error)
	Reset(ctx context.Context, queueItemID string) (dispatch.QueueItem, error)
}

type HumanQueue interface {
	Promote(ctx context.Context, queueItemID string, manual bool) (humanqueue.Item, error)
	Next(ctx context.Context, campaignID, userID string) (humanqueue.Item, bool, error)
	Rebalance(ctx context.Context, campaignID string) (int, error)
	ReclaimStale(ctx context.Context, campaignID string, timeout time.Duration) ([]humanqueue.Item, error)
	Boost(ctx context.Context, itemID string) (humanqueue.Item, error)
	Close(ctx context.Context, itemID, userID string, res humanqueue.Resolution, notes string) (humanqueue.Item, error)
	RetryLater(ctx context.Context, itemID, userID string, at time.Time) (humanqueue.Item, error)
	Release(ctx context.Context, itemID, userID string) (humanqueue.Item, error)
}

type Reporter interface {
	QueueSummary(ctx context.Context, campaignID string) (reporting.QueueSummary, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth       *auth.Manager
	Dispatch   Dispatcher
	HumanQueue HumanQueue
	Reporting  Reporter
	Now        func() time.Time

	// DevLogin enables unauthenticated token issuance. Never set in production.
	DevLogin bool
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// operator returns the caller's user id; RequireOperator has already run.
func operator(c *gin.Context) string {
	uid, _ := auth.UserID(c.Request.Context())
	return uid
}

// ClientIP makes the caller's address available to audit records.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: development token issuance only; no credentials are checked. It
// answers 501 unless DevLogin is set, and never issues hidden roles.
func (h Handlers) Login(c *gin.Context) {
	if !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "login not available"})
		return
	}
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.Known(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a known role required"})
		return
	}
	if rbac.IsSuperAdmin(req.Role) || rbac.IsHiddenRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role cannot be issued by login"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Campaigns ---

func (h Handlers) Reconcile(c *gin.Context) {
	res, err := h.Dispatch.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) Summary(c *gin.Context) {
	out, err := h.Reporting.QueueSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Next hands the caller the most urgent item, or 204 when there is no work.
func (h Handlers) Next(c *gin.Context) {
	it, ok, err := h.HumanQueue.Next(c.Request.Context(), c.Param("id"), operator(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (h Handlers) Rebalance(c *gin.Context) {
	n, err := h.HumanQueue.Rebalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rescored": n})
}

type reclaimRequest struct {
	// Timeout is a Go duration string; empty uses the configured lock timeout.
	Timeout string `json:"timeout"`
}

func (h Handlers) Reclaim(c *gin.Context) {
	var req reclaimRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "timeout must be a positive duration"})
			return
		}
		timeout = d
	}
	items, err := h.HumanQueue.ReclaimStale(c.Request.Context(), c.Param("id"), timeout)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []humanqueue.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"reclaimed": items})
}

// --- Queue items ---

func (h Handlers) Promote(c *gin.Context) {
	it, err := h.HumanQueue.Promote(c.Request.Context(), c.Param("id"), true)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

type rescheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (h Handlers) Reschedule(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	qi, err := h.Dispatch.Reschedule(c.Request.Context(), c.Param("id"), req.ScheduledFor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, qi)
}

func (h Handlers) Reset(c *gin.Context) {
	qi, err := h.Dispatch.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, qi)
}

// --- User queue ---

func (h Handlers) Boost(c *gin.Context) {
	it, err := h.HumanQueue.Boost(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

type closeRequest struct {
	Resolution humanqueue.Resolution `json:"resolution"`
	Notes      string                `json:"notes"`
}

func (h Handlers) Close(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	it, err := h.HumanQueue.Close(c.Request.Context(), c.Param("id"), operator(c), req.Resolution, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

type retryRequest struct {
	RetryAt time.Time `json:"retry_at"`
}

func (h Handlers) Retry(c *gin.Context) {
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	it, err := h.HumanQueue.RetryLater(c.Request.Context(), c.Param("id"), operator(c), req.RetryAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (h Handlers) Release(c *gin.Context) {
	it, err := h.HumanQueue.Release(c.Request.Context(), c.Param("id"), operator(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}
