package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dispatch-engine/internal/auth"
	"dispatch-engine/internal/backpressure"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/config"
	"dispatch-engine/internal/dialer"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/httpapi"
	"dispatch-engine/internal/humanqueue"
	"dispatch-engine/internal/notify"
	"dispatch-engine/internal/rbac"
	"dispatch-engine/internal/reporting"
	"dispatch-engine/internal/store/memory"

	"github.com/gin-gonic/gin"
)

type nopDialer struct{}

func (nopDialer) Submit(_ context.Context, _ string, _, itemIDs []string) ([]dialer.SubmitResult, error) {
	out := make([]dialer.SubmitResult, len(itemIDs))
	for i, id := range itemIDs {
		out[i] = dialer.SubmitResult{QueueItemID: id, Status: "ok"}
	}
	return out, nil
}

type testAPI struct {
	store  *memory.Store
	router *gin.Engine
}

// identity stands in for RequireAccessToken; headers carry the caller.
func identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), c.GetHeader("X-Test-User"), c.GetHeader("X-Test-Role"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New()
	store.PutCampaign(campaigns.Campaign{ID: "c1", Status: campaigns.StatusActive, MaxConcurrentCalls: 1, TargetReadyBuffer: 2})
	store.AddLeads(
		campaigns.Lead{ID: "l1", CampaignID: "c1", CreatedAt: time.Unix(1, 0)},
		campaigns.Lead{ID: "l2", CampaignID: "c1", CreatedAt: time.Unix(2, 0)},
		campaigns.Lead{ID: "l3", CampaignID: "c1", CreatedAt: time.Unix(3, 0)},
	)

	pub := notify.NewMemoryPublisher()
	d := dispatch.NewController(store.Dispatch(), nopDialer{}, pub, dispatch.Config{})
	bp := backpressure.NewController(store.Backpressure(), pub, backpressure.Config{})
	hq := humanqueue.NewController(store.HumanQueue(), bp, pub, humanqueue.Config{})

	authManager, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	h := httpapi.Handlers{Auth: authManager, Dispatch: d, HumanQueue: hq, Reporting: reporting.NewService(store), DevLogin: true}

	r := gin.New()
	r.POST("/v1/auth/login", h.Login)
	v1 := r.Group("/v1")
	v1.Use(identity())
	h.Register(v1)
	return &testAPI{store: store, router: r}
}

func (a *testAPI) do(t *testing.T, method, path, user, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	req.Header.Set("X-Test-Role", role)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func TestLogin_IssuesTokens(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/v1/auth/login", "", "", map[string]string{"user_id": "op1", "role": rbac.RoleAgent})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	pair := decode[auth.TokenPair](t, w)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", pair)
	}

	w = a.do(t, http.MethodPost, "/v1/auth/login", "", "", map[string]string{"user_id": "op1", "role": "root"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}

	for _, role := range []string{rbac.RoleSuperAdmin, rbac.RoleIntegration} {
		w = a.do(t, http.MethodPost, "/v1/auth/login", "", "", map[string]string{"user_id": "op1", "role": role})
		if w.Code != http.StatusForbidden {
			t.Fatalf("expected 403 for %s, got %d", role, w.Code)
		}
	}
}

func TestLogin_DisabledWithoutDevLogin(t *testing.T) {
	authManager, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	h := httpapi.Handlers{Auth: authManager}
	r := gin.New()
	r.POST("/v1/auth/login", h.Login)

	body := bytes.NewBufferString(`{"user_id":"x","role":"super_admin"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d: %s", w.Code, w.Body.String())
	}
}

func TestReconcile_RoleChecks(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/v1/campaigns/c1/reconcile", "a1", rbac.RoleAgent, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected agent forbidden, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/v1/campaigns/c1/reconcile", "s1", rbac.RoleSupervisor, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[dispatch.ReconcileResult](t, w)
	if res.Replenished != 2 || res.Dialing != 1 {
		t.Fatalf("unexpected reconcile %+v", res)
	}

	w = a.do(t, http.MethodPost, "/v1/campaigns/missing/reconcile", "s1", rbac.RoleSupervisor, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSummary(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/v1/campaigns/c1/summary", "o1", rbac.RoleOwner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	out := decode[reporting.QueueSummary](t, w)
	if out.Backlog != 3 || out.Status != campaigns.StatusActive {
		t.Fatalf("unexpected summary %+v", out)
	}
}

func TestOperatorFlow(t *testing.T) {
	a := newTestAPI(t)
	a.store.PutQueueItem(dispatch.QueueItem{ID: "q1", CampaignID: "c1", LeadID: "l1", Status: dispatch.StatusIntentYes})

	w := a.do(t, http.MethodPost, "/v1/queue-items/q1/promote", "s1", rbac.RoleSupervisor, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("promote: %d %s", w.Code, w.Body.String())
	}
	promoted := decode[humanqueue.Item](t, w)

	w = a.do(t, http.MethodPost, "/v1/campaigns/c1/user-queue/next", "a1", rbac.RoleAgent, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("next: %d %s", w.Code, w.Body.String())
	}
	locked := decode[humanqueue.Item](t, w)
	if locked.ID != promoted.ID || locked.LockedByUserID != "a1" {
		t.Fatalf("unexpected locked item %+v", locked)
	}

	w = a.do(t, http.MethodPost, "/v1/user-queue/"+locked.ID+"/close", "a2", rbac.RoleAgent, map[string]string{"resolution": "CLOSE_WON"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for another operator's item, got %d", w.Code)
	}
	w = a.do(t, http.MethodPost, "/v1/user-queue/"+locked.ID+"/close", "a1", rbac.RoleAgent, map[string]string{"resolution": "NOPE"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad resolution, got %d", w.Code)
	}
	w = a.do(t, http.MethodPost, "/v1/user-queue/"+locked.ID+"/close", "a1", rbac.RoleAgent, map[string]string{"resolution": "CLOSE_WON", "notes": "booked"})
	if w.Code != http.StatusOK {
		t.Fatalf("close: %d %s", w.Code, w.Body.String())
	}
	if closed := decode[humanqueue.Item](t, w); closed.Status != humanqueue.StatusClosed {
		t.Fatalf("expected CLOSED, got %s", closed.Status)
	}

	w = a.do(t, http.MethodPost, "/v1/campaigns/c1/user-queue/next", "a1", rbac.RoleAgent, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with no work, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRetryAndRelease(t *testing.T) {
	a := newTestAPI(t)
	a.store.PutQueueItem(dispatch.QueueItem{ID: "q1", CampaignID: "c1", LeadID: "l1", Status: dispatch.StatusIntentYes})

	w := a.do(t, http.MethodPost, "/v1/campaigns/c1/user-queue/next", "a1", rbac.RoleAgent, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("next: %d %s", w.Code, w.Body.String())
	}
	it := decode[humanqueue.Item](t, w)

	w = a.do(t, http.MethodPost, "/v1/user-queue/"+it.ID+"/release", "a1", rbac.RoleAgent, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("release: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/v1/campaigns/c1/user-queue/next", "a1", rbac.RoleAgent, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("next: %d", w.Code)
	}
	at := time.Now().Add(time.Hour).UTC()
	w = a.do(t, http.MethodPost, "/v1/user-queue/"+it.ID+"/retry", "a1", rbac.RoleAgent, map[string]any{"retry_at": at})
	if w.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", w.Code, w.Body.String())
	}
	if got := decode[humanqueue.Item](t, w); got.Status != humanqueue.StatusRescheduled || got.RetryCount != 1 {
		t.Fatalf("unexpected retry result %+v", got)
	}
}

func TestQueueItemAdmin(t *testing.T) {
	a := newTestAPI(t)
	a.store.PutQueueItem(dispatch.QueueItem{ID: "q1", CampaignID: "c1", LeadID: "l1", Status: dispatch.StatusFailed})
	a.store.PutQueueItem(dispatch.QueueItem{ID: "q2", CampaignID: "c1", LeadID: "l2", Status: dispatch.StatusReady})

	w := a.do(t, http.MethodPost, "/v1/queue-items/q1/reset", "s1", rbac.RoleSupervisor, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", w.Code, w.Body.String())
	}
	w = a.do(t, http.MethodPost, "/v1/queue-items/q2/reset", "s1", rbac.RoleSupervisor, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 resetting a READY item, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/v1/queue-items/q2/reschedule", "s1", rbac.RoleSupervisor, map[string]any{"scheduled_for": time.Now().Add(time.Hour)})
	if w.Code != http.StatusOK {
		t.Fatalf("reschedule: %d %s", w.Code, w.Body.String())
	}
	w = a.do(t, http.MethodPost, "/v1/queue-items/q2/reschedule", "s1", rbac.RoleSupervisor, map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a time, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/v1/queue-items/q2/promote", "a1", rbac.RoleAgent, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected agent forbidden from promote, got %d", w.Code)
	}
}

func TestSupervisorQueueMaintenance(t *testing.T) {
	a := newTestAPI(t)
	a.store.PutQueueItem(dispatch.QueueItem{ID: "q1", CampaignID: "c1", LeadID: "l1", Status: dispatch.StatusIntentYes})

	w := a.do(t, http.MethodPost, "/v1/queue-items/q1/promote", "s1", rbac.RoleSupervisor, nil)
	it := decode[humanqueue.Item](t, w)

	w = a.do(t, http.MethodPost, "/v1/user-queue/"+it.ID+"/boost", "s1", rbac.RoleSupervisor, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("boost: %d %s", w.Code, w.Body.String())
	}
	w = a.do(t, http.MethodPost, "/v1/user-queue/missing/boost", "s1", rbac.RoleSupervisor, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/v1/campaigns/c1/user-queue/rebalance", "s1", rbac.RoleSupervisor, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rebalance: %d", w.Code)
	}
	w = a.do(t, http.MethodPost, "/v1/campaigns/c1/user-queue/reclaim", "s1", rbac.RoleSupervisor, map[string]string{"timeout": "5m"})
	if w.Code != http.StatusOK {
		t.Fatalf("reclaim: %d %s", w.Code, w.Body.String())
	}
	w = a.do(t, http.MethodPost, "/v1/campaigns/c1/user-queue/reclaim", "s1", rbac.RoleSupervisor, map[string]string{"timeout": "soon"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timeout, got %d", w.Code)
	}
}
