package dialer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/calls"

	"github.com/gin-gonic/gin"
)

const completedBody = `{"queue_item_id":"q1","call_status":"completed","extracted_data":{"interested":"yes","confidence":"0.8"},"transcript_summary":"wants a callback"}`

func newWebhookRouter(h WebhookHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/dialer/call-completed", h.HandleCallCompleted)
	return r
}

func post(r *gin.Engine, body, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/dialer/call-completed", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_AppliesSignedOutcome(t *testing.T) {
	var got calls.Record
	r := newWebhookRouter(WebhookHandler{
		Secret: "s3cret",
		Apply: func(_ context.Context, rec calls.Record) error {
			got = rec
			return nil
		},
	})

	w := post(r, completedBody, "sha256="+Sign("s3cret", []byte(completedBody)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if got.QueueItemID != "q1" || !got.Extracted.Interested {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Extracted.Confidence == nil || *got.Extracted.Confidence != 0.8 {
		t.Fatalf("expected confidence parsed from string")
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	called := false
	r := newWebhookRouter(WebhookHandler{
		Secret: "s3cret",
		Apply:  func(context.Context, calls.Record) error { called = true; return nil },
	})

	if w := post(r, completedBody, Sign("other", []byte(completedBody))); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := post(r, completedBody, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", w.Code)
	}
	if called {
		t.Fatalf("outcome must not be applied")
	}
}

func TestWebhook_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed", `{"call_status":"completed"}`, nil, http.StatusBadRequest},
		{"unknown item", completedBody, apperr.NotFound("queue_item", "q1"), http.StatusNotFound},
		{"store failure", completedBody, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newWebhookRouter(WebhookHandler{Apply: func(context.Context, calls.Record) error { return tc.err }})
			if w := post(r, tc.body, ""); w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}
