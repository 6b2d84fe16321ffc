package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/backpressure"
	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dialer"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/engine"
	"dispatch-engine/internal/humanqueue"
	"dispatch-engine/internal/notify"
	"dispatch-engine/internal/store/memory"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type okDialer struct{ calls int }

func (d *okDialer) Submit(_ context.Context, _ string, _, itemIDs []string) ([]dialer.SubmitResult, error) {
	d.calls++
	out := make([]dialer.SubmitResult, len(itemIDs))
	for i, id := range itemIDs {
		out[i] = dialer.SubmitResult{QueueItemID: id, Status: "ok"}
	}
	return out, nil
}

type harness struct {
	store  *memory.Store
	eng    *engine.Engine
	dialer *okDialer
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: memory.New(), dialer: &okDialer{}, now: t0}
	clock := func() time.Time { return h.now }
	pub := notify.NewMemoryPublisher()

	h.store.PutCampaign(campaigns.Campaign{ID: "c1", Status: campaigns.StatusActive, MaxConcurrentCalls: 1, TargetReadyBuffer: 1})

	d := dispatch.NewController(h.store.Dispatch(), h.dialer, pub, dispatch.Config{PositiveIntentThreshold: 0.6})
	d.Now = clock
	bp := backpressure.NewController(h.store.Backpressure(), pub, backpressure.Config{})
	bp.Now = clock
	hq := humanqueue.NewController(h.store.HumanQueue(), bp, pub, humanqueue.Config{})
	hq.Now = clock

	h.eng = engine.New(d, hq, h.store, engine.Config{PositiveIntentThreshold: 0.6})
	h.eng.Now = clock
	return h
}

func (h *harness) dialing(id, lead string) {
	h.store.AddLeads(campaigns.Lead{ID: lead, CampaignID: "c1", CreatedAt: t0})
	h.store.PutQueueItem(dispatch.QueueItem{
		ID: id, CampaignID: "c1", LeadID: lead, Status: dispatch.StatusDialing, CreatedAt: t0, UpdatedAt: t0,
	})
}

func TestHandleCallCompleted_PromotesPositiveAndRefills(t *testing.T) {
	h := newHarness(t)
	h.dialing("q1", "l1")
	h.store.AddLeads(campaigns.Lead{ID: "l2", CampaignID: "c1", CreatedAt: t0.Add(time.Second)})

	conf := 0.85
	res, err := h.eng.HandleCallCompleted(context.Background(), calls.Record{
		QueueItemID: "q1",
		CallStatus:  calls.CallStatusCompleted,
		Extracted:   calls.ExtractedData{Interested: true, Confidence: &conf},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.QueueItem.Status != dispatch.StatusIntentYes {
		t.Fatalf("expected INTENT_YES, got %s", res.QueueItem.Status)
	}
	if res.Promoted == nil || res.Promoted.OriginalQueueItemID != "q1" {
		t.Fatalf("expected promotion, got %+v", res.Promoted)
	}
	if res.Reconcile == nil || res.Reconcile.Dialing != 1 {
		t.Fatalf("expected freed slot redialed, got %+v", res.Reconcile)
	}
	qi, _ := h.store.QueueItem("q1")
	if !qi.PromotedToUserQueue {
		t.Fatalf("expected queue item marked promoted")
	}
}

func TestHandleCallCompleted_NegativeNotPromoted(t *testing.T) {
	h := newHarness(t)
	h.dialing("q1", "l1")

	res, err := h.eng.HandleCallCompleted(context.Background(), calls.Record{
		QueueItemID:       "q1",
		CallStatus:        calls.CallStatusCompleted,
		TranscriptSummary: "not interested",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Promoted != nil || len(h.store.UserItems("c1")) != 0 {
		t.Fatalf("negative call promoted")
	}
	if res.QueueItem.Status != dispatch.StatusIntentNo {
		t.Fatalf("expected INTENT_NO, got %s", res.QueueItem.Status)
	}
}

func TestHandleCallCompleted_InFlightSkipsReconcile(t *testing.T) {
	h := newHarness(t)
	h.dialing("q1", "l1")

	res, err := h.eng.HandleCallCompleted(context.Background(), calls.Record{QueueItemID: "q1", CallStatus: calls.CallStatusRinging})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Reconcile != nil || h.dialer.calls != 0 {
		t.Fatalf("in-flight update must not reconcile")
	}
}

func TestHandleCallCompleted_Validation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.HandleCallCompleted(context.Background(), calls.Record{CallStatus: calls.CallStatusCompleted}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := h.eng.HandleCallCompleted(context.Background(), calls.Record{QueueItemID: "nope", CallStatus: calls.CallStatusFailed}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSweep_RecoversMissedPromotionAndStaleLock(t *testing.T) {
	h := newHarness(t)
	h.store.AddLeads(campaigns.Lead{ID: "l1", CampaignID: "c1", CreatedAt: t0})
	h.store.PutQueueItem(dispatch.QueueItem{
		ID: "q1", CampaignID: "c1", LeadID: "l1", Status: dispatch.StatusIntentYes, CreatedAt: t0, UpdatedAt: t0,
	})
	lockedAt := t0.Add(-time.Hour)
	h.store.AddLeads(campaigns.Lead{ID: "l2", CampaignID: "c1", CreatedAt: t0})
	h.store.PutUserItem(humanqueue.Item{
		ID: "u-stale", CampaignID: "c1", LeadID: "l2", Status: humanqueue.StatusLocked,
		LockedByUserID: "op", LockedAt: &lockedAt, CreatedAt: lockedAt, UpdatedAt: lockedAt,
	})

	res, err := h.eng.Sweep(context.Background(), "c1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Reclaimed != 1 || res.Promoted != 1 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	qi, _ := h.store.QueueItem("q1")
	if !qi.PromotedToUserQueue {
		t.Fatalf("expected missed positive promoted")
	}

	res, err = h.eng.Sweep(context.Background(), "c1")
	if err != nil || res.Promoted != 0 || res.Reclaimed != 0 {
		t.Fatalf("second sweep should be a no-op, got %+v err=%v", res, err)
	}
}

func TestSweep_UnknownCampaignJoinsErrors(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Sweep(context.Background(), "nope")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCampaigns_ListsLiveCampaigns(t *testing.T) {
	h := newHarness(t)
	h.store.PutCampaign(campaigns.Campaign{ID: "c2", Status: campaigns.StatusPaused})
	h.store.PutCampaign(campaigns.Campaign{ID: "c3", Status: campaigns.StatusCompleted})
	h.store.PutCampaign(campaigns.Campaign{ID: "c4", Status: campaigns.StatusDraft})

	ids, err := h.eng.Campaigns(context.Background())
	if err != nil {
		t.Fatalf("campaigns: %v", err)
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Fatalf("unexpected campaigns %v", ids)
	}
}
