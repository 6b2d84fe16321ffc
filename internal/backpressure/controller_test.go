package backpressure

import (
	"context"
	"testing"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/audit"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/notify"
)

type fakeStore struct {
	camp campaigns.Campaign
	open int
}

func (s *fakeStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return fn(ctx, s)
}

func (s *fakeStore) LockCampaign(_ context.Context, id string) (campaigns.Campaign, error) {
	if id != s.camp.ID {
		return campaigns.Campaign{}, apperr.NotFound("campaign", id)
	}
	return s.camp, nil
}

func (s *fakeStore) CountOpenUserItems(context.Context, string) (int, error) { return s.open, nil }

func (s *fakeStore) UpdateCampaignStatus(_ context.Context, _ string, st campaigns.Status, reason string, _ time.Time) error {
	s.camp.Status = st
	s.camp.PauseReason = reason
	return nil
}

type auditRecorder struct{ types []audit.EventType }

func (a *auditRecorder) LogSystemAction(_ context.Context, typ audit.EventType, _, _ string, _ int) error {
	a.types = append(a.types, typ)
	return nil
}

func newTestController(s *fakeStore) (*Controller, *notify.MemoryPublisher, *auditRecorder) {
	pub := notify.NewMemoryPublisher()
	rec := &auditRecorder{}
	c := NewController(s, pub, Config{Ceiling: 4, Floor: 3})
	c.Audit = rec
	return c, pub, rec
}

func TestCheck_HysteresisSequence(t *testing.T) {
	s := &fakeStore{camp: campaigns.Campaign{ID: "c1", Status: campaigns.StatusActive}}
	c, pub, rec := newTestController(s)

	want := []campaigns.Status{campaigns.StatusPaused, campaigns.StatusPaused, campaigns.StatusActive}
	for i, open := range []int{5, 4, 3} {
		s.open = open
		if _, err := c.Check(context.Background(), "c1"); err != nil {
			t.Fatalf("check: %v", err)
		}
		if s.camp.Status != want[i] {
			t.Fatalf("count %d: expected %s, got %s", open, want[i], s.camp.Status)
		}
	}
	if got := pub.Types(); len(got) != 2 || got[0] != notify.CampaignPaused || got[1] != notify.CampaignResumed {
		t.Fatalf("unexpected events %v", got)
	}
	if len(rec.types) != 2 {
		t.Fatalf("expected both flips audited, got %v", rec.types)
	}
}

func TestCheck_DeadBandHoldsActive(t *testing.T) {
	s := &fakeStore{camp: campaigns.Campaign{ID: "c1", Status: campaigns.StatusActive}, open: 3}
	c, pub, _ := newTestController(s)

	d, err := c.Check(context.Background(), "c1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Changed() || s.camp.Status != campaigns.StatusActive {
		t.Fatalf("expected no change, got %+v", d)
	}
	if len(pub.Events()) != 0 {
		t.Fatalf("expected no events")
	}
}

func TestCheck_DoesNotResumeWindowPause(t *testing.T) {
	s := &fakeStore{camp: campaigns.Campaign{ID: "c1", Status: campaigns.StatusPaused, PauseReason: campaigns.PauseReasonWindowExpired}}
	c, _, _ := newTestController(s)

	if _, err := c.Check(context.Background(), "c1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if s.camp.Status != campaigns.StatusPaused {
		t.Fatalf("window pause must not be lifted by backpressure")
	}
}

func TestCheck_OnlyActivePauses(t *testing.T) {
	s := &fakeStore{camp: campaigns.Campaign{ID: "c1", Status: campaigns.StatusDraft}, open: 9}
	c, _, _ := newTestController(s)

	if _, err := c.Check(context.Background(), "c1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if s.camp.Status != campaigns.StatusDraft {
		t.Fatalf("expected draft untouched, got %s", s.camp.Status)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Ceiling: 4, Floor: 9}.withDefaults()
	if cfg.Floor != 3 {
		t.Fatalf("expected floor clamped below ceiling, got %d", cfg.Floor)
	}
	if d := (Config{}).withDefaults(); d.Ceiling != 4 || d.Floor != 3 {
		t.Fatalf("unexpected defaults %+v", d)
	}
}
