package audit

import (
	"context"
	"strings"
	"sync"
	"testing"

	"dispatch-engine/internal/auth"
)

type memoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func (r *memoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func TestService_AppendRequiresCampaignAndType(t *testing.T) {
	svc := NewService(&memoryRepo{})

	if err := svc.Append(context.Background(), Event{Type: EventTypePriorityBoost}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{CampaignID: "c"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_NilIsNotConfigured(t *testing.T) {
	var svc *Service
	if err := svc.Append(context.Background(), Event{CampaignID: "c", Type: EventTypePriorityBoost}); err == nil {
		t.Fatalf("expected error from nil service")
	}
}

func TestService_OperatorActionCapturesActor(t *testing.T) {
	repo := &memoryRepo{}
	svc := NewService(repo)

	ctx := auth.WithIdentity(context.Background(), "u1", "supervisor")
	ctx = WithClientIP(ctx, "1.2.3.4")
	if err := svc.LogOperatorAction(ctx, EventTypePriorityBoost, "c1", "", "uq1", "boost applied"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if len(repo.events) != 1 {
		t.Fatalf("expected 1 event")
	}
	e := repo.events[0]
	if e.ActorUserID != "u1" || e.ActorRole != "supervisor" || e.IPAddress != "1.2.3.4" {
		t.Fatalf("expected actor captured, got %+v", e)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
}

func TestService_SystemActionHasNoActor(t *testing.T) {
	repo := &memoryRepo{}
	svc := NewService(repo)

	if err := svc.LogSystemAction(context.Background(), EventTypeCampaignPaused, "c1", "backpressure", 4); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	e := repo.events[0]
	if e.ActorUserID != "" {
		t.Fatalf("expected no actor")
	}
	if !strings.Contains(e.Metadata, `"open_items":4`) {
		t.Fatalf("unexpected metadata %q", e.Metadata)
	}
}
