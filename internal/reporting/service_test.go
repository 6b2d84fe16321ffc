package reporting

import (
	"context"
	"errors"
	"testing"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
)

type fakeRepo struct {
	camp     campaigns.Campaign
	queue    map[dispatch.Status]int
	users    map[humanqueue.Status]int
	progress map[string]dispatch.CohortStat
	backlog  int
}

func (r *fakeRepo) GetCampaign(_ context.Context, id string) (campaigns.Campaign, error) {
	if id != r.camp.ID {
		return campaigns.Campaign{}, apperr.NotFound("campaign", id)
	}
	return r.camp, nil
}

func (r *fakeRepo) QueueStatusCounts(context.Context, string) (map[dispatch.Status]int, error) {
	return r.queue, nil
}

func (r *fakeRepo) UserQueueStatusCounts(context.Context, string) (map[humanqueue.Status]int, error) {
	return r.users, nil
}

func (r *fakeRepo) CohortProgress(context.Context, string) (map[string]dispatch.CohortStat, error) {
	return r.progress, nil
}

func (r *fakeRepo) CountBacklog(context.Context, string) (int, error) { return r.backlog, nil }

func TestQueueSummary_Aggregates(t *testing.T) {
	repo := &fakeRepo{
		camp: campaigns.Campaign{
			ID:            "c1",
			Status:        campaigns.StatusPaused,
			PauseReason:   campaigns.PauseReasonBackpressure,
			CohortTargets: map[string]int{"b": 5, "a": 2},
		},
		queue:    map[dispatch.Status]int{dispatch.StatusReady: 3, dispatch.StatusDialing: 2},
		users:    map[humanqueue.Status]int{humanqueue.StatusReady: 2, humanqueue.StatusLocked: 1, humanqueue.StatusClosed: 7},
		progress: map[string]dispatch.CohortStat{"a": {Completed: 4, Ready: 1}, "b": {Completed: 1, Ready: 2}},
		backlog:  12,
	}
	out, err := NewService(repo).QueueSummary(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.OpenUserItems != 3 {
		t.Fatalf("expected 3 open items, got %d", out.OpenUserItems)
	}
	if out.Backlog != 12 || out.PauseReason != campaigns.PauseReasonBackpressure {
		t.Fatalf("unexpected summary %+v", out)
	}
	if len(out.Cohorts) != 2 || out.Cohorts[0].Cohort != "a" || out.Cohorts[1].Cohort != "b" {
		t.Fatalf("expected cohorts sorted by name, got %+v", out.Cohorts)
	}
	if out.Cohorts[0].Remaining != 0 {
		t.Fatalf("over-target cohort must report zero remaining, got %d", out.Cohorts[0].Remaining)
	}
	if out.Cohorts[1].Remaining != 4 || out.Cohorts[1].Ready != 2 {
		t.Fatalf("unexpected cohort b %+v", out.Cohorts[1])
	}
}

func TestQueueSummary_NoCohorts(t *testing.T) {
	repo := &fakeRepo{camp: campaigns.Campaign{ID: "c1", Status: campaigns.StatusActive}}
	out, err := NewService(repo).QueueSummary(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Cohorts != nil {
		t.Fatalf("expected no cohort section, got %+v", out.Cohorts)
	}
}

func TestQueueSummary_Errors(t *testing.T) {
	svc := NewService(&fakeRepo{camp: campaigns.Campaign{ID: "c1"}})
	if _, err := svc.QueueSummary(context.Background(), ""); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := svc.QueueSummary(context.Background(), "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
