package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
)

// Repository abstracts the read side used for reporting.
//
// IMPORTANT:
// - Reads are not locked; the summary may straddle concurrent updates.
// - Every method is scoped to one campaign.
type Repository interface {
	GetCampaign(ctx context.Context, campaignID string) (campaigns.Campaign, error)
	// QueueStatusCounts counts queue items per status, promoted or not.
	QueueStatusCounts(ctx context.Context, campaignID string) (map[dispatch.Status]int, error)
	UserQueueStatusCounts(ctx context.Context, campaignID string) (map[humanqueue.Status]int, error)
	CohortProgress(ctx context.Context, campaignID string) (map[string]dispatch.CohortStat, error)
	CountBacklog(ctx context.Context, campaignID string) (int, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) QueueSummary(ctx context.Context, campaignID string) (QueueSummary, error) {
	if campaignID == "" {
		return QueueSummary{}, fmt.Errorf("%w: campaign_id required", apperr.ErrInvalidArgument)
	}
	if s == nil || s.repo == nil {
		return QueueSummary{}, errors.New("reporting: repository not configured")
	}

	camp, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return QueueSummary{}, err
	}
	qi, err := s.repo.QueueStatusCounts(ctx, campaignID)
	if err != nil {
		return QueueSummary{}, err
	}
	uq, err := s.repo.UserQueueStatusCounts(ctx, campaignID)
	if err != nil {
		return QueueSummary{}, err
	}
	backlog, err := s.repo.CountBacklog(ctx, campaignID)
	if err != nil {
		return QueueSummary{}, err
	}

	out := QueueSummary{
		CampaignID:  camp.ID,
		Status:      camp.Status,
		PauseReason: camp.PauseReason,
		Backlog:     backlog,
		QueueItems:  qi,
		UserQueue:   uq,
	}
	for st, n := range uq {
		if st != humanqueue.StatusClosed {
			out.OpenUserItems += n
		}
	}

	if len(camp.CohortTargets) == 0 {
		return out, nil
	}
	progress, err := s.repo.CohortProgress(ctx, campaignID)
	if err != nil {
		return QueueSummary{}, err
	}
	names := make([]string, 0, len(camp.CohortTargets))
	for name := range camp.CohortTargets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := progress[name]
		target := camp.CohortTargets[name]
		out.Cohorts = append(out.Cohorts, CohortSummary{
			Cohort:    name,
			Target:    target,
			Completed: p.Completed,
			Ready:     p.Ready,
			Remaining: max(target-p.Completed, 0),
		})
	}
	return out, nil
}
