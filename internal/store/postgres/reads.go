package postgres

import (
	"context"

	"dispatch-engine/internal/audit"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
)

// Append implements audit.Repository.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	const q = `
INSERT INTO audit_events (
  id, campaign_id, type, actor_user_id, actor_role, ip_address,
  queue_item_id, user_queue_item_id, message, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err := s.DB.ExecContext(ctx, q,
		e.ID,
		e.CampaignID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.QueueItemID,
		e.UserQueueItemID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

// ListCampaignIDs returns campaigns in any of the given statuses.
func (s *Store) ListCampaignIDs(ctx context.Context, statuses []campaigns.Status) ([]string, error) {
	const q = `SELECT id FROM campaigns WHERE status = ANY($1) ORDER BY id`
	return s.ids(ctx, q, strs(statuses))
}

// ListMissedPromotions returns INTENT_YES queue items not yet handed to the
// human queue, oldest first.
func (s *Store) ListMissedPromotions(ctx context.Context, campaignID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id
FROM queue_items
WHERE campaign_id = $1 AND status = 'INTENT_YES' AND NOT promoted_to_user_queue
ORDER BY updated_at, id
LIMIT $2
`
	return s.ids(ctx, q, campaignID, limit)
}

func (s *Store) ids(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Reporting reads run outside a transaction.

func (s *Store) GetCampaign(ctx context.Context, campaignID string) (campaigns.Campaign, error) {
	return getCampaign(ctx, s.DB, campaignID, false)
}

func (s *Store) QueueStatusCounts(ctx context.Context, campaignID string) (map[dispatch.Status]int, error) {
	const q = `SELECT status, count(*) FROM queue_items WHERE campaign_id = $1 GROUP BY status`
	return countStatuses[dispatch.Status](ctx, s.DB, q, campaignID)
}

func (s *Store) UserQueueStatusCounts(ctx context.Context, campaignID string) (map[humanqueue.Status]int, error) {
	const q = `SELECT status, count(*) FROM user_queue_items WHERE campaign_id = $1 GROUP BY status`
	return countStatuses[humanqueue.Status](ctx, s.DB, q, campaignID)
}

func (s *Store) CohortProgress(ctx context.Context, campaignID string) (map[string]dispatch.CohortStat, error) {
	return cohortProgress(ctx, s.DB, campaignID)
}

func (s *Store) CountBacklog(ctx context.Context, campaignID string) (int, error) {
	return countBacklog(ctx, s.DB, campaignID)
}
