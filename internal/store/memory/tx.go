package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
)

// tx implements dispatch.Tx, humanqueue.Tx and backpressure.Tx. The store
// mutex is held for its whole life, so Lock* methods are plain reads.
type tx struct {
	st *state
}

func (t *tx) GetCampaign(_ context.Context, id string) (campaigns.Campaign, error) {
	c, ok := t.st.campaigns[id]
	if !ok {
		return campaigns.Campaign{}, notFound("campaign", id)
	}
	return c, nil
}

func (t *tx) LockCampaign(ctx context.Context, id string) (campaigns.Campaign, error) {
	return t.GetCampaign(ctx, id)
}

func (t *tx) UpdateCampaignStatus(_ context.Context, id string, status campaigns.Status, reason string, now time.Time) error {
	c, ok := t.st.campaigns[id]
	if !ok {
		return notFound("campaign", id)
	}
	if status != campaigns.StatusPaused {
		reason = ""
	}
	c.Status = status
	c.PauseReason = reason
	c.UpdatedAt = now
	t.st.campaigns[id] = c
	return nil
}

func (t *tx) WakeScheduled(_ context.Context, campaignID string, now time.Time, priority int) (int, error) {
	n := 0
	for id, qi := range t.st.queue {
		if qi.CampaignID != campaignID || qi.Status != dispatch.StatusScheduled {
			continue
		}
		if qi.ScheduledFor == nil || qi.ScheduledFor.After(now) {
			continue
		}
		qi.Status = dispatch.StatusReady
		qi.PriorityScore = priority
		qi.UpdatedAt = now
		t.st.queue[id] = qi
		n++
	}
	return n, nil
}

func (t *tx) CountByStatus(_ context.Context, campaignID string) (map[dispatch.Status]int, error) {
	out := map[dispatch.Status]int{}
	for _, qi := range t.st.queue {
		if qi.CampaignID != campaignID {
			continue
		}
		if qi.Status == dispatch.StatusReady && qi.PromotedToUserQueue {
			continue
		}
		out[qi.Status]++
	}
	return out, nil
}

func (t *tx) CohortProgress(_ context.Context, campaignID string) (map[string]dispatch.CohortStat, error) {
	out := map[string]dispatch.CohortStat{}
	for _, qi := range t.st.queue {
		if qi.CampaignID != campaignID || qi.CohortID == "" {
			continue
		}
		st := out[qi.CohortID]
		switch {
		case slices.Contains(dispatch.CohortCompletedStatuses, qi.Status):
			st.Completed++
		case qi.Status == dispatch.StatusReady && !qi.PromotedToUserQueue:
			st.Ready++
		}
		out[qi.CohortID] = st
	}
	return out, nil
}

func (t *tx) backlog(campaignID string, cohorts []string) []campaigns.Lead {
	queued := map[string]bool{}
	for _, qi := range t.st.queue {
		if qi.CampaignID == campaignID {
			queued[qi.LeadID] = true
		}
	}
	var out []campaigns.Lead
	for _, l := range t.st.leads {
		if l.CampaignID != campaignID || queued[l.ID] {
			continue
		}
		if len(cohorts) > 0 && !slices.Contains(cohorts, l.Cohort) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return createdBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out
}

func (t *tx) ListBacklog(_ context.Context, campaignID string, cohorts []string, limit int) ([]campaigns.Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := t.backlog(campaignID, cohorts)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) CountBacklog(_ context.Context, campaignID string) (int, error) {
	return len(t.backlog(campaignID, nil)), nil
}

func (t *tx) InsertQueueItem(_ context.Context, qi dispatch.QueueItem) (bool, error) {
	for _, existing := range t.st.queue {
		if existing.CampaignID == qi.CampaignID && existing.LeadID == qi.LeadID {
			return false, nil
		}
	}
	if _, ok := t.st.queue[qi.ID]; ok {
		return false, fmt.Errorf("%w: queue item %s exists", apperr.ErrConflict, qi.ID)
	}
	t.st.queue[qi.ID] = qi
	return true, nil
}

func (t *tx) ListReadyForDial(_ context.Context, campaignID string, limit int) ([]dispatch.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []dispatch.QueueItem
	for _, qi := range t.st.queue {
		if qi.CampaignID == campaignID && qi.Status == dispatch.StatusReady && !qi.PromotedToUserQueue {
			out = append(out, qi)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return createdBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) LockQueueItem(_ context.Context, id string) (dispatch.QueueItem, error) {
	qi, ok := t.st.queue[id]
	if !ok {
		return dispatch.QueueItem{}, notFound("queue_item", id)
	}
	return qi, nil
}

func (t *tx) UpdateQueueItem(_ context.Context, qi dispatch.QueueItem) error {
	prev, ok := t.st.queue[qi.ID]
	if !ok {
		return notFound("queue_item", qi.ID)
	}
	// promoted_to_user_queue never goes back to false.
	qi.PromotedToUserQueue = qi.PromotedToUserQueue || prev.PromotedToUserQueue
	t.st.queue[qi.ID] = qi
	return nil
}

func (t *tx) SaveCallRecord(_ context.Context, rec calls.Record) error {
	t.st.records[rec.ID] = rec
	return nil
}

func (t *tx) LatestCallRecord(_ context.Context, queueItemID string) (*calls.Record, error) {
	var latest *calls.Record
	for _, r := range t.st.records {
		r := r
		if r.QueueItemID != queueItemID {
			continue
		}
		if latest == nil || createdBefore(latest.UpdatedAt, latest.ID, r.UpdatedAt, r.ID) {
			latest = &r
		}
	}
	return latest, nil
}

func (t *tx) FindUnpromotedWorkable(_ context.Context, campaignID string) (dispatch.QueueItem, bool, error) {
	var cands []dispatch.QueueItem
	for _, qi := range t.st.queue {
		if qi.CampaignID == campaignID && !qi.PromotedToUserQueue && slices.Contains(dispatch.WorkableStatuses, qi.Status) {
			cands = append(cands, qi)
		}
	}
	if len(cands) == 0 {
		return dispatch.QueueItem{}, false, nil
	}
	sort.Slice(cands, func(i, j int) bool {
		ri, rj := workableRank(cands[i].Status), workableRank(cands[j].Status)
		if ri != rj {
			return ri < rj
		}
		if cands[i].PriorityScore != cands[j].PriorityScore {
			return cands[i].PriorityScore > cands[j].PriorityScore
		}
		return createdBefore(cands[i].CreatedAt, cands[i].ID, cands[j].CreatedAt, cands[j].ID)
	})
	return cands[0], true, nil
}

// workableRank orders forced promotions: confirmed intent first, then the
// remaining workable states in declaration order.
func workableRank(s dispatch.Status) int {
	return slices.Index(dispatch.WorkableStatuses, s)
}

func (t *tx) GetItem(_ context.Context, id string) (humanqueue.Item, error) {
	it, ok := t.st.users[id]
	if !ok {
		return humanqueue.Item{}, notFound("user_queue_item", id)
	}
	return copyItem(it), nil
}

func (t *tx) LockItem(ctx context.Context, id string) (humanqueue.Item, error) {
	return t.GetItem(ctx, id)
}

func (t *tx) FindOpenItem(_ context.Context, campaignID, leadID string) (humanqueue.Item, bool, error) {
	for _, it := range t.st.users {
		if it.CampaignID == campaignID && it.LeadID == leadID && it.Status != humanqueue.StatusClosed {
			return copyItem(it), true, nil
		}
	}
	return humanqueue.Item{}, false, nil
}

func (t *tx) InsertItem(_ context.Context, it humanqueue.Item) error {
	if _, ok := t.st.users[it.ID]; ok {
		return fmt.Errorf("%w: user queue item %s exists", apperr.ErrConflict, it.ID)
	}
	if it.Status != humanqueue.StatusClosed {
		for _, o := range t.st.users {
			if o.CampaignID == it.CampaignID && o.LeadID == it.LeadID && o.Status != humanqueue.StatusClosed {
				return fmt.Errorf("%w: open user queue item exists for lead %s", apperr.ErrConflict, it.LeadID)
			}
		}
	}
	t.st.users[it.ID] = copyItem(it)
	return nil
}

func (t *tx) UpdateItem(_ context.Context, it humanqueue.Item) error {
	if _, ok := t.st.users[it.ID]; !ok {
		return notFound("user_queue_item", it.ID)
	}
	t.st.users[it.ID] = copyItem(it)
	return nil
}

func (t *tx) ListItems(_ context.Context, campaignID string, f humanqueue.Filter) ([]humanqueue.Item, error) {
	var out []humanqueue.Item
	for _, it := range t.st.users {
		if it.CampaignID != campaignID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, it.Status) {
			continue
		}
		if f.LockedBefore != nil && (it.LockedAt == nil || !it.LockedAt.Before(*f.LockedBefore)) {
			continue
		}
		if f.BoostedOnly && it.ManualPriorityBoost <= 0 {
			continue
		}
		out = append(out, copyItem(it))
	}
	sort.Slice(out, func(i, j int) bool { return createdBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (t *tx) LockNextReady(_ context.Context, campaignID string, now time.Time) (humanqueue.Item, bool, error) {
	var best *humanqueue.Item
	for _, it := range t.st.users {
		it := it
		if it.CampaignID != campaignID || !selectable(it, now) {
			continue
		}
		if best == nil || ranksAbove(it, *best) {
			best = &it
		}
	}
	if best == nil {
		return humanqueue.Item{}, false, nil
	}
	return copyItem(*best), true, nil
}

func selectable(it humanqueue.Item, now time.Time) bool {
	switch it.Status {
	case humanqueue.StatusReady, humanqueue.StatusRescheduled:
		return it.RetryScheduledFor == nil || !it.RetryScheduledFor.After(now)
	default:
		return false
	}
}

func ranksAbove(a, b humanqueue.Item) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	return createdBefore(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
}

func (t *tx) CountOpenUserItems(_ context.Context, campaignID string) (int, error) {
	n := 0
	for _, it := range t.st.users {
		if it.CampaignID == campaignID && it.Status != humanqueue.StatusClosed {
			n++
		}
	}
	return n, nil
}
