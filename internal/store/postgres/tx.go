package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
)

// tx implements dispatch.Tx, humanqueue.Tx and backpressure.Tx.
type tx struct {
	tx *sql.Tx
}

// --- campaigns ---

const campaignCols = `id, name, status, pause_reason, max_concurrent_calls, target_ready_buffer,
  cohort_targets, selected_cohorts, created_at, updated_at`

func scanCampaign(row scanner) (campaigns.Campaign, error) {
	var (
		c                 campaigns.Campaign
		targets, selected []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Status,
		&c.PauseReason,
		&c.MaxConcurrentCalls,
		&c.TargetReadyBuffer,
		&targets,
		&selected,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return campaigns.Campaign{}, err
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &c.CohortTargets); err != nil {
			return campaigns.Campaign{}, fmt.Errorf("campaign %s cohort_targets: %w", c.ID, err)
		}
	}
	if len(selected) > 0 {
		if err := json.Unmarshal(selected, &c.SelectedCohorts); err != nil {
			return campaigns.Campaign{}, fmt.Errorf("campaign %s selected_cohorts: %w", c.ID, err)
		}
	}
	return c, nil
}

func getCampaign(ctx context.Context, q queryer, id string, forUpdate bool) (campaigns.Campaign, error) {
	query := `SELECT ` + campaignCols + ` FROM campaigns WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanCampaign(q.QueryRowContext(ctx, query, id))
	return c, mapErr(err, "campaign", id)
}

func (t *tx) GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error) {
	return getCampaign(ctx, t.tx, id, false)
}

// LockCampaign serializes per-campaign budget checks.
func (t *tx) LockCampaign(ctx context.Context, id string) (campaigns.Campaign, error) {
	return getCampaign(ctx, t.tx, id, true)
}

func (t *tx) UpdateCampaignStatus(ctx context.Context, id string, status campaigns.Status, reason string, now time.Time) error {
	if status != campaigns.StatusPaused {
		reason = ""
	}
	const q = `UPDATE campaigns SET status = $2, pause_reason = $3, updated_at = $4 WHERE id = $1`
	res, err := t.tx.ExecContext(ctx, q, id, status, reason, now)
	if err != nil {
		return err
	}
	return requireRow(res, "campaign", id)
}

// --- queue items ---

const queueItemCols = `id, campaign_id, lead_id, cohort_id, status, priority_score, scheduled_for,
  promoted_to_user_queue, outcome, last_error, created_at, updated_at`

func scanQueueItem(row scanner) (dispatch.QueueItem, error) {
	var (
		qi        dispatch.QueueItem
		scheduled sql.NullTime
	)
	if err := row.Scan(
		&qi.ID,
		&qi.CampaignID,
		&qi.LeadID,
		&qi.CohortID,
		&qi.Status,
		&qi.PriorityScore,
		&scheduled,
		&qi.PromotedToUserQueue,
		&qi.Outcome,
		&qi.LastError,
		&qi.CreatedAt,
		&qi.UpdatedAt,
	); err != nil {
		return dispatch.QueueItem{}, err
	}
	qi.ScheduledFor = timePtr(scheduled)
	return qi, nil
}

func collectQueueItems(rows *sql.Rows, err error) ([]dispatch.QueueItem, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.QueueItem
	for rows.Next() {
		qi, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qi)
	}
	return out, rows.Err()
}

func (t *tx) WakeScheduled(ctx context.Context, campaignID string, now time.Time, priority int) (int, error) {
	const q = `
UPDATE queue_items
SET status = 'READY', priority_score = $3, updated_at = $2
WHERE campaign_id = $1 AND status = 'SCHEDULED' AND scheduled_for <= $2
`
	res, err := t.tx.ExecContext(ctx, q, campaignID, now, priority)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *tx) CountByStatus(ctx context.Context, campaignID string) (map[dispatch.Status]int, error) {
	const q = `
SELECT status, count(*)
FROM queue_items
WHERE campaign_id = $1 AND NOT (status = 'READY' AND promoted_to_user_queue)
GROUP BY status
`
	return countStatuses[dispatch.Status](ctx, t.tx, q, campaignID)
}

func countStatuses[S ~string](ctx context.Context, q queryer, query, campaignID string) (map[S]int, error) {
	rows, err := q.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[S]int{}
	for rows.Next() {
		var (
			st S
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func cohortProgress(ctx context.Context, q queryer, campaignID string) (map[string]dispatch.CohortStat, error) {
	const query = `
SELECT cohort_id,
  count(*) FILTER (WHERE status = ANY($2)),
  count(*) FILTER (WHERE status = 'READY' AND NOT promoted_to_user_queue)
FROM queue_items
WHERE campaign_id = $1 AND cohort_id <> ''
GROUP BY cohort_id
`
	rows, err := q.QueryContext(ctx, query, campaignID, strs(dispatch.CohortCompletedStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]dispatch.CohortStat{}
	for rows.Next() {
		var (
			name string
			st   dispatch.CohortStat
		)
		if err := rows.Scan(&name, &st.Completed, &st.Ready); err != nil {
			return nil, err
		}
		out[name] = st
	}
	return out, rows.Err()
}

func (t *tx) CohortProgress(ctx context.Context, campaignID string) (map[string]dispatch.CohortStat, error) {
	return cohortProgress(ctx, t.tx, campaignID)
}

func (t *tx) ListBacklog(ctx context.Context, campaignID string, cohorts []string, limit int) ([]campaigns.Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	const q = `
SELECT l.id, l.campaign_id, l.cohort, l.name, l.phone, l.created_at
FROM leads l
WHERE l.campaign_id = $1
  AND ($2::text[] IS NULL OR l.cohort = ANY($2::text[]))
  AND NOT EXISTS (SELECT 1 FROM queue_items q WHERE q.campaign_id = l.campaign_id AND q.lead_id = l.id)
ORDER BY l.created_at, l.id
LIMIT $3
`
	var filter []string
	if len(cohorts) > 0 {
		filter = cohorts
	}
	rows, err := t.tx.QueryContext(ctx, q, campaignID, filter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaigns.Lead
	for rows.Next() {
		var l campaigns.Lead
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.Cohort, &l.Name, &l.Phone, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func countBacklog(ctx context.Context, q queryer, campaignID string) (int, error) {
	const query = `
SELECT count(*)
FROM leads l
WHERE l.campaign_id = $1
  AND NOT EXISTS (SELECT 1 FROM queue_items q WHERE q.campaign_id = l.campaign_id AND q.lead_id = l.id)
`
	var n int
	err := q.QueryRowContext(ctx, query, campaignID).Scan(&n)
	return n, err
}

func (t *tx) InsertQueueItem(ctx context.Context, qi dispatch.QueueItem) (bool, error) {
	const q = `
INSERT INTO queue_items (` + queueItemCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (campaign_id, lead_id) DO NOTHING
`
	res, err := t.tx.ExecContext(ctx, q,
		qi.ID,
		qi.CampaignID,
		qi.LeadID,
		qi.CohortID,
		qi.Status,
		qi.PriorityScore,
		nullTime(qi.ScheduledFor),
		qi.PromotedToUserQueue,
		qi.Outcome,
		qi.LastError,
		qi.CreatedAt,
		qi.UpdatedAt,
	)
	if err != nil {
		return false, mapErr(err, "queue_item", qi.ID)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *tx) ListReadyForDial(ctx context.Context, campaignID string, limit int) ([]dispatch.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	const q = `
SELECT ` + queueItemCols + `
FROM queue_items
WHERE campaign_id = $1 AND status = 'READY' AND NOT promoted_to_user_queue
ORDER BY priority_score DESC, created_at ASC, id ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`
	return collectQueueItems(t.tx.QueryContext(ctx, q, campaignID, limit))
}

func (t *tx) LockQueueItem(ctx context.Context, id string) (dispatch.QueueItem, error) {
	const q = `SELECT ` + queueItemCols + ` FROM queue_items WHERE id = $1 FOR UPDATE`
	qi, err := scanQueueItem(t.tx.QueryRowContext(ctx, q, id))
	return qi, mapErr(err, "queue_item", id)
}

func (t *tx) UpdateQueueItem(ctx context.Context, qi dispatch.QueueItem) error {
	// promoted_to_user_queue is OR-ed so it can never be cleared.
	const q = `
UPDATE queue_items
SET status = $2,
    priority_score = $3,
    scheduled_for = $4,
    promoted_to_user_queue = promoted_to_user_queue OR $5,
    outcome = $6,
    last_error = $7,
    updated_at = $8
WHERE id = $1
`
	res, err := t.tx.ExecContext(ctx, q,
		qi.ID,
		qi.Status,
		qi.PriorityScore,
		nullTime(qi.ScheduledFor),
		qi.PromotedToUserQueue,
		qi.Outcome,
		qi.LastError,
		qi.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "queue_item", qi.ID)
}

func (t *tx) FindUnpromotedWorkable(ctx context.Context, campaignID string) (dispatch.QueueItem, bool, error) {
	const q = `
SELECT ` + queueItemCols + `
FROM queue_items
WHERE campaign_id = $1 AND NOT promoted_to_user_queue AND status = ANY($2)
ORDER BY array_position($2::text[], status), priority_score DESC, created_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`
	qi, err := scanQueueItem(t.tx.QueryRowContext(ctx, q, campaignID, strs(dispatch.WorkableStatuses)))
	if err == sql.ErrNoRows {
		return dispatch.QueueItem{}, false, nil
	}
	if err != nil {
		return dispatch.QueueItem{}, false, err
	}
	return qi, true, nil
}

// --- call records ---

func (t *tx) SaveCallRecord(ctx context.Context, rec calls.Record) error {
	extracted, err := toJSON(rec.Extracted)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO call_records (
  id, queue_item_id, campaign_id, lead_id, call_status, extracted_data,
  transcript_summary, duration, recording_url, updated_at
) VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
  call_status = EXCLUDED.call_status,
  extracted_data = EXCLUDED.extracted_data,
  transcript_summary = EXCLUDED.transcript_summary,
  duration = EXCLUDED.duration,
  recording_url = EXCLUDED.recording_url,
  updated_at = EXCLUDED.updated_at
`
	_, err = t.tx.ExecContext(ctx, q,
		rec.ID,
		rec.QueueItemID,
		rec.CampaignID,
		rec.LeadID,
		rec.CallStatus,
		extracted,
		rec.TranscriptSummary,
		rec.DurationSeconds,
		rec.RecordingURL,
		rec.UpdatedAt,
	)
	return err
}

func (t *tx) LatestCallRecord(ctx context.Context, queueItemID string) (*calls.Record, error) {
	const q = `
SELECT id, queue_item_id, campaign_id, lead_id, call_status, extracted_data,
  transcript_summary, duration, recording_url, updated_at
FROM call_records
WHERE queue_item_id = $1
ORDER BY updated_at DESC, id DESC
LIMIT 1
`
	var (
		rec       calls.Record
		extracted []byte
	)
	err := t.tx.QueryRowContext(ctx, q, queueItemID).Scan(
		&rec.ID,
		&rec.QueueItemID,
		&rec.CampaignID,
		&rec.LeadID,
		&rec.CallStatus,
		&extracted,
		&rec.TranscriptSummary,
		&rec.DurationSeconds,
		&rec.RecordingURL,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(extracted) > 0 {
		if err := json.Unmarshal(extracted, &rec.Extracted); err != nil {
			return nil, fmt.Errorf("call record %s extracted_data: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// --- user queue items ---

const itemCols = `id, campaign_id, lead_id, original_queue_item_id, call_history, ai_summary,
  structured_context, intent_strength, confirmation_slot, detected_at, priority_score, status,
  locked_by_user_id, locked_at, lock_expires_at, retry_count, manual_priority_boost,
  retry_scheduled_for, resolution, notes, closed_at, created_at, updated_at`

func scanItem(row scanner) (humanqueue.Item, error) {
	var (
		it                                humanqueue.Item
		history, structured               []byte
		slot, detected, lockedAt, expires sql.NullTime
		retryAt, closedAt                 sql.NullTime
	)
	if err := row.Scan(
		&it.ID,
		&it.CampaignID,
		&it.LeadID,
		&it.OriginalQueueItemID,
		&history,
		&it.AISummary,
		&structured,
		&it.IntentStrength,
		&slot,
		&detected,
		&it.PriorityScore,
		&it.Status,
		&it.LockedByUserID,
		&lockedAt,
		&expires,
		&it.RetryCount,
		&it.ManualPriorityBoost,
		&retryAt,
		&it.Resolution,
		&it.Notes,
		&closedAt,
		&it.CreatedAt,
		&it.UpdatedAt,
	); err != nil {
		return humanqueue.Item{}, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &it.CallHistory); err != nil {
			return humanqueue.Item{}, fmt.Errorf("user queue item %s call_history: %w", it.ID, err)
		}
	}
	if len(structured) > 0 {
		if err := json.Unmarshal(structured, &it.StructuredContext); err != nil {
			return humanqueue.Item{}, fmt.Errorf("user queue item %s structured_context: %w", it.ID, err)
		}
	}
	it.ConfirmationSlot = timePtr(slot)
	it.DetectedAt = timePtr(detected)
	it.LockedAt = timePtr(lockedAt)
	it.LockExpiresAt = timePtr(expires)
	it.RetryScheduledFor = timePtr(retryAt)
	it.ClosedAt = timePtr(closedAt)
	return it, nil
}

func collectItems(rows *sql.Rows, err error) ([]humanqueue.Item, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []humanqueue.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *tx) GetItem(ctx context.Context, id string) (humanqueue.Item, error) {
	const q = `SELECT ` + itemCols + ` FROM user_queue_items WHERE id = $1`
	it, err := scanItem(t.tx.QueryRowContext(ctx, q, id))
	return it, mapErr(err, "user_queue_item", id)
}

func (t *tx) LockItem(ctx context.Context, id string) (humanqueue.Item, error) {
	const q = `SELECT ` + itemCols + ` FROM user_queue_items WHERE id = $1 FOR UPDATE`
	it, err := scanItem(t.tx.QueryRowContext(ctx, q, id))
	return it, mapErr(err, "user_queue_item", id)
}

func (t *tx) FindOpenItem(ctx context.Context, campaignID, leadID string) (humanqueue.Item, bool, error) {
	const q = `
SELECT ` + itemCols + `
FROM user_queue_items
WHERE campaign_id = $1 AND lead_id = $2 AND status <> 'CLOSED'
FOR UPDATE
`
	it, err := scanItem(t.tx.QueryRowContext(ctx, q, campaignID, leadID))
	if err == sql.ErrNoRows {
		return humanqueue.Item{}, false, nil
	}
	if err != nil {
		return humanqueue.Item{}, false, err
	}
	return it, true, nil
}

func itemArgs(it humanqueue.Item) ([]any, error) {
	history := it.CallHistory
	if history == nil {
		history = []humanqueue.CallSummary{}
	}
	h, err := toJSON(history)
	if err != nil {
		return nil, err
	}
	sc, err := toJSON(it.StructuredContext)
	if err != nil {
		return nil, err
	}
	return []any{
		it.ID,
		it.CampaignID,
		it.LeadID,
		it.OriginalQueueItemID,
		h,
		it.AISummary,
		sc,
		it.IntentStrength,
		nullTime(it.ConfirmationSlot),
		nullTime(it.DetectedAt),
		it.PriorityScore,
		it.Status,
		it.LockedByUserID,
		nullTime(it.LockedAt),
		nullTime(it.LockExpiresAt),
		it.RetryCount,
		it.ManualPriorityBoost,
		nullTime(it.RetryScheduledFor),
		it.Resolution,
		it.Notes,
		nullTime(it.ClosedAt),
		it.CreatedAt,
		it.UpdatedAt,
	}, nil
}

// InsertItem relies on user_queue_items_one_open; a second open item for the
// lead fails with apperr.ErrConflict.
func (t *tx) InsertItem(ctx context.Context, it humanqueue.Item) error {
	args, err := itemArgs(it)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO user_queue_items (` + itemCols + `)
VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7::jsonb,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
`
	_, err = t.tx.ExecContext(ctx, q, args...)
	return mapErr(err, "user_queue_item", it.ID)
}

func (t *tx) UpdateItem(ctx context.Context, it humanqueue.Item) error {
	args, err := itemArgs(it)
	if err != nil {
		return err
	}
	const q = `
UPDATE user_queue_items SET
  campaign_id = $2,
  lead_id = $3,
  original_queue_item_id = $4,
  call_history = $5::jsonb,
  ai_summary = $6,
  structured_context = $7::jsonb,
  intent_strength = $8,
  confirmation_slot = $9,
  detected_at = $10,
  priority_score = $11,
  status = $12,
  locked_by_user_id = $13,
  locked_at = $14,
  lock_expires_at = $15,
  retry_count = $16,
  manual_priority_boost = $17,
  retry_scheduled_for = $18,
  resolution = $19,
  notes = $20,
  closed_at = $21,
  created_at = $22,
  updated_at = $23
WHERE id = $1
`
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return mapErr(err, "user_queue_item", it.ID)
	}
	return requireRow(res, "user_queue_item", it.ID)
}

func (t *tx) ListItems(ctx context.Context, campaignID string, f humanqueue.Filter) ([]humanqueue.Item, error) {
	var (
		b    strings.Builder
		args = []any{campaignID}
	)
	b.WriteString(`SELECT ` + itemCols + ` FROM user_queue_items WHERE campaign_id = $1`)
	if len(f.Statuses) > 0 {
		args = append(args, strs(f.Statuses))
		fmt.Fprintf(&b, ` AND status = ANY($%d)`, len(args))
	}
	if f.LockedBefore != nil {
		args = append(args, *f.LockedBefore)
		fmt.Fprintf(&b, ` AND locked_at < $%d`, len(args))
	}
	if f.BoostedOnly {
		b.WriteString(` AND manual_priority_boost > 0`)
	}
	b.WriteString(` ORDER BY created_at, id`)
	if f.ForUpdate {
		b.WriteString(` FOR UPDATE`)
		if f.SkipLocked {
			b.WriteString(` SKIP LOCKED`)
		}
	}
	return collectItems(t.tx.QueryContext(ctx, b.String(), args...))
}

func (t *tx) LockNextReady(ctx context.Context, campaignID string, now time.Time) (humanqueue.Item, bool, error) {
	const q = `
SELECT ` + itemCols + `
FROM user_queue_items
WHERE campaign_id = $1
  AND status IN ('READY', 'RESCHEDULED')
  AND (retry_scheduled_for IS NULL OR retry_scheduled_for <= $2)
ORDER BY priority_score DESC, created_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`
	it, err := scanItem(t.tx.QueryRowContext(ctx, q, campaignID, now))
	if err == sql.ErrNoRows {
		return humanqueue.Item{}, false, nil
	}
	if err != nil {
		return humanqueue.Item{}, false, err
	}
	return it, true, nil
}

func (t *tx) CountOpenUserItems(ctx context.Context, campaignID string) (int, error) {
	const q = `SELECT count(*) FROM user_queue_items WHERE campaign_id = $1 AND status <> 'CLOSED'`
	var n int
	err := t.tx.QueryRowContext(ctx, q, campaignID).Scan(&n)
	return n, err
}
