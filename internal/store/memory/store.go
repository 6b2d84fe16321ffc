// Package memory is an in-process store for tests and local runs.
//
// Transactions serialize on a single mutex and roll back by restoring a
// snapshot taken when they began. That is stronger isolation than the
// Postgres store gives, so code that is correct here relies only on the
// row-lock contracts documented on each Tx interface.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/audit"
	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
)

type state struct {
	campaigns map[string]campaigns.Campaign
	leads     map[string]campaigns.Lead
	queue     map[string]dispatch.QueueItem
	records   map[string]calls.Record
	users     map[string]humanqueue.Item
	audit     []audit.Event
}

func newState() *state {
	return &state{
		campaigns: map[string]campaigns.Campaign{},
		leads:     map[string]campaigns.Lead{},
		queue:     map[string]dispatch.QueueItem{},
		records:   map[string]calls.Record{},
		users:     map[string]humanqueue.Item{},
	}
}

// clone copies every table. Rows are values and slices inside them are
// copied on write, so a shallow copy of each map is a full snapshot.
func (s *state) clone() *state {
	out := &state{
		campaigns: make(map[string]campaigns.Campaign, len(s.campaigns)),
		leads:     make(map[string]campaigns.Lead, len(s.leads)),
		queue:     make(map[string]dispatch.QueueItem, len(s.queue)),
		records:   make(map[string]calls.Record, len(s.records)),
		users:     make(map[string]humanqueue.Item, len(s.users)),
		audit:     append([]audit.Event(nil), s.audit...),
	}
	for k, v := range s.campaigns {
		out.campaigns[k] = v
	}
	for k, v := range s.leads {
		out.leads[k] = v
	}
	for k, v := range s.queue {
		out.queue[k] = v
	}
	for k, v := range s.records {
		out.records[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	return out
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store { return &Store{st: newState()} }

// within runs fn with the store locked. fn's error restores the state
// from before the call. Calls must not nest.
func (s *Store) within(ctx context.Context, fn func(t *tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.st.clone()
	if err := fn(&tx{st: s.st}); err != nil {
		s.st = snap
		return err
	}
	return nil
}

func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

// Seeding and inspection helpers. They bypass transactions.

func (s *Store) PutCampaign(c campaigns.Campaign) {
	s.read(func(st *state) {
		c.CohortTargets = copyTargets(c.CohortTargets)
		c.SelectedCohorts = append([]string(nil), c.SelectedCohorts...)
		st.campaigns[c.ID] = c
	})
}

func (s *Store) AddLeads(leads ...campaigns.Lead) {
	s.read(func(st *state) {
		for _, l := range leads {
			st.leads[l.ID] = l
		}
	})
}

func (s *Store) PutQueueItem(qi dispatch.QueueItem) {
	s.read(func(st *state) { st.queue[qi.ID] = qi })
}

func (s *Store) PutCallRecord(rec calls.Record) {
	s.read(func(st *state) { st.records[rec.ID] = rec })
}

func (s *Store) PutUserItem(it humanqueue.Item) {
	s.read(func(st *state) { st.users[it.ID] = copyItem(it) })
}

func (s *Store) Campaign(id string) (campaigns.Campaign, bool) {
	var (
		c  campaigns.Campaign
		ok bool
	)
	s.read(func(st *state) { c, ok = st.campaigns[id] })
	return c, ok
}

func (s *Store) QueueItem(id string) (dispatch.QueueItem, bool) {
	var (
		qi dispatch.QueueItem
		ok bool
	)
	s.read(func(st *state) { qi, ok = st.queue[id] })
	return qi, ok
}

// QueueItems returns the campaign's queue items ordered by creation.
func (s *Store) QueueItems(campaignID string) []dispatch.QueueItem {
	var out []dispatch.QueueItem
	s.read(func(st *state) {
		for _, qi := range st.queue {
			if qi.CampaignID == campaignID {
				out = append(out, qi)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return createdBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out
}

// UserItems returns the campaign's human queue items ordered by creation.
func (s *Store) UserItems(campaignID string) []humanqueue.Item {
	var out []humanqueue.Item
	s.read(func(st *state) {
		for _, it := range st.users {
			if it.CampaignID == campaignID {
				out = append(out, copyItem(it))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return createdBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out
}

func (s *Store) CallRecords(queueItemID string) []calls.Record {
	var out []calls.Record
	s.read(func(st *state) {
		for _, r := range st.records {
			if r.QueueItemID == queueItemID {
				out = append(out, r)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return createdBefore(out[i].UpdatedAt, out[i].ID, out[j].UpdatedAt, out[j].ID) })
	return out
}

func (s *Store) AuditEvents() []audit.Event {
	var out []audit.Event
	s.read(func(st *state) { out = append(out, st.audit...) })
	return out
}

// Append implements audit.Repository.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.read(func(st *state) { st.audit = append(st.audit, e) })
	return nil
}

// ListCampaignIDs returns campaigns in any of the given statuses, sorted.
func (s *Store) ListCampaignIDs(ctx context.Context, statuses []campaigns.Status) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	s.read(func(st *state) {
		for id, c := range st.campaigns {
			for _, want := range statuses {
				if c.Status == want {
					out = append(out, id)
					break
				}
			}
		}
	})
	sort.Strings(out)
	return out, nil
}

// ListMissedPromotions returns INTENT_YES queue items not yet handed to the
// human queue, oldest first.
func (s *Store) ListMissedPromotions(ctx context.Context, campaignID string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []dispatch.QueueItem
	s.read(func(st *state) {
		for _, qi := range st.queue {
			if qi.CampaignID == campaignID && qi.Status == dispatch.StatusIntentYes && !qi.PromotedToUserQueue {
				items = append(items, qi)
			}
		}
	})
	sort.Slice(items, func(i, j int) bool {
		return createdBefore(items[i].UpdatedAt, items[i].ID, items[j].UpdatedAt, items[j].ID)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]string, len(items))
	for i, qi := range items {
		out[i] = qi.ID
	}
	return out, nil
}

// Reporting reads.

func (s *Store) GetCampaign(ctx context.Context, campaignID string) (campaigns.Campaign, error) {
	var (
		c   campaigns.Campaign
		err error
	)
	s.read(func(st *state) { c, err = (&tx{st: st}).GetCampaign(ctx, campaignID) })
	return c, err
}

func (s *Store) QueueStatusCounts(ctx context.Context, campaignID string) (map[dispatch.Status]int, error) {
	out := map[dispatch.Status]int{}
	s.read(func(st *state) {
		for _, qi := range st.queue {
			if qi.CampaignID == campaignID {
				out[qi.Status]++
			}
		}
	})
	return out, ctx.Err()
}

func (s *Store) UserQueueStatusCounts(ctx context.Context, campaignID string) (map[humanqueue.Status]int, error) {
	out := map[humanqueue.Status]int{}
	s.read(func(st *state) {
		for _, it := range st.users {
			if it.CampaignID == campaignID {
				out[it.Status]++
			}
		}
	})
	return out, ctx.Err()
}

func (s *Store) CohortProgress(ctx context.Context, campaignID string) (map[string]dispatch.CohortStat, error) {
	var (
		out map[string]dispatch.CohortStat
		err error
	)
	s.read(func(st *state) { out, err = (&tx{st: st}).CohortProgress(ctx, campaignID) })
	return out, err
}

func (s *Store) CountBacklog(ctx context.Context, campaignID string) (int, error) {
	var (
		n   int
		err error
	)
	s.read(func(st *state) { n, err = (&tx{st: st}).CountBacklog(ctx, campaignID) })
	return n, err
}

func notFound(kind, id string) error { return apperr.NotFound(kind, id) }

func createdBefore(a time.Time, aID string, b time.Time, bID string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return aID < bID
}

func copyTargets(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyItem(it humanqueue.Item) humanqueue.Item {
	it.CallHistory = append([]humanqueue.CallSummary(nil), it.CallHistory...)
	return it
}
