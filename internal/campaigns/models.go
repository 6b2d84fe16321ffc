package campaigns

import "time"

// Campaign is an outbound calling effort over a set of leads.
//
// Invariants:
//   - MaxConcurrentCalls bounds the number of queue items in DIALING.
//   - CohortTargets maps cohort name to the number of completed outcomes wanted.
//   - SelectedCohorts restricts replenishment; empty means every targeted cohort.
type Campaign struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Status Status `json:"status" db:"status"`

	// PauseReason records who paused the campaign. Backpressure only
	// resumes campaigns it paused itself.
	PauseReason string `json:"pause_reason,omitempty" db:"pause_reason"`

	MaxConcurrentCalls int `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	TargetReadyBuffer  int `json:"target_ready_buffer" db:"target_ready_buffer"`

	CohortTargets   map[string]int `json:"cohort_targets,omitempty" db:"cohort_targets"`
	SelectedCohorts []string       `json:"selected_cohorts,omitempty" db:"selected_cohorts"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusActive     Status = "ACTIVE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
)

// Pause reasons.
const (
	PauseReasonBackpressure  = "backpressure"
	PauseReasonWindowExpired = "window_expired"
	PauseReasonManual        = "manual"
)

// Running reports whether the dispatch loop may promote work for the campaign.
func (s Status) Running() bool {
	return s == StatusActive || s == StatusInProgress
}

// Lead is a contact belonging to a campaign backlog.
type Lead struct {
	ID         string    `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	Cohort     string    `json:"cohort,omitempty" db:"cohort"`
	Name       string    `json:"name,omitempty" db:"name"`
	Phone      string    `json:"phone" db:"phone"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// CohortEligible returns the cohorts replenishment may pull from.
// An empty result means the campaign has no cohort configuration.
func (c Campaign) CohortEligible() []string {
	if len(c.CohortTargets) == 0 {
		return nil
	}
	if len(c.SelectedCohorts) == 0 {
		out := make([]string, 0, len(c.CohortTargets))
		for name := range c.CohortTargets {
			out = append(out, name)
		}
		return out
	}
	out := make([]string, 0, len(c.SelectedCohorts))
	for _, name := range c.SelectedCohorts {
		if _, ok := c.CohortTargets[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
