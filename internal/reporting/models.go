package reporting

import (
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
)

// QueueSummary is a point-in-time view of one campaign's pipeline for
// supervisors.
type QueueSummary struct {
	CampaignID  string           `json:"campaign_id"`
	Status      campaigns.Status `json:"status"`
	PauseReason string           `json:"pause_reason,omitempty"`

	// Backlog counts leads with no queue item yet.
	Backlog int `json:"backlog"`

	QueueItems    map[dispatch.Status]int   `json:"queue_items"`
	UserQueue     map[humanqueue.Status]int `json:"user_queue"`
	OpenUserItems int                       `json:"open_user_items"`

	Cohorts []CohortSummary `json:"cohorts,omitempty"`
}

type CohortSummary struct {
	Cohort    string `json:"cohort"`
	Target    int    `json:"target"`
	Completed int    `json:"completed"`
	Ready     int    `json:"ready"`
	// Remaining is never negative.
	Remaining int `json:"remaining"`
}
