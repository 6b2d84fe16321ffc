package calls

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is the result of one automated call placed for a queue item.
//
// Records arrive from the dialer (webhook or outcome queue) and are read-only
// input to promotion. The loosely-typed extraction payload is parsed once at
// the boundary into ExtractedData; nothing downstream sees the raw map.
type Record struct {
	ID          string `json:"id" db:"id"`
	QueueItemID string `json:"queue_item_id" db:"queue_item_id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	LeadID      string `json:"lead_id" db:"lead_id"`

	CallStatus CallStatus    `json:"call_status" db:"call_status"`
	Extracted  ExtractedData `json:"extracted_data" db:"extracted_data"`

	TranscriptSummary string `json:"transcript_summary,omitempty" db:"transcript_summary"`

	// Duration is the call duration in seconds.
	DurationSeconds int    `json:"duration,omitempty" db:"duration"`
	RecordingURL    string `json:"recording_url,omitempty" db:"recording_url"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

// Final reports whether the dialer will send no further updates for the call.
func (s CallStatus) Final() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return true
	default:
		return false
	}
}

// ExtractedData is what the call analysis pulled out of the conversation.
// Confidence is optional; not every analyzer reports one.
type ExtractedData struct {
	Interested   bool       `json:"interested"`
	CallbackTime *time.Time `json:"callback_time,omitempty"`
	Confidence   *float64   `json:"confidence,omitempty"`
}

// IsPositive reports interest at or above threshold. A missing confidence
// counts as positive when the analyzer said interested.
func (e ExtractedData) IsPositive(threshold float64) bool {
	if !e.Interested {
		return false
	}
	if e.Confidence == nil {
		return true
	}
	return *e.Confidence >= threshold
}

// IntentStrength maps the extraction to [0,1].
func (e ExtractedData) IntentStrength() float64 {
	if e.Confidence != nil {
		return clamp01(*e.Confidence)
	}
	switch {
	case e.Interested && e.CallbackTime != nil:
		return 0.9
	case e.Interested:
		return 0.75
	default:
		return 0.3
	}
}

// NeutralIntent is used when no call record exists for a promoted item.
const NeutralIntent = 0.5

// IntentStrength returns the record's intent or NeutralIntent for nil.
func IntentStrength(r *Record) float64 {
	if r == nil {
		return NeutralIntent
	}
	return r.Extracted.IntentStrength()
}

// UnmarshalJSON accepts the shapes analyzers actually emit:
// interested as bool or "yes"/"true"/"no", callback_time as RFC3339 or empty,
// confidence as number or numeric string.
func (e *ExtractedData) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("extracted_data: %w", err)
	}
	out := ExtractedData{}

	switch v := raw["interested"].(type) {
	case bool:
		out.Interested = v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "true", "y", "1":
			out.Interested = true
		}
	}

	if s, ok := raw["callback_time"].(string); ok && strings.TrimSpace(s) != "" {
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("extracted_data.callback_time: %w", err)
		}
		ts = ts.UTC()
		out.CallbackTime = &ts
	}

	switch v := raw["confidence"].(type) {
	case float64:
		c := v
		out.Confidence = &c
	case string:
		if c, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			out.Confidence = &c
		}
	}

	*e = out
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
