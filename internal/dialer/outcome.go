package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/calls"
)

// OutcomeFunc applies one call outcome reported by the dialer. Both the
// webhook and the queue consumer feed it.
type OutcomeFunc func(ctx context.Context, rec calls.Record) error

// ErrMalformedOutcome marks payloads that can never be applied.
var ErrMalformedOutcome = errors.New("dialer: malformed outcome")

// DecodeOutcome parses a call-completed payload. The body is the call record
// as the dialer reports it.
func DecodeOutcome(raw []byte) (calls.Record, error) {
	var rec calls.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return calls.Record{}, fmt.Errorf("%w: %v", ErrMalformedOutcome, err)
	}
	if rec.QueueItemID == "" {
		return calls.Record{}, fmt.Errorf("%w: queue_item_id required", ErrMalformedOutcome)
	}
	if rec.CallStatus == "" {
		return calls.Record{}, fmt.Errorf("%w: call_status required", ErrMalformedOutcome)
	}
	return rec, nil
}

// permanent reports errors that retrying the same payload cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrMalformedOutcome) ||
		errors.Is(err, apperr.ErrInvalidArgument) ||
		errors.Is(err, apperr.ErrNotFound)
}
