package priority

import (
	"math"
	"time"
)

// BoostValue is the manual override magnitude. It exceeds every other
// component combined so a boosted item always sorts first.
const BoostValue = 50000

const (
	slotWindowBefore = 30 * time.Minute
	slotWindowAfter  = 60 * time.Minute

	slotInWindow    = 10000
	slotOverdueBase = 8000
	slotOverdueStep = 10 // per minute past the window
	slotNear        = 5000
	slotFar         = 3000

	intentWeight  = 2000
	freshnessMax  = 1000
	freshnessSpan = 24 * time.Hour
	retryPenalty  = 100
)

// Inputs are the item attributes the score depends on.
type Inputs struct {
	ConfirmationSlot *time.Time
	IntentStrength   float64
	RetryCount       int
	ManualBoost      int
	DetectedAt       *time.Time
}

// Score computes the urgency of a human queue item at now. It is pure and
// deterministic; callers recompute whenever time or inputs change.
func Score(now time.Time, in Inputs) int {
	total := SlotUrgency(now, in.ConfirmationSlot) +
		intent(in.IntentStrength) +
		Freshness(now, in.DetectedAt) -
		retryPenalty*in.RetryCount +
		in.ManualBoost
	if total < 0 {
		return 0
	}
	return total
}

// SlotUrgency scores a customer-committed callback time.
func SlotUrgency(now time.Time, slot *time.Time) int {
	if slot == nil {
		return 0
	}
	start := slot.Add(-slotWindowBefore)
	end := slot.Add(slotWindowAfter)

	switch {
	case !now.Before(start) && !now.After(end):
		return slotInWindow
	case now.After(end):
		overdue := int(now.Sub(end) / time.Minute)
		return min(slotOverdueBase+slotOverdueStep*overdue, slotInWindow)
	}

	// Between the window edge and one hour ahead no band applies.
	ahead := slot.Sub(now)
	switch {
	case ahead < time.Hour:
		return 0
	case ahead <= 2*time.Hour:
		return slotNear
	case ahead <= 4*time.Hour:
		return slotFar
	default:
		return 0
	}
}

// Freshness decays linearly from freshnessMax to zero over 24h since
// detection. Unknown detection time counts as fully fresh.
func Freshness(now time.Time, detectedAt *time.Time) int {
	if detectedAt == nil {
		return freshnessMax
	}
	age := now.Sub(*detectedAt)
	if age < 0 {
		return freshnessMax
	}
	frac := 1 - age.Minutes()/freshnessSpan.Minutes()
	if frac <= 0 {
		return 0
	}
	return int(math.Round(freshnessMax * frac))
}

func intent(strength float64) int {
	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}
	return int(math.Round(strength * intentWeight))
}
