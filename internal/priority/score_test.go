package priority

import (
	"testing"
	"time"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func TestScore_SlotWindowBeatsNoSlot(t *testing.T) {
	base := Inputs{IntentStrength: 0.7, RetryCount: 1, DetectedAt: at(-2 * time.Hour)}
	for _, offset := range []time.Duration{-60 * time.Minute, -10 * time.Minute, 0, 29 * time.Minute, 30 * time.Minute} {
		// now in [slot-30m, slot+60m] means slot in [now-60m, now+30m]
		with := base
		with.ConfirmationSlot = at(offset)
		if Score(now, with) <= Score(now, base) {
			t.Fatalf("offset %v: expected slot score %d > no-slot %d", offset, Score(now, with), Score(now, base))
		}
	}
}

func TestSlotUrgency(t *testing.T) {
	cases := []struct {
		name string
		slot *time.Time
		want int
	}{
		{"none", nil, 0},
		{"in window before", at(30 * time.Minute), 10000},
		{"in window after", at(-60 * time.Minute), 10000},
		{"just overdue", at(-61 * time.Minute), 8010},
		{"overdue 100m", at(-160 * time.Minute), 9000},
		{"overdue capped", at(-24 * time.Hour), 10000},
		{"31m ahead", at(31 * time.Minute), 0},
		{"45m ahead", at(45 * time.Minute), 0},
		{"1h ahead", at(time.Hour), 5000},
		{"90m ahead", at(90 * time.Minute), 5000},
		{"3h ahead", at(3 * time.Hour), 3000},
		{"5h ahead", at(5 * time.Hour), 0},
	}
	for _, tc := range cases {
		if got := SlotUrgency(now, tc.slot); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestFreshness(t *testing.T) {
	if got := Freshness(now, nil); got != 1000 {
		t.Fatalf("unknown detection: expected 1000, got %d", got)
	}
	if got := Freshness(now, at(-12*time.Hour)); got != 500 {
		t.Fatalf("12h: expected 500, got %d", got)
	}
	if got := Freshness(now, at(-48*time.Hour)); got != 0 {
		t.Fatalf("48h: expected 0, got %d", got)
	}
}

func TestScore_Components(t *testing.T) {
	in := Inputs{IntentStrength: 0.75, RetryCount: 3, DetectedAt: at(0)}
	// 1500 intent + 1000 fresh - 300 retry
	if got := Score(now, in); got != 2200 {
		t.Fatalf("expected 2200, got %d", got)
	}
	in.ManualBoost = BoostValue
	if got := Score(now, in); got != 52200 {
		t.Fatalf("expected 52200, got %d", got)
	}
}

func TestScore_FlooredAtZero(t *testing.T) {
	in := Inputs{IntentStrength: 0, RetryCount: 50, DetectedAt: at(-72 * time.Hour)}
	if got := Score(now, in); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestScore_BoostDominates(t *testing.T) {
	top := Inputs{ConfirmationSlot: at(0), IntentStrength: 1}
	boosted := Inputs{ManualBoost: BoostValue, RetryCount: 10, DetectedAt: at(-72 * time.Hour)}
	if Score(now, boosted) <= Score(now, top) {
		t.Fatalf("boost must outrank every other combination")
	}
}
