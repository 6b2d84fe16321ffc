package dispatch

import "sort"

// CohortStat is the per-cohort progress snapshot replenishment works from.
type CohortStat struct {
	Target    int
	Completed int
	Ready     int
}

func (s CohortStat) remaining() int {
	if s.Completed >= s.Target {
		return 0
	}
	return s.Target - s.Completed
}

// Plan is the outcome of cohort-fair allocation for one replenish pass.
type Plan struct {
	// PerCohort is the number of leads to pull from each cohort.
	PerCohort map[string]int
	// Order lists the cohorts of PerCohort, highest initial deficit first.
	Order []string
	// Fallback lists the cohorts an unweighted shortfall pull may draw from.
	Fallback []string
}

// Empty reports a pass with nothing to pull.
func (p Plan) Empty() bool { return len(p.PerCohort) == 0 }

// AllocateCohorts splits n replenish slots across the eligible cohorts.
//
// Each unsatisfied cohort weighs its remaining target. Slots go one at a
// time to the cohort with the highest deficit (weight share minus READY
// share), counting earlier allocations as READY. Ties break on name.
// Satisfied cohorts get nothing. An empty plan means every cohort is done.
func AllocateCohorts(stats map[string]CohortStat, eligible []string, n int) Plan {
	plan := Plan{PerCohort: map[string]int{}}
	if n <= 0 {
		return plan
	}

	open := make([]string, 0, len(eligible))
	totalWeight := 0
	for _, name := range eligible {
		w := stats[name].remaining()
		if w <= 0 {
			continue
		}
		open = append(open, name)
		totalWeight += w
	}
	if len(open) == 0 {
		return plan
	}
	sort.Strings(open)

	ready := make(map[string]int, len(open))
	totalReady := 0
	for _, name := range open {
		ready[name] = stats[name].Ready
		totalReady += stats[name].Ready
	}

	deficit := func(name string) float64 {
		share := float64(stats[name].remaining()) / float64(totalWeight)
		if totalReady == 0 {
			return share
		}
		return share - float64(ready[name])/float64(totalReady)
	}

	first := map[string]float64{}
	for _, name := range open {
		first[name] = deficit(name)
	}

	for i := 0; i < n; i++ {
		best := ""
		bestDeficit := 0.0
		for _, name := range open {
			d := deficit(name)
			if best == "" || d > bestDeficit {
				best, bestDeficit = name, d
			}
		}
		plan.PerCohort[best]++
		ready[best]++
		totalReady++
	}

	for name := range plan.PerCohort {
		plan.Order = append(plan.Order, name)
	}
	sort.SliceStable(plan.Order, func(i, j int) bool {
		a, b := plan.Order[i], plan.Order[j]
		if first[a] != first[b] {
			return first[a] > first[b]
		}
		return a < b
	})
	plan.Fallback = open
	return plan
}
