package detect

import "fmt"

// InsightRecord captures one agent iteration's cost and the value it
// produced.
type InsightRecord struct {
	TokensUsed    int
	Cost          float64
	StateChanged  bool
	OutputNovelty float64
}

// CostPerInsightTracker watches the ratio of useful work (state changes,
// novel output) to resource consumption (tokens, cost) over a rolling
// window, and recommends termination once that ratio sours.
type CostPerInsightTracker struct {
	WindowSize    int
	MinIterations int
	CostThreshold float64
	NoveltyFloor  float64

	history []InsightRecord
}

// NewCostPerInsightTracker builds a tracker with original_source's
// defaults: window_size=10, min_iterations=3, cost_threshold=0.05,
// novelty_floor=0.1.
func NewCostPerInsightTracker() *CostPerInsightTracker {
	return &CostPerInsightTracker{
		WindowSize:    10,
		MinIterations: 3,
		CostThreshold: 0.05,
		NoveltyFloor:  0.1,
	}
}

// RecordIteration appends one iteration's cost/value to the history,
// trimming to 2x the window size to bound memory.
func (t *CostPerInsightTracker) RecordIteration(tokensUsed int, cost float64, stateChanged bool, outputNovelty float64) {
	t.history = append(t.history, InsightRecord{
		TokensUsed:    tokensUsed,
		Cost:          cost,
		StateChanged:  stateChanged,
		OutputNovelty: outputNovelty,
	})

	maxRecords := t.WindowSize * 2
	if len(t.history) > maxRecords {
		t.history = t.history[len(t.history)-maxRecords:]
	}
}

func (t *CostPerInsightTracker) window() []InsightRecord {
	if len(t.history) <= t.WindowSize {
		return t.history
	}
	return t.history[len(t.history)-t.WindowSize:]
}

// ShouldTerminate runs the three diminishing-returns checks in order: no
// state changes, average novelty below floor, then cost-up/insight-down
// split-half comparison. Returns the reason for the first check that
// fires.
func (t *CostPerInsightTracker) ShouldTerminate() (bool, string) {
	if len(t.history) < t.MinIterations {
		return false, ""
	}

	window := t.window()

	stateChanges := 0
	for _, r := range window {
		if r.StateChanged {
			stateChanges++
		}
	}
	if stateChanges == 0 && len(window) >= t.MinIterations {
		totalCost := sumCost(window)
		return true, fmt.Sprintf(
			"No state changes in last %d iterations (cost: $%.4f). Agent is not making progress.",
			len(window), totalCost,
		)
	}

	avgNovelty := sumNovelty(window) / float64(len(window))
	if avgNovelty < t.NoveltyFloor && len(window) >= t.MinIterations {
		totalCost := sumCost(window)
		return true, fmt.Sprintf(
			"Average output novelty (%.2f) below threshold (%v) over last %d iterations "+
				"(cost: $%.4f). Diminishing returns detected.",
			avgNovelty, t.NoveltyFloor, len(window), totalCost,
		)
	}

	if len(window) >= 4 {
		mid := len(window) / 2
		firstHalf := window[:mid]
		secondHalf := window[mid:]

		firstCost := sumCost(firstHalf)
		secondCost := sumCost(secondHalf)
		firstInsight := sumNovelty(firstHalf) / float64(len(firstHalf))
		secondInsight := sumNovelty(secondHalf) / float64(len(secondHalf))

		if secondCost > firstCost*1.5 && secondInsight < firstInsight*0.5 {
			denom := firstInsight
			if denom < 0.001 {
				denom = 0.001
			}
			return true, fmt.Sprintf(
				"Cost increased by %.0f%% but insight decreased by %.0f%% "+
					"in the second half of the window. Escalating cost with diminishing returns.",
				((secondCost/firstCost)-1)*100,
				(1-(secondInsight/denom))*100,
			)
		}
	}

	return false, ""
}

// GetEfficiencyScore returns a 0-1 score: 1.0 when history is empty or
// the window's total cost is zero, otherwise a weighted blend of average
// novelty and the state-change rate.
func (t *CostPerInsightTracker) GetEfficiencyScore() float64 {
	if len(t.history) == 0 {
		return 1.0
	}

	window := t.window()
	totalCost := sumCost(window)
	if totalCost == 0 {
		return 1.0
	}

	avgNovelty := sumNovelty(window) / float64(len(window))
	stateChangeRate := 0.0
	for _, r := range window {
		if r.StateChanged {
			stateChangeRate++
		}
	}
	stateChangeRate /= float64(len(window))

	score := 0.6*avgNovelty + 0.4*stateChangeRate
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Reset clears tracking history.
func (t *CostPerInsightTracker) Reset() {
	t.history = nil
}

func sumCost(records []InsightRecord) float64 {
	total := 0.0
	for _, r := range records {
		total += r.Cost
	}
	return total
}

func sumNovelty(records []InsightRecord) float64 {
	total := 0.0
	for _, r := range records {
		total += r.OutputNovelty
	}
	return total
}
