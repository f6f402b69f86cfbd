package shared

import "math"

// AggregateScore blends per-stage results into the overall 0-100 score.
// Stages with no recorded score count as zero; the divisor is always the
// full stage count, so an abandoned attempt is averaged down, not ignored.
func AggregateScore(scores map[string]int) int {
	total := 0
	for _, stage := range StageOrder {
		if s, ok := scores[stage]; ok {
			total += s
		}
	}
	return int(math.Round(float64(total) / float64(StageCount)))
}

// ClampScore normalizes collaborator or client supplied scores into 0-100.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
