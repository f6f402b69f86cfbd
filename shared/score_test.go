package shared

import "testing"

func TestAggregateScoreEmpty(t *testing.T) {
	if got := AggregateScore(map[string]int{}); got != 0 {
		t.Errorf("expected 0 for no completed stages, got %d", got)
	}
	if got := AggregateScore(nil); got != 0 {
		t.Errorf("expected 0 for nil scores, got %d", got)
	}
}

func TestAggregateScorePerfect(t *testing.T) {
	scores := map[string]int{}
	for _, stage := range StageOrder {
		scores[stage] = 100
	}
	if got := AggregateScore(scores); got != 100 {
		t.Errorf("expected 100 for all stages perfect, got %d", got)
	}
}

func TestAggregateScorePartial(t *testing.T) {
	// Three stages done, four never attempted. 240/7 rounds to 34.
	scores := map[string]int{
		StageReading:          80,
		StageListening:        60,
		StageJumbledSentences: 100,
	}
	if got := AggregateScore(scores); got != 34 {
		t.Errorf("expected round(240/7)=34, got %d", got)
	}
}

func TestAggregateScoreForcedSubmit(t *testing.T) {
	// First two stages scored, the rest zeroed by a forced submit. 160/7
	// rounds to 23.
	scores := map[string]int{
		StageReading:          90,
		StageListening:        70,
		StageJumbledSentences: 0,
		StageStorySummary:     0,
		StagePersonalQuestion: 0,
		StageComprehension:    0,
		StageFillBlanks:       0,
	}
	if got := AggregateScore(scores); got != 23 {
		t.Errorf("expected round(160/7)=23, got %d", got)
	}
}

func TestAggregateScoreIgnoresUnknownKeys(t *testing.T) {
	scores := map[string]int{
		StageReading: 70,
		"warmup":     100,
	}
	if got := AggregateScore(scores); got != 10 {
		t.Errorf("expected round(70/7)=10, got %d", got)
	}
}

func TestClampScore(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{-5, 0},
		{0, 0},
		{55, 55},
		{100, 100},
		{140, 100},
	}
	for _, c := range cases {
		if got := ClampScore(c.in); got != c.want {
			t.Errorf("ClampScore(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestIsValidStage(t *testing.T) {
	for _, stage := range StageOrder {
		if !IsValidStage(stage) {
			t.Errorf("expected %s to be a valid stage", stage)
		}
	}
	if IsValidStage("speaking") {
		t.Error("expected unknown stage to be rejected")
	}
}
