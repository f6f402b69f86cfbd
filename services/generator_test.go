package services

import (
	"testing"

	"github.com/fluentedge-labs/assess_api/shared"
)

func TestGeneratorServiceFallbackBankCoversAllStages(t *testing.T) {
	svc := &GeneratorService{}

	for _, stage := range shared.StageOrder {
		content := svc.FallbackContent(stage)
		if len(content.Items) == 0 {
			t.Errorf("stage %s has no canned items", stage)
			continue
		}
		for _, item := range content.Items {
			if item.ID == "" || item.Prompt == "" || item.Reference == "" {
				t.Errorf("stage %s item %q is incomplete", stage, item.ID)
			}
			if item.Grading != shared.GradingExact && item.Grading != shared.GradingEvaluated {
				t.Errorf("stage %s item %q has grading %q", stage, item.ID, item.Grading)
			}
		}
	}

	// The audio stages need a passage to synthesize from.
	for _, stage := range []string{shared.StageListening, shared.StageStorySummary} {
		if svc.FallbackContent(stage).Passage == "" {
			t.Errorf("stage %s has no passage for synthesis", stage)
		}
	}
}

func TestGeneratorServiceFallbackContentIsIndependent(t *testing.T) {
	svc := &GeneratorService{}

	content := svc.FallbackContent(shared.StageListening)
	content.Passage = "tampered"
	content.Items[0].Reference = "tampered"

	fresh := svc.FallbackContent(shared.StageListening)
	if fresh.Passage == "tampered" || fresh.Items[0].Reference == "tampered" {
		t.Error("callers must not be able to mutate the canned bank")
	}
}

func TestGeneratorServiceFallbackContentUnknownStage(t *testing.T) {
	svc := &GeneratorService{}

	content := svc.FallbackContent("karaoke")
	if content == nil {
		t.Fatal("unknown stages still get a (empty) content value")
	}
	if len(content.Items) != 0 {
		t.Errorf("unknown stage should have no items, got %d", len(content.Items))
	}
}

func TestGeneratorServiceFallbackEvaluation(t *testing.T) {
	svc := &GeneratorService{}

	full := svc.FallbackEvaluation("the cat sat on the mat", "The CAT sat, on the mat!")
	if full.Score != 100 {
		t.Errorf("full overlap should score 100, got %d", full.Score)
	}

	half := svc.FallbackEvaluation("apple banana cherry date", "apple banana fig grape")
	if half.Score != 50 {
		t.Errorf("half overlap should score 50, got %d", half.Score)
	}

	none := svc.FallbackEvaluation("apple banana", "cherry date")
	if none.Score != 0 {
		t.Errorf("no overlap should score 0, got %d", none.Score)
	}

	empty := svc.FallbackEvaluation("apple banana", "   ")
	if empty.Score != 0 || empty.Rationale == "" {
		t.Errorf("empty submission should score 0 with a rationale, got %+v", empty)
	}

	// Repeating a matching word must not push the score past the clamp.
	inflated := svc.FallbackEvaluation("apple banana", "apple apple apple apple banana")
	if inflated.Score != 100 {
		t.Errorf("score must clamp at 100, got %d", inflated.Score)
	}
}
