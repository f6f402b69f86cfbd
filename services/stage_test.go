package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/fluentedge-labs/assess_api/dto"
	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

type fakeGenerator struct {
	mu         sync.Mutex
	failStages map[string]bool
	synthErr   error
	evalErr    error
	evaluation *Evaluation

	generated   []string
	synthesized []string
	evaluated   []string
}

func (f *fakeGenerator) Generate(_ context.Context, stageKind, _, _ string) (*StageContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, stageKind)
	if f.failStages[stageKind] {
		return nil, ErrGenerationFailed
	}
	return &StageContent{
		Passage: "generated passage for " + stageKind,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "generated prompt", Reference: "generated answer", Grading: shared.GradingExact},
		},
	}, nil
}

func (f *fakeGenerator) SynthesizeSpeech(_ context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	f.synthesized = append(f.synthesized, text)
	return []byte("synthesized audio"), nil
}

func (f *fakeGenerator) Evaluate(_ context.Context, _, _, submission string) (*Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluated = append(f.evaluated, submission)
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	if f.evaluation != nil {
		return f.evaluation, nil
	}
	return &Evaluation{Score: 80, Rationale: "evaluator verdict"}, nil
}

func (f *fakeGenerator) FallbackContent(string) *StageContent {
	return &StageContent{
		Passage: "canned passage",
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "canned prompt", Reference: "canned answer", Grading: shared.GradingExact},
		},
	}
}

func (f *fakeGenerator) FallbackEvaluation(string, string) *Evaluation {
	return &Evaluation{Score: 40, Rationale: "heuristic"}
}

type fakeArtifactWriter struct {
	mu       sync.Mutex
	storeErr error
	purgeErr error
	stored   []string
	purged   []string
}

func (f *fakeArtifactWriter) Store(_ context.Context, userID, sessionID, stageTag string, data []byte, contentType string) (*model.ResourceArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	f.stored = append(f.stored, sessionID+"/"+stageTag)
	return &model.ResourceArtifact{
		ID:          "art_" + stageTag,
		UserID:      userID,
		SessionID:   sessionID,
		StageTag:    stageTag,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	}, nil
}

func (f *fakeArtifactWriter) PurgeStage(_ context.Context, sessionID, stageTag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return f.purgeErr
	}
	f.purged = append(f.purged, sessionID+"/"+stageTag)
	return nil
}

type fakeScoreRecorder struct {
	mu       sync.Mutex
	recorded map[string]int
	calls    int
}

func newFakeScoreRecorder() *fakeScoreRecorder {
	return &fakeScoreRecorder{recorded: map[string]int{}}
}

func (f *fakeScoreRecorder) RecordStageScore(_, sessionID, stage string, score int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := sessionID + "/" + stage
	if _, ok := f.recorded[key]; !ok {
		f.recorded[key] = score
	}
	return nil
}

func (f *fakeScoreRecorder) SessionScores(sessionID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byStage := map[string]int{}
	for key, score := range f.recorded {
		if strings.HasPrefix(key, sessionID+"/") {
			byStage[strings.TrimPrefix(key, sessionID+"/")] = score
		}
	}
	return byStage, nil
}

type fakeSessionSaver struct {
	mu    sync.Mutex
	saves int
}

func (f *fakeSessionSaver) Save(*model.AssessmentSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

type fakeFinalizer struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeFinalizer) FinalizeSession(_ context.Context, session *model.AssessmentSession, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	session.Status = shared.SessionStatusCompleted
	return nil
}

type stageFixture struct {
	svc       *StageService
	generator *fakeGenerator
	artifacts *fakeArtifactWriter
	scores    *fakeScoreRecorder
	sessions  *fakeSessionSaver
	finalizer *fakeFinalizer
}

func newStageFixture() *stageFixture {
	fix := &stageFixture{
		generator: &fakeGenerator{},
		artifacts: &fakeArtifactWriter{},
		scores:    newFakeScoreRecorder(),
		sessions:  &fakeSessionSaver{},
		finalizer: &fakeFinalizer{},
	}
	fix.svc = &StageService{
		generator: fix.generator,
		artifacts: fix.artifacts,
		scores:    fix.scores,
		sessions:  fix.sessions,
		finalizer: fix.finalizer,
	}
	return fix
}

func setStagePayload(t *testing.T, session *model.AssessmentSession, payload *model.StagePayload) {
	t.Helper()
	stages, err := session.Stages()
	if err != nil {
		t.Fatalf("decode stages: %v", err)
	}
	stages[payload.Stage] = payload
	if err := session.SetStages(stages); err != nil {
		t.Fatalf("encode stages: %v", err)
	}
}

func stagePayloadOf(t *testing.T, session *model.AssessmentSession, stage string) *model.StagePayload {
	t.Helper()
	stages, err := session.Stages()
	if err != nil {
		t.Fatalf("decode stages: %v", err)
	}
	return stages[stage]
}

// ==================== Pre-generation ====================

func TestStageServicePrepareStagesBuildsAll(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")

	if err := fix.svc.PrepareStages(context.Background(), session); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	stages, err := session.Stages()
	if err != nil {
		t.Fatalf("decode stages: %v", err)
	}
	if len(stages) != shared.StageCount {
		t.Fatalf("expected %d stage payloads, got %d", shared.StageCount, len(stages))
	}
	for _, stage := range shared.StageOrder {
		payload := stages[stage]
		if payload == nil {
			t.Fatalf("stage %s has no payload", stage)
		}
		if payload.Fallback {
			t.Errorf("stage %s should carry generated content", stage)
		}
		if len(payload.Items) == 0 {
			t.Errorf("stage %s has no items", stage)
		}
	}
	if len(fix.generator.generated) != shared.StageCount {
		t.Errorf("expected one generation per stage, got %v", fix.generator.generated)
	}

	if stages[shared.StageListening].AudioResourceID == "" {
		t.Error("listening stage should carry synthesized audio")
	}
	if stages[shared.StageStorySummary].AudioResourceID == "" {
		t.Error("story summary stage should carry synthesized audio")
	}
	if stages[shared.StageReading].AudioResourceID != "" {
		t.Error("reading stage should not carry audio")
	}
	if len(fix.artifacts.stored) != 2 {
		t.Errorf("expected two stored audio artifacts, got %v", fix.artifacts.stored)
	}
}

func TestStageServicePrepareStagesDegradesFailedStage(t *testing.T) {
	fix := newStageFixture()
	fix.generator.failStages = map[string]bool{shared.StageComprehension: true}
	session := newTestSession("user-1", "sess-1")

	if err := fix.svc.PrepareStages(context.Background(), session); err != nil {
		t.Fatalf("a single failed generation must not fail the batch: %v", err)
	}

	stages, err := session.Stages()
	if err != nil {
		t.Fatalf("decode stages: %v", err)
	}
	if !stages[shared.StageComprehension].Fallback {
		t.Error("failed stage should degrade to canned content")
	}
	if len(stages[shared.StageComprehension].Items) == 0 {
		t.Error("canned content should still carry items")
	}
	if stages[shared.StageReading].Fallback {
		t.Error("healthy stages should keep generated content")
	}
}

func TestStageServicePrepareStagesSynthesisFailure(t *testing.T) {
	fix := newStageFixture()
	fix.generator.synthErr = errors.New("tts down")
	session := newTestSession("user-1", "sess-1")

	if err := fix.svc.PrepareStages(context.Background(), session); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	listening := stagePayloadOf(t, session, shared.StageListening)
	if listening.AudioResourceID != "" {
		t.Error("synthesis failure should leave the stage text-only")
	}
	if listening.Passage == "" {
		t.Error("passage must survive so the candidate can read it")
	}
	if listening.Fallback {
		t.Error("text-only is not the same as fallback content")
	}
	if len(fix.artifacts.stored) != 0 {
		t.Errorf("nothing should be stored when synthesis fails, got %v", fix.artifacts.stored)
	}
}

func TestStageServicePrepareStagesStoreFailure(t *testing.T) {
	fix := newStageFixture()
	fix.artifacts.storeErr = errors.New("bucket down")
	session := newTestSession("user-1", "sess-1")

	if err := fix.svc.PrepareStages(context.Background(), session); err != nil {
		t.Fatalf("an audio storage failure must not fail the batch: %v", err)
	}

	listening := stagePayloadOf(t, session, shared.StageListening)
	if listening.AudioResourceID != "" {
		t.Error("storage failure should leave the stage text-only")
	}
}

// ==================== Content ====================

func TestStageServiceGetStageContentReturnsStored(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	setStagePayload(t, session, &model.StagePayload{
		Stage: shared.StageReading,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "stored prompt", Reference: "stored answer", Grading: shared.GradingExact},
		},
	})

	resp, err := fix.svc.GetStageContent(context.Background(), session, shared.StageReading)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if resp.Stage != shared.StageReading {
		t.Errorf("expected stage %s, got %s", shared.StageReading, resp.Stage)
	}
	if len(resp.Items) != 1 || resp.Items[0].Prompt != "stored prompt" {
		t.Errorf("stored content not served: %+v", resp.Items)
	}
	if len(fix.generator.generated) != 0 {
		t.Error("stored content must be served without regenerating")
	}
	if fix.sessions.saves != 0 {
		t.Error("serving stored content should not rewrite the session")
	}
}

func TestStageServiceGetStageContentBuildsMissing(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")

	resp, err := fix.svc.GetStageContent(context.Background(), session, shared.StageReading)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if len(resp.Items) == 0 {
		t.Fatal("lazy build should produce items")
	}
	if fix.sessions.saves != 1 {
		t.Errorf("lazy-built content must be persisted, saves=%d", fix.sessions.saves)
	}

	again, err := fix.svc.GetStageContent(context.Background(), session, shared.StageReading)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if len(fix.generator.generated) != 1 {
		t.Errorf("content must be generated at most once per stage, generated=%v", fix.generator.generated)
	}
	if fix.sessions.saves != 1 {
		t.Errorf("a re-request must not rewrite the session, saves=%d", fix.sessions.saves)
	}
	if again.Items[0].ID != resp.Items[0].ID {
		t.Error("re-request should return the same payload")
	}
}

func TestStageServiceGetStageContentAudioURL(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	session.CurrentStage = shared.StageListening
	setStagePayload(t, session, &model.StagePayload{
		Stage:           shared.StageListening,
		Passage:         "platform announcement",
		AudioResourceID: "art_listening",
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "which train", Reference: "the express", Grading: shared.GradingExact},
		},
	})

	resp, err := fix.svc.GetStageContent(context.Background(), session, shared.StageListening)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if resp.AudioURL != "/api/v1/assessment/resource/art_listening" {
		t.Errorf("unexpected audio URL: %s", resp.AudioURL)
	}
}

func TestStageServiceStageAccessRules(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")

	if _, err := fix.svc.GetStageContent(context.Background(), session, "speaking"); !shared.IsStatus(err, http.StatusBadRequest) {
		t.Errorf("unknown stage: expected a 400, got %v", err)
	}

	_, err := fix.svc.GetStageContent(context.Background(), session, shared.StageListening)
	if !shared.IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("future stage: expected a 400, got %v", err)
	}
	if appErr, ok := shared.GetAppError(err); !ok || appErr.Message != "Stage listening is not reachable yet" {
		t.Errorf("future stage message: %v", err)
	}

	completion, err := session.Completion()
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	completion[shared.StageReading] = true
	if err := session.SetCompletion(completion); err != nil {
		t.Fatalf("set completion: %v", err)
	}
	session.CurrentStage = shared.StageListening

	_, err = fix.svc.GetStageContent(context.Background(), session, shared.StageReading)
	if !shared.IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("completed stage: expected a 400, got %v", err)
	}
	if appErr, ok := shared.GetAppError(err); !ok || appErr.Message != "Stage reading is already completed" {
		t.Errorf("completed stage message: %v", err)
	}

	session.Status = shared.SessionStatusCompleted
	if _, err := fix.svc.GetStageContent(context.Background(), session, shared.StageListening); !shared.IsStatus(err, http.StatusBadRequest) {
		t.Errorf("completed session: expected a 400, got %v", err)
	}
}

// ==================== Item submission ====================

func TestStageServiceSubmitItemGradesExact(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	setStagePayload(t, session, &model.StagePayload{
		Stage: shared.StageReading,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "q1", Reference: "The 9:15 express to Riverside", Grading: shared.GradingExact},
			{ID: "itm_2", Prompt: "q2", Reference: "Platform four", Grading: shared.GradingExact},
		},
	})

	resp, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_1",
		Answer: "  the 9:15 EXPRESS to riverside. ",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Correct == nil || !*resp.Correct {
		t.Error("a normalized match should grade correct")
	}
	if resp.Score != 100 {
		t.Errorf("expected score 100, got %d", resp.Score)
	}
	if resp.StageComplete {
		t.Error("one unanswered item remains")
	}
	if resp.NextItem == nil || resp.NextItem.ID != "itm_2" {
		t.Errorf("expected itm_2 next, got %+v", resp.NextItem)
	}
	if fix.sessions.saves != 1 {
		t.Errorf("a graded submission must be persisted, saves=%d", fix.sessions.saves)
	}

	payload := stagePayloadOf(t, session, shared.StageReading)
	if payload.ItemCursor != 1 {
		t.Errorf("cursor should advance past the graded item, got %d", payload.ItemCursor)
	}
}

func TestStageServiceSubmitItemWrongAnswer(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	setStagePayload(t, session, &model.StagePayload{
		Stage: shared.StageReading,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "q1", Reference: "Platform four", Grading: shared.GradingExact},
		},
	})

	resp, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_1",
		Answer: "platform two",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Correct == nil || *resp.Correct {
		t.Error("a mismatch should grade incorrect")
	}
	if resp.Score != 0 {
		t.Errorf("expected score 0, got %d", resp.Score)
	}
	if !resp.StageComplete {
		t.Error("the only item is answered, the stage is complete")
	}
	if resp.NextItem != nil {
		t.Errorf("no item should remain, got %+v", resp.NextItem)
	}
}

func TestStageServiceSubmitItemFirstSubmissionWins(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	setStagePayload(t, session, &model.StagePayload{
		Stage: shared.StageReading,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "q1", Reference: "Platform four", Grading: shared.GradingExact},
		},
	})

	first, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_1",
		Answer: "platform two",
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	second, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_1",
		Answer: "platform four",
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	if second.Correct == nil || *second.Correct {
		t.Error("a repeat submission must return the recorded result, not regrade")
	}
	if second.Score != first.Score {
		t.Errorf("recorded score changed: %d then %d", first.Score, second.Score)
	}
	if fix.sessions.saves != 1 {
		t.Errorf("a repeat submission must not rewrite the session, saves=%d", fix.sessions.saves)
	}

	payload := stagePayloadOf(t, session, shared.StageReading)
	if payload.Items[0].Answer != "platform two" {
		t.Errorf("the first answer must stand, got %q", payload.Items[0].Answer)
	}
}

func TestStageServiceSubmitItemEvaluated(t *testing.T) {
	fix := newStageFixture()
	fix.generator.evaluation = &Evaluation{Score: 73, Rationale: "solid summary"}
	session := newTestSession("user-1", "sess-1")
	setStagePayload(t, session, &model.StagePayload{
		Stage: shared.StageReading,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "summarize", Reference: "a story about a camera", Grading: shared.GradingEvaluated},
		},
	})

	resp, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_1",
		Answer: "someone finds an old camera with film inside",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Correct != nil {
		t.Error("evaluated items have no correct flag")
	}
	if resp.Score != 73 {
		t.Errorf("expected the evaluator score 73, got %d", resp.Score)
	}
	if len(fix.generator.evaluated) != 1 {
		t.Errorf("expected one evaluator call, got %v", fix.generator.evaluated)
	}
}

func TestStageServiceSubmitItemEvaluatorDown(t *testing.T) {
	fix := newStageFixture()
	fix.generator.evalErr = errors.New("model overloaded")
	session := newTestSession("user-1", "sess-1")
	setStagePayload(t, session, &model.StagePayload{
		Stage: shared.StageReading,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "summarize", Reference: "a story about a camera", Grading: shared.GradingEvaluated},
		},
	})

	resp, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_1",
		Answer: "someone finds an old camera",
	})
	if err != nil {
		t.Fatalf("an evaluator outage must not fail the submission: %v", err)
	}
	if resp.Score != 40 {
		t.Errorf("expected the heuristic score, got %d", resp.Score)
	}
}

func TestStageServiceSubmitItemUnknownItem(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	setStagePayload(t, session, &model.StagePayload{
		Stage: shared.StageReading,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "q1", Reference: "x", Grading: shared.GradingExact},
		},
	})

	_, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_9",
		Answer: "x",
	})
	if !shared.IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected a 404 for an unknown item, got %v", err)
	}
}

func TestStageServiceSubmitItemBeforeContent(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")

	_, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_1",
		Answer: "x",
	})
	if !shared.IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected a 400 before content is requested, got %v", err)
	}
}

func TestStageServiceSubmitItemOutOfOrderKeepsCursor(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	setStagePayload(t, session, &model.StagePayload{
		Stage: shared.StageReading,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "q1", Reference: "a", Grading: shared.GradingExact},
			{ID: "itm_2", Prompt: "q2", Reference: "b", Grading: shared.GradingExact},
		},
	})

	if _, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_2",
		Answer: "b",
	}); err != nil {
		t.Fatalf("out-of-order submit: %v", err)
	}
	if cursor := stagePayloadOf(t, session, shared.StageReading).ItemCursor; cursor != 0 {
		t.Errorf("answering ahead of the cursor must not move it, got %d", cursor)
	}

	if _, err := fix.svc.SubmitStageItem(context.Background(), session, shared.StageReading, &dto.SubmitItemRequest{
		ItemID: "itm_1",
		Answer: "a",
	}); err != nil {
		t.Fatalf("cursor submit: %v", err)
	}
	if cursor := stagePayloadOf(t, session, shared.StageReading).ItemCursor; cursor != 1 {
		t.Errorf("answering at the cursor should advance it, got %d", cursor)
	}
}

// ==================== Stage completion ====================

func TestStageServiceCompleteStageAdvances(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	setStagePayload(t, session, &model.StagePayload{
		Stage: shared.StageReading,
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "q1", Reference: "a", Grading: shared.GradingExact},
		},
	})

	resp, err := fix.svc.CompleteStage(context.Background(), session, shared.StageReading, 85)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Stage != shared.StageReading || resp.Score != 85 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.NextStage != shared.StageListening {
		t.Errorf("expected next stage %s, got %s", shared.StageListening, resp.NextStage)
	}
	if resp.SessionCompleted {
		t.Error("six stages remain")
	}

	if session.CurrentStage != shared.StageListening {
		t.Errorf("session should advance to %s, got %s", shared.StageListening, session.CurrentStage)
	}
	completion, err := session.Completion()
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if !completion[shared.StageReading] {
		t.Error("completed stage not marked")
	}
	if got := fix.scores.recorded["sess-1/"+shared.StageReading]; got != 85 {
		t.Errorf("expected recorded score 85, got %d", got)
	}
	if len(fix.artifacts.purged) != 1 || fix.artifacts.purged[0] != "sess-1/"+shared.StageReading {
		t.Errorf("stage artifacts not purged: %v", fix.artifacts.purged)
	}
	if stagePayloadOf(t, session, shared.StageReading) != nil {
		t.Error("completed stage content should be dropped")
	}
	if len(fix.finalizer.reasons) != 0 {
		t.Error("a mid-session completion must not finalize")
	}
}

func TestStageServiceCompleteStageClampsScore(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")

	resp, err := fix.svc.CompleteStage(context.Background(), session, shared.StageReading, 250)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Score != 100 {
		t.Errorf("expected the score clamped to 100, got %d", resp.Score)
	}
	if got := fix.scores.recorded["sess-1/"+shared.StageReading]; got != 100 {
		t.Errorf("expected recorded score 100, got %d", got)
	}
}

func TestStageServiceCompleteStageRepeat(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	session.CurrentStage = shared.StageListening

	completion, err := session.Completion()
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	completion[shared.StageReading] = true
	if err := session.SetCompletion(completion); err != nil {
		t.Fatalf("set completion: %v", err)
	}
	fix.scores.recorded["sess-1/"+shared.StageReading] = 85

	resp, err := fix.svc.CompleteStage(context.Background(), session, shared.StageReading, 10)
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if resp.Score != 85 {
		t.Errorf("a repeat must report the recorded score, got %d", resp.Score)
	}
	if resp.NextStage != shared.StageListening {
		t.Errorf("a repeat must report the current stage, got %s", resp.NextStage)
	}
	if resp.SessionCompleted {
		t.Error("the session is still in progress")
	}
	if fix.scores.calls != 0 {
		t.Errorf("a repeat must not rewrite scores, calls=%d", fix.scores.calls)
	}
	if len(fix.artifacts.purged) != 0 {
		t.Errorf("a repeat must not purge again, purged=%v", fix.artifacts.purged)
	}
	if fix.sessions.saves != 0 {
		t.Errorf("a repeat must not touch the session, saves=%d", fix.sessions.saves)
	}
}

func TestStageServiceCompleteStageNotActive(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")

	_, err := fix.svc.CompleteStage(context.Background(), session, shared.StageComprehension, 50)
	if !shared.IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected a 400 for a non-active stage, got %v", err)
	}
	if appErr, ok := shared.GetAppError(err); !ok || appErr.Message != "Stage comprehension is not the active stage" {
		t.Errorf("non-active stage message: %v", err)
	}
}

func TestStageServiceCompleteStageUnknown(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")

	if _, err := fix.svc.CompleteStage(context.Background(), session, "speaking", 50); !shared.IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected a 400 for an unknown stage, got %v", err)
	}
}

func TestStageServiceCompleteFinalStage(t *testing.T) {
	fix := newStageFixture()
	session := newTestSession("user-1", "sess-1")
	session.CurrentStage = shared.StageFillBlanks

	completion, err := session.Completion()
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	for _, stage := range shared.StageOrder[:len(shared.StageOrder)-1] {
		completion[stage] = true
	}
	if err := session.SetCompletion(completion); err != nil {
		t.Fatalf("set completion: %v", err)
	}

	resp, err := fix.svc.CompleteStage(context.Background(), session, shared.StageFillBlanks, 64)
	if err != nil {
		t.Fatalf("final complete: %v", err)
	}
	if !resp.SessionCompleted {
		t.Error("completing the last stage completes the session")
	}
	if resp.NextStage != "" {
		t.Errorf("no stage follows the last one, got %s", resp.NextStage)
	}
	if len(fix.finalizer.reasons) != 1 || fix.finalizer.reasons[0] != shared.SubmitReasonUser {
		t.Errorf("expected a user-submit finalization, got %v", fix.finalizer.reasons)
	}
	if !session.Completed() {
		t.Error("finalization should mark the session completed")
	}
}

func TestStageServiceCompleteStagePurgeFailure(t *testing.T) {
	fix := newStageFixture()
	fix.artifacts.purgeErr = errors.New("bucket down")
	session := newTestSession("user-1", "sess-1")

	resp, err := fix.svc.CompleteStage(context.Background(), session, shared.StageReading, 70)
	if err != nil {
		t.Fatalf("a purge failure must not block completion: %v", err)
	}
	if resp.NextStage != shared.StageListening {
		t.Errorf("stage should still advance, got %s", resp.NextStage)
	}
}
