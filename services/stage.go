package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/fluentedge-labs/assess_api/dto"
	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// contentGenerator is the slice of GeneratorService the engine uses.
type contentGenerator interface {
	Generate(ctx context.Context, stageKind, topic, difficulty string) (*StageContent, error)
	SynthesizeSpeech(ctx context.Context, text string) ([]byte, error)
	Evaluate(ctx context.Context, stageKind, reference, submission string) (*Evaluation, error)
	FallbackContent(stageKind string) *StageContent
	FallbackEvaluation(reference, submission string) *Evaluation
}

// artifactWriter is the slice of ResourceService the engine uses.
type artifactWriter interface {
	Store(ctx context.Context, userID, sessionID, stageTag string, data []byte, contentType string) (*model.ResourceArtifact, error)
	PurgeStage(ctx context.Context, sessionID, stageTag string) error
}

type scoreRecorder interface {
	RecordStageScore(userID, sessionID, stage string, score int, rationale string) error
	SessionScores(sessionID string) (map[string]int, error)
}

type sessionSaver interface {
	Save(session *model.AssessmentSession) error
}

type sessionFinalizer interface {
	FinalizeSession(ctx context.Context, session *model.AssessmentSession, reason string) error
}

// Stages whose content is spoken to the candidate rather than shown.
var audioStages = map[string]bool{
	shared.StageListening:    true,
	shared.StageStorySummary: true,
}

// StageService walks a session through the seven assessment stages in their
// fixed order. All stage state lives on the session record; the engine
// mutates it and persists through the session service, so any replica and
// any reload sees the same truth.
type StageService struct {
	appContext.DefaultService

	generatorSvc  *GeneratorService
	resourceSvc   *ResourceService
	scoreSvc      *ScoreService
	sessionSvc    *SessionService
	recoverySvc   *RecoveryService
	monitoringSvc *MonitoringService

	generator contentGenerator
	artifacts artifactWriter
	scores    scoreRecorder
	sessions  sessionSaver
	finalizer sessionFinalizer
}

const STAGE_SVC = "stage_svc"

func (svc StageService) Id() string {
	return STAGE_SVC
}

func (svc *StageService) Start() error {
	svc.generatorSvc = svc.Service(GENERATOR_SVC).(*GeneratorService)
	svc.resourceSvc = svc.Service(RESOURCE_SVC).(*ResourceService)
	svc.scoreSvc = svc.Service(SCORE_SVC).(*ScoreService)
	svc.sessionSvc = svc.Service(SESSION_SVC).(*SessionService)
	svc.recoverySvc = svc.Service(RECOVERY_SVC).(*RecoveryService)
	svc.monitoringSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	svc.generator = svc.generatorSvc
	svc.artifacts = svc.resourceSvc
	svc.scores = svc.scoreSvc
	svc.sessions = svc.sessionSvc
	svc.finalizer = svc.recoverySvc

	return nil
}

// ==================== Pre-generation ====================

// PrepareStages generates content for all seven stages concurrently and
// stores it on the session before the candidate sees the first one. A
// failed generation degrades that one stage to canned content; the batch
// itself always succeeds.
func (svc *StageService) PrepareStages(ctx context.Context, session *model.AssessmentSession) error {
	payloads := make([]*model.StagePayload, shared.StageCount)

	var wg sync.WaitGroup
	for i, stage := range shared.StageOrder {
		wg.Add(1)
		go func(i int, stage string) {
			defer wg.Done()
			payloads[i] = svc.buildStagePayload(ctx, session, stage)
		}(i, stage)
	}
	wg.Wait()

	stages := make(map[string]*model.StagePayload, shared.StageCount)
	for i, stage := range shared.StageOrder {
		stages[stage] = payloads[i]
	}

	if err := session.SetStages(stages); err != nil {
		return shared.NewInternalError(err, "Failed to encode stage content")
	}

	return nil
}

func (svc *StageService) buildStagePayload(ctx context.Context, session *model.AssessmentSession, stage string) *model.StagePayload {
	payload := &model.StagePayload{Stage: stage}

	content, err := svc.generator.Generate(ctx, stage, session.Topic, session.Difficulty)
	if err != nil {
		log.Warnf("Content generation failed for stage %s of session %s, using fallback: %v", stage, session.ID, err)
		if svc.monitoringSvc != nil {
			svc.monitoringSvc.RecordGeneratorFallback(stage)
		}
		content = svc.generator.FallbackContent(stage)
		payload.Fallback = true
	}

	payload.Passage = content.Passage
	payload.Items = content.Items

	if audioStages[stage] && payload.Passage != "" {
		svc.attachAudio(ctx, session, stage, payload)
	}

	return payload
}

// attachAudio synthesizes the passage and tracks the audio as a session
// artifact. Synthesis or storage trouble leaves the stage text-only; the
// candidate reads the passage instead.
func (svc *StageService) attachAudio(ctx context.Context, session *model.AssessmentSession, stage string, payload *model.StagePayload) {
	audio, err := svc.generator.SynthesizeSpeech(ctx, payload.Passage)
	if err != nil {
		log.Warnf("Speech synthesis failed for stage %s of session %s: %v", stage, session.ID, err)
		if svc.monitoringSvc != nil {
			svc.monitoringSvc.RecordGeneratorFallback(stage)
		}
		return
	}

	artifact, err := svc.artifacts.Store(ctx, session.UserID, session.ID, stage, audio, "audio/mpeg")
	if err != nil {
		log.Errorf("Failed to store audio for stage %s of session %s: %v", stage, session.ID, err)
		return
	}

	payload.AudioResourceID = artifact.ID
}

// ==================== Content ====================

// GetStageContent serves the stored content for the session's current
// stage. Re-requests return the same payload; content is generated at most
// once per stage. Sessions created through the sync path have no content
// yet, so the first request builds and persists it.
func (svc *StageService) GetStageContent(ctx context.Context, session *model.AssessmentSession, stage string) (*dto.StageContentResponse, error) {
	if err := svc.requireCurrentStage(session, stage); err != nil {
		return nil, err
	}

	stages, err := session.Stages()
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to decode stage content")
	}

	payload, ok := stages[stage]
	if !ok || payload == nil {
		payload = svc.buildStagePayload(ctx, session, stage)
		stages[stage] = payload
		if err := session.SetStages(stages); err != nil {
			return nil, shared.NewInternalError(err, "Failed to encode stage content")
		}
		if err := svc.sessions.Save(session); err != nil {
			return nil, err
		}
	}

	return stagePayloadView(payload), nil
}

// ==================== Item submission ====================

// SubmitStageItem grades one answer inside the current stage. The first
// submission for an item is the one that counts; submitting it again
// returns the recorded result unchanged.
func (svc *StageService) SubmitStageItem(ctx context.Context, session *model.AssessmentSession, stage string, req *dto.SubmitItemRequest) (*dto.SubmitItemResponse, error) {
	if err := svc.requireCurrentStage(session, stage); err != nil {
		return nil, err
	}

	stages, err := session.Stages()
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to decode stage content")
	}

	payload, ok := stages[stage]
	if !ok || payload == nil {
		return nil, shared.NewBadRequestError(nil, "Stage content not requested yet")
	}

	item := findItem(payload, req.ItemID)
	if item == nil {
		return nil, shared.NewNotFoundError(nil, "Unknown item")
	}

	if item.Answer == "" {
		svc.gradeItem(ctx, stage, item, req.Answer)

		if idx := itemIndex(payload, req.ItemID); idx == payload.ItemCursor {
			payload.ItemCursor++
		}

		if err := session.SetStages(stages); err != nil {
			return nil, shared.NewInternalError(err, "Failed to encode stage content")
		}
		if err := svc.sessions.Save(session); err != nil {
			return nil, err
		}
	}

	resp := &dto.SubmitItemResponse{
		Correct:       item.Correct,
		Score:         item.Score,
		StageComplete: allAnswered(payload),
	}
	if next := nextUnanswered(payload); next != nil {
		view := itemView(next)
		resp.NextItem = &view
	}

	return resp, nil
}

// gradeItem fills in the item's result. Exact items are matched after
// normalization; open items go to the evaluator, degrading to the local
// heuristic when it is unreachable.
func (svc *StageService) gradeItem(ctx context.Context, stage string, item *model.StageItem, answer string) {
	item.Answer = answer

	switch item.Grading {
	case shared.GradingEvaluated:
		evaluation, err := svc.generator.Evaluate(ctx, stage, item.Reference, answer)
		if err != nil {
			log.Warnf("Evaluation failed for item %s, using local heuristic: %v", item.ID, err)
			if svc.monitoringSvc != nil {
				svc.monitoringSvc.RecordGeneratorFallback(stage)
			}
			evaluation = svc.generator.FallbackEvaluation(item.Reference, answer)
		}
		item.Score = evaluation.Score
	default:
		correct := normalizeAnswer(answer) == normalizeAnswer(item.Reference)
		item.Correct = &correct
		if correct {
			item.Score = 100
		}
	}
}

// ==================== Stage completion ====================

// CompleteStage records the stage result and moves the session forward.
// Completion is monotonic: a completed stage never reopens, and a repeat
// call for an already-completed stage reports the recorded outcome without
// touching anything. Completing the final stage completes the session.
func (svc *StageService) CompleteStage(ctx context.Context, session *model.AssessmentSession, stage string, score int) (*dto.CompleteStageResponse, error) {
	if !shared.IsValidStage(stage) {
		return nil, shared.NewBadRequestError(nil, "Unknown stage")
	}

	completion, err := session.Completion()
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to decode session progress")
	}

	if completion[stage] {
		recorded, err := svc.scores.SessionScores(session.ID)
		if err != nil {
			return nil, err
		}
		return &dto.CompleteStageResponse{
			Stage:            stage,
			Score:            recorded[stage],
			NextStage:        session.CurrentStage,
			SessionCompleted: session.Completed(),
		}, nil
	}

	if stage != session.CurrentStage {
		return nil, shared.NewBadRequestError(nil, fmt.Sprintf("Stage %s is not the active stage", stage))
	}

	score = shared.ClampScore(score)
	if err := svc.scores.RecordStageScore(session.UserID, session.ID, stage, score, "completed by candidate"); err != nil {
		return nil, err
	}

	completion[stage] = true
	if err := session.SetCompletion(completion); err != nil {
		return nil, shared.NewInternalError(err, "Failed to encode session progress")
	}

	if err := svc.artifacts.PurgeStage(ctx, session.ID, stage); err != nil {
		log.Errorf("Failed to purge artifacts for stage %s of session %s, sweeps will reclaim them: %v", stage, session.ID, err)
	}

	svc.dropStagePayload(session, stage)

	if svc.monitoringSvc != nil {
		svc.monitoringSvc.RecordStageCompletion(stage)
	}

	next := stageAfter(stage)
	if next == "" {
		if err := svc.finalizer.FinalizeSession(ctx, session, shared.SubmitReasonUser); err != nil {
			return nil, err
		}
		return &dto.CompleteStageResponse{
			Stage:            stage,
			Score:            score,
			SessionCompleted: true,
		}, nil
	}

	session.CurrentStage = next
	if err := svc.sessions.Save(session); err != nil {
		return nil, err
	}

	return &dto.CompleteStageResponse{
		Stage:     stage,
		Score:     score,
		NextStage: next,
	}, nil
}

// requireCurrentStage rejects operations against stages the session is not
// on: completed stages have had their content purged, future stages are not
// reachable yet.
func (svc *StageService) requireCurrentStage(session *model.AssessmentSession, stage string) error {
	if !shared.IsValidStage(stage) {
		return shared.NewBadRequestError(nil, "Unknown stage")
	}
	if session.Completed() {
		return shared.NewBadRequestError(nil, "Session is already completed")
	}
	if stage == session.CurrentStage {
		return nil
	}

	completion, err := session.Completion()
	if err != nil {
		return shared.NewInternalError(err, "Failed to decode session progress")
	}
	if completion[stage] {
		return shared.NewBadRequestError(nil, fmt.Sprintf("Stage %s is already completed", stage))
	}
	return shared.NewBadRequestError(nil, fmt.Sprintf("Stage %s is not reachable yet", stage))
}

// dropStagePayload removes the stage's transient content from the record
// once the stage completes; it can no longer be requested.
func (svc *StageService) dropStagePayload(session *model.AssessmentSession, stage string) {
	stages, err := session.Stages()
	if err != nil {
		return
	}
	delete(stages, stage)
	if err := session.SetStages(stages); err != nil {
		log.Errorf("Failed to drop payload for stage %s of session %s: %v", stage, session.ID, err)
	}
}

// ==================== Helpers ====================

func stageAfter(stage string) string {
	for i, s := range shared.StageOrder {
		if s == stage && i+1 < len(shared.StageOrder) {
			return shared.StageOrder[i+1]
		}
	}
	return ""
}

func findItem(payload *model.StagePayload, itemID string) *model.StageItem {
	for i := range payload.Items {
		if payload.Items[i].ID == itemID {
			return &payload.Items[i]
		}
	}
	return nil
}

func itemIndex(payload *model.StagePayload, itemID string) int {
	for i := range payload.Items {
		if payload.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

func nextUnanswered(payload *model.StagePayload) *model.StageItem {
	for i := range payload.Items {
		if payload.Items[i].Answer == "" {
			return &payload.Items[i]
		}
	}
	return nil
}

func allAnswered(payload *model.StagePayload) bool {
	for i := range payload.Items {
		if payload.Items[i].Answer == "" {
			return false
		}
	}
	return true
}

func itemView(item *model.StageItem) dto.StageItemView {
	return dto.StageItemView{
		ID:      item.ID,
		Prompt:  item.Prompt,
		Options: item.Options,
		Grading: item.Grading,
	}
}

func stagePayloadView(payload *model.StagePayload) *dto.StageContentResponse {
	resp := &dto.StageContentResponse{
		Stage:      payload.Stage,
		Passage:    payload.Passage,
		ItemCursor: payload.ItemCursor,
		Fallback:   payload.Fallback,
	}
	if payload.AudioResourceID != "" {
		resp.AudioURL = "/api/v1/assessment/resource/" + payload.AudioResourceID
	}
	for i := range payload.Items {
		resp.Items = append(resp.Items, itemView(&payload.Items[i]))
	}
	return resp
}

func normalizeAnswer(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for i, f := range fields {
		fields[i] = strings.Trim(f, ".,!?;:\"'")
	}
	return strings.Join(fields, " ")
}
