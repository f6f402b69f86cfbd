package services

import (
	"context"
	"math/rand"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fluentedge-labs/assess_api/dto"
	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// AssessmentService is the orchestration layer behind the assessment API.
// It strings the focused services together: quota, session records, stage
// engine, timers, recovery and scoring. Handlers talk to this service only.
type AssessmentService struct {
	appContext.DefaultService

	sqlSvc        *PostgresService
	quotaSvc      *QuotaService
	sessionSvc    *SessionService
	stageSvc      *StageService
	timerSvc      *TimerService
	recoverySvc   *RecoveryService
	scoreSvc      *ScoreService
	resourceSvc   *ResourceService
	monitoringSvc *MonitoringService
}

const ASSESSMENT_SVC = "assessment_svc"

// Client clocks within this many seconds of the server are not reported as
// drifted.
const timerDriftTolerance = 5

func (svc AssessmentService) Id() string {
	return ASSESSMENT_SVC
}

func (svc *AssessmentService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*PostgresService)
	svc.quotaSvc = svc.Service(QUOTA_SVC).(*QuotaService)
	svc.sessionSvc = svc.Service(SESSION_SVC).(*SessionService)
	svc.stageSvc = svc.Service(STAGE_SVC).(*StageService)
	svc.timerSvc = svc.Service(TIMER_SVC).(*TimerService)
	svc.recoverySvc = svc.Service(RECOVERY_SVC).(*RecoveryService)
	svc.scoreSvc = svc.Service(SCORE_SVC).(*ScoreService)
	svc.resourceSvc = svc.Service(RESOURCE_SVC).(*ResourceService)
	svc.monitoringSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	return nil
}

// ==================== Session lifecycle ====================

// CreateSession starts a new assessment attempt: consumes today's quota,
// pre-generates content for all seven stages, persists the session and
// starts its countdown. A leftover in-progress session is force-submitted
// first; one candidate runs one assessment at a time.
func (svc *AssessmentService) CreateSession(ctx context.Context, userID string, req *dto.CreateAssessmentRequest) (*dto.CreateAssessmentResponse, error) {
	if active, err := svc.sessionSvc.Active(userID); err != nil {
		return nil, err
	} else if active != nil {
		log.Infof("User %s starts a new assessment with session %s still open, force-submitting it", userID, active.ID)
		if err := svc.recoverySvc.ForceSubmit(ctx, userID, active.ID, shared.SubmitReasonUser); err != nil {
			return nil, err
		}
	}

	remaining, err := svc.quotaSvc.Consume(userID)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to generate session ID")
	}

	duration := svc.sessionSvc.DefaultDuration()
	session := &model.AssessmentSession{
		ID:              id.String(),
		UserID:          userID,
		Topic:           svc.pickTopic(req.Topic),
		Difficulty:      req.Difficulty,
		DurationSeconds: duration,
		Deadline:        time.Now().Add(time.Duration(duration) * time.Second),
	}
	if session.Difficulty == "" {
		session.Difficulty = "intermediate"
	}

	if err := svc.stageSvc.PrepareStages(ctx, session); err != nil {
		return nil, err
	}

	created, err := svc.sessionSvc.Create(session)
	if err != nil {
		if purgeErr := svc.resourceSvc.PurgeSession(ctx, session.ID); purgeErr != nil {
			log.Errorf("Failed to purge artifacts for unborn session %s: %v", session.ID, purgeErr)
		}
		return nil, err
	}

	svc.timerSvc.StartTimer(userID, created.ID, duration)

	if svc.monitoringSvc != nil {
		svc.monitoringSvc.RecordSessionCreated()
	}

	log.Infof("Session %s created for user %s (topic %q, %d attempts left today)", created.ID, userID, created.Topic, remaining)

	return &dto.CreateAssessmentResponse{
		SessionID:         created.ID,
		CurrentStage:      created.CurrentStage,
		RemainingSeconds:  duration,
		RemainingAttempts: remaining,
	}, nil
}

// GetState returns the authoritative view of a session. A session left over
// from before a restart gets its countdown resurrected on the way.
func (svc *AssessmentService) GetState(ctx context.Context, userID, sessionID string) (*dto.SessionStateResponse, error) {
	session, err := svc.sessionSvc.Get(userID, sessionID)
	if err != nil {
		return nil, err
	}

	svc.timerSvc.EnsureRunning(ctx, session)

	return svc.stateView(session)
}

// Sync reconciles the client's cached progress against the server record.
// The server never adopts the client's view; it reports which fields drifted
// so the client can repair its mirror.
func (svc *AssessmentService) Sync(ctx context.Context, userID, sessionID string, req *dto.SyncProgressRequest) (*dto.SyncProgressResponse, error) {
	session, err := svc.sessionSvc.Update(userID, sessionID, func(s *model.AssessmentSession) error {
		return nil
	})
	if err != nil {
		return nil, err
	}

	svc.timerSvc.EnsureRunning(ctx, session)

	state, err := svc.stateView(session)
	if err != nil {
		return nil, err
	}

	var drifted []string
	if req.CurrentStage != "" && req.CurrentStage != state.CurrentStage {
		drifted = append(drifted, "current_stage")
	}
	if req.StageCompletion != nil && completionDiffers(req.StageCompletion, state.StageCompletion) {
		drifted = append(drifted, "stage_completion")
	}
	if delta := req.RemainingSeconds - state.RemainingSeconds; delta > timerDriftTolerance || delta < -timerDriftTolerance {
		drifted = append(drifted, "remaining_seconds")
	}

	return &dto.SyncProgressResponse{
		State:       *state,
		Drift:       len(drifted) > 0,
		DriftFields: drifted,
	}, nil
}

// Heartbeat keeps the session alive and hands the client the authoritative
// remaining time to correct its local countdown with.
func (svc *AssessmentService) Heartbeat(ctx context.Context, userID, sessionID string, req *dto.HeartbeatRequest) (*dto.SessionStateResponse, error) {
	session, err := svc.sessionSvc.Get(userID, sessionID)
	if err != nil {
		return nil, err
	}

	svc.timerSvc.EnsureRunning(ctx, session)

	if !session.Completed() {
		if err := svc.sessionSvc.Save(session); err != nil {
			return nil, err
		}
	}

	return svc.stateView(session)
}

// ForceSubmit completes the session on the spot, normally on behalf of the
// client's unload beacon. The call is idempotent; the beacon, the timer and
// the reconciler can all hit it.
func (svc *AssessmentService) ForceSubmit(ctx context.Context, userID, sessionID string, req *dto.ForceSubmitRequest) (*dto.SessionStateResponse, error) {
	reason := req.Reason
	if reason == "" {
		reason = shared.SubmitReasonUser
	}

	if err := svc.recoverySvc.ForceSubmit(ctx, userID, sessionID, reason); err != nil {
		return nil, err
	}

	session, err := svc.sessionSvc.Get(userID, sessionID)
	if err != nil {
		return nil, err
	}

	return svc.stateView(session)
}

// ClearSession discards the session and everything tied to it. Clearing a
// session that is already gone succeeds.
func (svc *AssessmentService) ClearSession(ctx context.Context, userID, sessionID string) error {
	svc.timerSvc.StopTimer(sessionID)
	return svc.sessionSvc.Clear(ctx, userID, sessionID)
}

// ==================== Stage operations ====================

func (svc *AssessmentService) GetStageContent(ctx context.Context, userID, sessionID, stage string) (*dto.StageContentResponse, error) {
	session, err := svc.sessionSvc.Get(userID, sessionID)
	if err != nil {
		return nil, err
	}

	svc.timerSvc.EnsureRunning(ctx, session)

	return svc.stageSvc.GetStageContent(ctx, session, stage)
}

func (svc *AssessmentService) SubmitStageItem(ctx context.Context, userID, sessionID, stage string, req *dto.SubmitItemRequest) (*dto.SubmitItemResponse, error) {
	session, err := svc.sessionSvc.Get(userID, sessionID)
	if err != nil {
		return nil, err
	}

	return svc.stageSvc.SubmitStageItem(ctx, session, stage, req)
}

func (svc *AssessmentService) CompleteStage(ctx context.Context, userID, sessionID, stage string, req *dto.CompleteStageRequest) (*dto.CompleteStageResponse, error) {
	session, err := svc.sessionSvc.Get(userID, sessionID)
	if err != nil {
		return nil, err
	}

	return svc.stageSvc.CompleteStage(ctx, session, stage, req.Score)
}

// ==================== Scores, resources, quota ====================

func (svc *AssessmentService) GetScoreReport(userID, sessionID string) (*dto.ScoreReportResponse, error) {
	session, err := svc.sessionSvc.Get(userID, sessionID)
	if err != nil {
		return nil, err
	}

	return svc.scoreSvc.Report(session)
}

func (svc *AssessmentService) GetScoreHistory(userID string) (*dto.ScoreHistoryResponse, error) {
	return svc.scoreSvc.History(userID)
}

// ReadResource streams an artifact the caller owns, typically stage audio.
func (svc *AssessmentService) ReadResource(ctx context.Context, userID, resourceID string) ([]byte, string, error) {
	return svc.resourceSvc.Read(ctx, resourceID, userID)
}

func (svc *AssessmentService) GetQuota(userID string) (*dto.QuotaResponse, error) {
	return svc.quotaSvc.Remaining(userID)
}

func (svc *AssessmentService) GetTopics() (*dto.TopicListResponse, error) {
	topics, err := svc.sqlSvc.GetActiveTopics()
	if err != nil {
		return nil, err
	}
	return &dto.TopicListResponse{Topics: topics}, nil
}

// ==================== Helpers ====================

func (svc *AssessmentService) stateView(session *model.AssessmentSession) (*dto.SessionStateResponse, error) {
	completion, err := session.Completion()
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to decode session progress")
	}

	remaining := 0
	if !session.Completed() {
		if live, ok := svc.timerSvc.Remaining(session.ID); ok {
			remaining = live
		} else if until := time.Until(session.Deadline); until > 0 {
			remaining = int(until.Seconds())
		}
	}

	return &dto.SessionStateResponse{
		SessionID:        session.ID,
		Status:           session.Status,
		CurrentStage:     session.CurrentStage,
		StageCompletion:  completion,
		RemainingSeconds: remaining,
		Deadline:         session.Deadline,
		SubmitReason:     session.SubmitReason,
	}, nil
}

// pickTopic falls back to a random active topic when the client leaves the
// choice to us. Topic selection failing is never fatal; generation handles
// an empty topic.
func (svc *AssessmentService) pickTopic(requested string) string {
	if requested != "" {
		return requested
	}

	topics, err := svc.sqlSvc.GetActiveTopics()
	if err != nil || len(topics) == 0 {
		return ""
	}

	return topics[rand.Intn(len(topics))].Name
}

func completionDiffers(client, server map[string]bool) bool {
	for _, stage := range shared.StageOrder {
		if client[stage] != server[stage] {
			return true
		}
	}
	return false
}
