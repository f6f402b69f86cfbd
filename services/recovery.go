package services

import (
	"context"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// recoveryStore is the slice of PostgresService the recovery layer uses.
type recoveryStore interface {
	CreateStageScore(score *model.StageScore) error
	GetSessionStageScores(sessionID string) ([]model.StageScore, error)
	GetOverdueSessions(grace time.Duration) ([]model.AssessmentSession, error)
}

type sessionAccess interface {
	Get(userID, sessionID string) (*model.AssessmentSession, error)
	Save(session *model.AssessmentSession) error
}

type timerStopper interface {
	StopTimer(sessionID string)
}

type scoreReporter interface {
	QueueScoreReport(userID, sessionID string, overall int)
}

// RecoveryService turns abandoned or expired sessions into completed ones.
// Forced submission is idempotent: the client beacon, the server timer and
// the reconciliation sweep can all fire for the same session and the scores
// are written once.
type RecoveryService struct {
	appContext.DefaultService

	sqlSvc        *PostgresService
	sessionSvc    *SessionService
	resourceSvc   *ResourceService
	redisSvc      *RedisService
	timerSvc      *TimerService
	emailSvc      *EmailService
	monitoringSvc *MonitoringService

	store     recoveryStore
	sessions  sessionAccess
	artifacts artifactPurger
	snapshots snapshotRemover
	timers    timerStopper
	reporter  scoreReporter

	done chan struct{}
}

const RECOVERY_SVC = "recovery_svc"

// Sessions whose deadline passed at least this long ago with no completion
// signal are picked up by the reconciliation sweep.
const reconcileGrace = 5 * time.Minute

const reconcileInterval = time.Hour

func (svc RecoveryService) Id() string {
	return RECOVERY_SVC
}

func (svc *RecoveryService) Configure(ctx *appContext.Context) error {
	svc.done = make(chan struct{})
	return svc.DefaultService.Configure(ctx)
}

func (svc *RecoveryService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*PostgresService)
	svc.sessionSvc = svc.Service(SESSION_SVC).(*SessionService)
	svc.resourceSvc = svc.Service(RESOURCE_SVC).(*ResourceService)
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.timerSvc = svc.Service(TIMER_SVC).(*TimerService)
	svc.emailSvc = svc.Service(EMAIL_SVC).(*EmailService)
	svc.monitoringSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	svc.store = svc.sqlSvc
	svc.sessions = svc.sessionSvc
	svc.artifacts = svc.resourceSvc
	svc.snapshots = svc.redisSvc
	svc.timers = svc.timerSvc
	svc.reporter = svc.emailSvc

	go svc.reconcileLoop()

	return nil
}

func (svc *RecoveryService) Shutdown() {
	close(svc.done)
}

// ==================== Forced submission ====================

// ForceSubmit completes a session on the user's behalf. Stages without a
// recorded score get zero; stages whose score already landed keep it, even
// when a real completion races this call. A session that is already
// completed is left untouched.
func (svc *RecoveryService) ForceSubmit(ctx context.Context, userID, sessionID, reason string) error {
	session, err := svc.sessions.Get(userID, sessionID)
	if err != nil {
		return err
	}

	if session.Completed() {
		return nil
	}

	for _, stage := range shared.StageOrder {
		score := &model.StageScore{
			UserID:    userID,
			SessionID: sessionID,
			Stage:     stage,
			Score:     0,
			Rationale: "stage not completed before submission",
		}
		if err := svc.store.CreateStageScore(score); err != nil {
			return err
		}
	}

	if svc.monitoringSvc != nil {
		svc.monitoringSvc.RecordForcedSubmit(reason)
	}

	return svc.FinalizeSession(ctx, session, reason)
}

// FinalizeSession marks the session completed and releases everything tied
// to it: the live timer, the persisted snapshot and every tracked artifact.
// Callers must have recorded all the stage scores they care about; anything
// missing counts as zero in the report.
func (svc *RecoveryService) FinalizeSession(ctx context.Context, session *model.AssessmentSession, reason string) error {
	svc.timers.StopTimer(session.ID)

	now := time.Now()
	session.Status = shared.SessionStatusCompleted
	session.SubmitReason = reason
	session.CompletedAt = &now
	if err := svc.sessions.Save(session); err != nil {
		return err
	}

	if err := svc.artifacts.PurgeSession(ctx, session.ID); err != nil {
		log.Errorf("Failed to purge artifacts for session %s, sweeps will reclaim them: %v", session.ID, err)
	}
	if err := svc.snapshots.DeleteTimerSnapshot(ctx, session.ID); err != nil {
		log.Errorf("Failed to drop timer snapshot for session %s: %v", session.ID, err)
	}

	overall, err := svc.aggregate(session.ID)
	if err != nil {
		log.Errorf("Failed to aggregate scores for session %s: %v", session.ID, err)
		overall = 0
	}

	if svc.monitoringSvc != nil {
		svc.monitoringSvc.RecordSessionCompleted(reason)
	}
	if svc.reporter != nil {
		svc.reporter.QueueScoreReport(session.UserID, session.ID, overall)
	}

	log.Infof("Session %s completed (%s), overall score %d", session.ID, reason, overall)
	return nil
}

func (svc *RecoveryService) aggregate(sessionID string) (int, error) {
	scores, err := svc.store.GetSessionStageScores(sessionID)
	if err != nil {
		return 0, err
	}

	byStage := make(map[string]int, len(scores))
	for _, s := range scores {
		byStage[s.Stage] = s.Score
	}

	return shared.AggregateScore(byStage), nil
}

// ==================== Deadline reconciliation ====================

func (svc *RecoveryService) reconcileLoop() {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			svc.reconcileOverdue()
		case <-svc.done:
			return
		}
	}
}

// reconcileOverdue force-submits sessions whose deadline passed without any
// completion signal reaching the server, the backstop behind the client
// beacon and the in-process timer.
func (svc *RecoveryService) reconcileOverdue() {
	sessions, err := svc.store.GetOverdueSessions(reconcileGrace)
	if err != nil {
		log.Errorf("Failed to list overdue sessions: %v", err)
		return
	}

	for i := range sessions {
		session := &sessions[i]
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := svc.ForceSubmit(ctx, session.UserID, session.ID, shared.SubmitReasonReconciler)
		cancel()
		if err != nil {
			log.Errorf("Failed to reconcile overdue session %s: %v", session.ID, err)
			continue
		}
	}

	if len(sessions) > 0 {
		log.Infof("Reconciled %d overdue sessions", len(sessions))
	}
}
