package services

import (
	"context"
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// sessionStore is the slice of PostgresService the session layer uses.
type sessionStore interface {
	CreateAssessmentSession(session *model.AssessmentSession) (*model.AssessmentSession, error)
	GetAssessmentSession(userID, sessionID string) (*model.AssessmentSession, error)
	GetActiveAssessmentSession(userID string) (*model.AssessmentSession, error)
	SaveAssessmentSession(session *model.AssessmentSession) error
	DeleteAssessmentSession(userID, sessionID string) error
	IsNotFound(err error) bool
}

type artifactPurger interface {
	PurgeSession(ctx context.Context, sessionID string) error
}

type snapshotRemover interface {
	DeleteTimerSnapshot(ctx context.Context, sessionID string) error
}

// SessionService owns the lifecycle of assessment session records. Records
// past the inactivity horizon are logically void: reads report them expired
// while the hourly cleanup job catches up with the physical delete.
type SessionService struct {
	appContext.DefaultService

	sqlSvc      *PostgresService
	resourceSvc *ResourceService
	redisSvc    *RedisService

	store     sessionStore
	artifacts artifactPurger
	snapshots snapshotRemover

	defaultDuration int
}

const SESSION_SVC = "session_svc"

func (svc SessionService) Id() string {
	return SESSION_SVC
}

func (svc *SessionService) Configure(ctx *appContext.Context) error {
	svc.defaultDuration = 1800
	if v := os.Getenv("ASSESSMENT_DURATION_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			svc.defaultDuration = parsed
		}
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *SessionService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*PostgresService)
	svc.resourceSvc = svc.Service(RESOURCE_SVC).(*ResourceService)
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)

	svc.store = svc.sqlSvc
	svc.artifacts = svc.resourceSvc
	svc.snapshots = svc.redisSvc

	return nil
}

func (svc *SessionService) DefaultDuration() int {
	return svc.defaultDuration
}

// ==================== Lookup ====================

// Get loads a session the caller owns. Missing records come back as
// not-found, records past the inactivity horizon as gone; callers never see
// a void session as live.
func (svc *SessionService) Get(userID, sessionID string) (*model.AssessmentSession, error) {
	session, err := svc.store.GetAssessmentSession(userID, sessionID)
	if err != nil {
		if _, ok := shared.GetAppError(err); ok {
			return nil, err
		}
		if svc.store.IsNotFound(err) {
			return nil, shared.NewNotFoundError(nil, "Session not found")
		}
		return nil, svc.sqlSvc.HandleError(err)
	}

	if session.Expired() {
		return nil, shared.NewGoneError(nil, "Session expired")
	}

	return session, nil
}

// Active returns the caller's newest in-progress session, or nil when there
// is none worth resuming.
func (svc *SessionService) Active(userID string) (*model.AssessmentSession, error) {
	session, err := svc.store.GetActiveAssessmentSession(userID)
	if err != nil {
		if svc.store.IsNotFound(err) {
			return nil, nil
		}
		return nil, svc.sqlSvc.HandleError(err)
	}

	if session.Expired() {
		return nil, nil
	}

	return session, nil
}

// ==================== Create / Update ====================

// Create persists a fully formed session built by the orchestration layer.
func (svc *SessionService) Create(session *model.AssessmentSession) (*model.AssessmentSession, error) {
	if session.DurationSeconds <= 0 {
		session.DurationSeconds = svc.defaultDuration
	}
	if session.Deadline.IsZero() {
		session.Deadline = time.Now().Add(time.Duration(session.DurationSeconds) * time.Second)
	}
	if err := svc.initDefaults(session); err != nil {
		return nil, shared.NewInternalError(err, "Failed to initialize session")
	}

	return svc.store.CreateAssessmentSession(session)
}

// GetOrCreate returns the stored record for the key, building an initialized
// default when none exists. The bool reports whether a record was created.
func (svc *SessionService) GetOrCreate(userID, sessionID string) (*model.AssessmentSession, bool, error) {
	session, err := svc.store.GetAssessmentSession(userID, sessionID)
	if err == nil && !session.Expired() {
		return session, false, nil
	}
	if err != nil {
		if _, ok := shared.GetAppError(err); ok {
			return nil, false, err
		}
		if !svc.store.IsNotFound(err) {
			return nil, false, svc.sqlSvc.HandleError(err)
		}
	}

	// A record past the horizon is void; replace it rather than resume it.
	if err == nil && session.Expired() {
		if clearErr := svc.Clear(context.Background(), userID, sessionID); clearErr != nil {
			return nil, false, clearErr
		}
	}

	fresh := &model.AssessmentSession{
		ID:     sessionID,
		UserID: userID,
	}
	created, err := svc.Create(fresh)
	if err != nil {
		return nil, false, err
	}

	return created, true, nil
}

// Update applies patch to the stored record, creating an initialized default
// first when the key is unknown. Updating a missing record is not an error;
// progress pushed by a client that raced the cleanup job still lands.
func (svc *SessionService) Update(userID, sessionID string, patch func(session *model.AssessmentSession) error) (*model.AssessmentSession, error) {
	session, _, err := svc.GetOrCreate(userID, sessionID)
	if err != nil {
		return nil, err
	}

	if err := patch(session); err != nil {
		return nil, err
	}

	if err := svc.Save(session); err != nil {
		return nil, err
	}

	return session, nil
}

// Save persists the record and refreshes the activity clock that drives the
// inactivity horizon.
func (svc *SessionService) Save(session *model.AssessmentSession) error {
	session.LastActivity = time.Now()
	return svc.store.SaveAssessmentSession(session)
}

// ==================== Clear ====================

// Clear removes the record together with everything hanging off it: tracked
// artifacts and the persisted timer snapshot. Clearing an unknown key
// succeeds.
func (svc *SessionService) Clear(ctx context.Context, userID, sessionID string) error {
	_, err := svc.store.GetAssessmentSession(userID, sessionID)
	if err != nil {
		if svc.store.IsNotFound(err) {
			return nil
		}
		if _, ok := shared.GetAppError(err); ok {
			return err
		}
		return svc.sqlSvc.HandleError(err)
	}

	if err := svc.artifacts.PurgeSession(ctx, sessionID); err != nil {
		return err
	}

	if err := svc.snapshots.DeleteTimerSnapshot(ctx, sessionID); err != nil {
		log.Errorf("Failed to drop timer snapshot for session %s: %v", sessionID, err)
	}

	return svc.store.DeleteAssessmentSession(userID, sessionID)
}

// initDefaults stamps the zero-progress shape every new record starts from.
func (svc *SessionService) initDefaults(session *model.AssessmentSession) error {
	now := time.Now()

	if session.Status == "" {
		session.Status = shared.SessionStatusInProgress
	}
	if session.CurrentStage == "" {
		session.CurrentStage = shared.StageOrder[0]
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.LastActivity = now

	if len(session.StageCompletion) == 0 {
		completion := make(map[string]bool, shared.StageCount)
		for _, stage := range shared.StageOrder {
			completion[stage] = false
		}
		if err := session.SetCompletion(completion); err != nil {
			return err
		}
	}
	if len(session.StageData) == 0 {
		if err := session.SetStages(map[string]*model.StagePayload{}); err != nil {
			return err
		}
	}

	return nil
}
