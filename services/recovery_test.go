package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

type fakeRecoveryStore struct {
	mu         sync.Mutex
	scores     map[string]model.StageScore
	writeErr   error
	readErr    error
	overdue    []model.AssessmentSession
	overdueErr error
}

func newFakeRecoveryStore() *fakeRecoveryStore {
	return &fakeRecoveryStore{scores: map[string]model.StageScore{}}
}

// CreateStageScore mirrors the unique-index-plus-DoNothing insert: the first
// write for a (session, stage) pair lands, later writes succeed silently.
func (f *fakeRecoveryStore) CreateStageScore(score *model.StageScore) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	key := score.SessionID + "/" + score.Stage
	if _, ok := f.scores[key]; ok {
		return nil
	}
	if score.CreatedAt.IsZero() {
		score.CreatedAt = time.Now()
	}
	f.scores[key] = *score
	return nil
}

func (f *fakeRecoveryStore) GetSessionStageScores(sessionID string) ([]model.StageScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	var scores []model.StageScore
	for _, score := range f.scores {
		if score.SessionID == sessionID {
			scores = append(scores, score)
		}
	}
	return scores, nil
}

func (f *fakeRecoveryStore) GetUserStageScores(userID string) ([]model.StageScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var scores []model.StageScore
	for _, score := range f.scores {
		if score.UserID == userID {
			scores = append(scores, score)
		}
	}
	return scores, nil
}

func (f *fakeRecoveryStore) GetOverdueSessions(time.Duration) ([]model.AssessmentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overdueErr != nil {
		return nil, f.overdueErr
	}
	return append([]model.AssessmentSession(nil), f.overdue...), nil
}

type fakeSessionAccess struct {
	mu       sync.Mutex
	sessions map[string]*model.AssessmentSession
	saves    int
	saveErr  error
}

func newFakeSessionAccess() *fakeSessionAccess {
	return &fakeSessionAccess{sessions: map[string]*model.AssessmentSession{}}
}

func (f *fakeSessionAccess) put(session *model.AssessmentSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.UserID+"/"+session.ID] = session
}

func (f *fakeSessionAccess) Get(userID, sessionID string) (*model.AssessmentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[userID+"/"+sessionID]
	if !ok {
		return nil, shared.NewNotFoundError(nil, "Session not found")
	}
	return session, nil
}

func (f *fakeSessionAccess) Save(*model.AssessmentSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	return nil
}

type fakeTimerStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeTimerStopper) StopTimer(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sessionID)
}

type fakeScoreReporter struct {
	mu      sync.Mutex
	reports []string
}

func (f *fakeScoreReporter) QueueScoreReport(userID, sessionID string, overall int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, fmt.Sprintf("%s/%s/%d", userID, sessionID, overall))
}

type recoveryFixture struct {
	svc       *RecoveryService
	store     *fakeRecoveryStore
	sessions  *fakeSessionAccess
	artifacts *fakeArtifactPurger
	snapshots *fakeSnapshotRemover
	timers    *fakeTimerStopper
	reporter  *fakeScoreReporter
}

func newRecoveryFixture() *recoveryFixture {
	fix := &recoveryFixture{
		store:     newFakeRecoveryStore(),
		sessions:  newFakeSessionAccess(),
		artifacts: &fakeArtifactPurger{},
		snapshots: &fakeSnapshotRemover{},
		timers:    &fakeTimerStopper{},
		reporter:  &fakeScoreReporter{},
	}
	fix.svc = &RecoveryService{
		store:     fix.store,
		sessions:  fix.sessions,
		artifacts: fix.artifacts,
		snapshots: fix.snapshots,
		timers:    fix.timers,
		reporter:  fix.reporter,
	}
	return fix
}

// ==================== Forced submission ====================

func TestRecoveryServiceForceSubmitZeroFills(t *testing.T) {
	fix := newRecoveryFixture()
	session := newTestSession("user-1", "sess-1")
	fix.sessions.put(session)

	if err := fix.svc.ForceSubmit(context.Background(), "user-1", "sess-1", shared.SubmitReasonTimer); err != nil {
		t.Fatalf("force submit: %v", err)
	}

	if len(fix.store.scores) != shared.StageCount {
		t.Fatalf("expected a score row per stage, got %d", len(fix.store.scores))
	}
	for key, score := range fix.store.scores {
		if score.Score != 0 {
			t.Errorf("stage %s should be zero-filled, got %d", key, score.Score)
		}
	}

	if !session.Completed() {
		t.Error("session should be completed")
	}
	if session.SubmitReason != shared.SubmitReasonTimer {
		t.Errorf("expected submit reason %s, got %s", shared.SubmitReasonTimer, session.SubmitReason)
	}
	if session.CompletedAt == nil {
		t.Error("completion time not stamped")
	}
	if len(fix.timers.stopped) != 1 || fix.timers.stopped[0] != "sess-1" {
		t.Errorf("timer not stopped: %v", fix.timers.stopped)
	}
	if len(fix.artifacts.purged) != 1 || fix.artifacts.purged[0] != "sess-1" {
		t.Errorf("artifacts not purged: %v", fix.artifacts.purged)
	}
	if len(fix.snapshots.dropped) != 1 || fix.snapshots.dropped[0] != "sess-1" {
		t.Errorf("timer snapshot not dropped: %v", fix.snapshots.dropped)
	}
	if len(fix.reporter.reports) != 1 || fix.reporter.reports[0] != "user-1/sess-1/0" {
		t.Errorf("expected a zero-score report, got %v", fix.reporter.reports)
	}
}

func TestRecoveryServiceForceSubmitKeepsRecordedScores(t *testing.T) {
	fix := newRecoveryFixture()
	session := newTestSession("user-1", "sess-1")
	fix.sessions.put(session)

	for stage, score := range map[string]int{shared.StageReading: 90, shared.StageListening: 70} {
		if err := fix.store.CreateStageScore(&model.StageScore{
			UserID:    "user-1",
			SessionID: "sess-1",
			Stage:     stage,
			Score:     score,
		}); err != nil {
			t.Fatalf("seed score: %v", err)
		}
	}

	if err := fix.svc.ForceSubmit(context.Background(), "user-1", "sess-1", shared.SubmitReasonUnload); err != nil {
		t.Fatalf("force submit: %v", err)
	}

	if got := fix.store.scores["sess-1/"+shared.StageReading].Score; got != 90 {
		t.Errorf("recorded reading score overwritten: %d", got)
	}
	if got := fix.store.scores["sess-1/"+shared.StageListening].Score; got != 70 {
		t.Errorf("recorded listening score overwritten: %d", got)
	}
	if got := fix.store.scores["sess-1/"+shared.StageFillBlanks].Score; got != 0 {
		t.Errorf("unrecorded stage should be zero, got %d", got)
	}

	// 90 + 70 across seven stages.
	if len(fix.reporter.reports) != 1 || fix.reporter.reports[0] != "user-1/sess-1/23" {
		t.Errorf("expected overall 23, got %v", fix.reporter.reports)
	}
}

func TestRecoveryServiceForceSubmitCompletedIsNoop(t *testing.T) {
	fix := newRecoveryFixture()
	session := newTestSession("user-1", "sess-1")
	session.Status = shared.SessionStatusCompleted
	fix.sessions.put(session)

	if err := fix.svc.ForceSubmit(context.Background(), "user-1", "sess-1", shared.SubmitReasonTimer); err != nil {
		t.Fatalf("force submit on a completed session must succeed: %v", err)
	}

	if len(fix.store.scores) != 0 {
		t.Errorf("no scores should be written, got %d", len(fix.store.scores))
	}
	if len(fix.timers.stopped) != 0 {
		t.Error("nothing to stop for a completed session")
	}
	if fix.sessions.saves != 0 {
		t.Error("a completed session must be left untouched")
	}
}

func TestRecoveryServiceForceSubmitMissingSession(t *testing.T) {
	fix := newRecoveryFixture()

	err := fix.svc.ForceSubmit(context.Background(), "user-1", "sess-1", shared.SubmitReasonTimer)
	if !shared.IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected a 404, got %v", err)
	}
}

func TestRecoveryServiceForceSubmitScoreWriteFailure(t *testing.T) {
	fix := newRecoveryFixture()
	session := newTestSession("user-1", "sess-1")
	fix.sessions.put(session)
	fix.store.writeErr = errors.New("db down")

	if err := fix.svc.ForceSubmit(context.Background(), "user-1", "sess-1", shared.SubmitReasonTimer); err == nil {
		t.Fatal("a failed zero-fill must surface")
	}

	if session.Completed() {
		t.Error("session must stay in progress when the zero-fill fails")
	}
	if len(fix.timers.stopped) != 0 {
		t.Error("timer must keep running when the zero-fill fails")
	}
}

// ==================== Finalization ====================

func TestRecoveryServiceFinalizeReleasesEverything(t *testing.T) {
	fix := newRecoveryFixture()
	session := newTestSession("user-1", "sess-1")
	fix.sessions.put(session)

	if err := fix.store.CreateStageScore(&model.StageScore{
		UserID:    "user-1",
		SessionID: "sess-1",
		Stage:     shared.StageReading,
		Score:     84,
	}); err != nil {
		t.Fatalf("seed score: %v", err)
	}

	if err := fix.svc.FinalizeSession(context.Background(), session, shared.SubmitReasonUser); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if session.Status != shared.SessionStatusCompleted || session.SubmitReason != shared.SubmitReasonUser {
		t.Errorf("session not finalized: %s/%s", session.Status, session.SubmitReason)
	}
	if fix.sessions.saves != 1 {
		t.Errorf("expected one save, got %d", fix.sessions.saves)
	}
	if len(fix.timers.stopped) != 1 {
		t.Errorf("timer not stopped: %v", fix.timers.stopped)
	}
	if len(fix.artifacts.purged) != 1 {
		t.Errorf("artifacts not purged: %v", fix.artifacts.purged)
	}
	if len(fix.snapshots.dropped) != 1 {
		t.Errorf("snapshot not dropped: %v", fix.snapshots.dropped)
	}

	// 84 across seven stages.
	if len(fix.reporter.reports) != 1 || fix.reporter.reports[0] != "user-1/sess-1/12" {
		t.Errorf("expected overall 12, got %v", fix.reporter.reports)
	}
}

func TestRecoveryServiceFinalizePurgeFailureNonFatal(t *testing.T) {
	fix := newRecoveryFixture()
	fix.artifacts.err = errors.New("bucket down")
	session := newTestSession("user-1", "sess-1")
	fix.sessions.put(session)

	if err := fix.svc.FinalizeSession(context.Background(), session, shared.SubmitReasonUser); err != nil {
		t.Fatalf("a purge failure must not block finalization: %v", err)
	}
	if !session.Completed() {
		t.Error("session should still complete")
	}
	if len(fix.snapshots.dropped) != 1 {
		t.Error("snapshot cleanup should still run")
	}
	if len(fix.reporter.reports) != 1 {
		t.Error("the report should still be queued")
	}
}

func TestRecoveryServiceFinalizeAggregateFailure(t *testing.T) {
	fix := newRecoveryFixture()
	fix.store.readErr = errors.New("db down")
	session := newTestSession("user-1", "sess-1")
	fix.sessions.put(session)

	if err := fix.svc.FinalizeSession(context.Background(), session, shared.SubmitReasonUser); err != nil {
		t.Fatalf("an aggregate failure must not block finalization: %v", err)
	}
	if len(fix.reporter.reports) != 1 || fix.reporter.reports[0] != "user-1/sess-1/0" {
		t.Errorf("expected a zero overall when aggregation fails, got %v", fix.reporter.reports)
	}
}

// ==================== Deadline reconciliation ====================

func TestRecoveryServiceReconcileOverdue(t *testing.T) {
	fix := newRecoveryFixture()

	first := newTestSession("user-1", "sess-1")
	first.Deadline = time.Now().Add(-time.Hour)
	second := newTestSession("user-2", "sess-2")
	second.Deadline = time.Now().Add(-2 * time.Hour)
	fix.sessions.put(first)
	fix.sessions.put(second)
	fix.store.overdue = []model.AssessmentSession{*first, *second}

	fix.svc.reconcileOverdue()

	if !first.Completed() || !second.Completed() {
		t.Error("both overdue sessions should be force-submitted")
	}
	if first.SubmitReason != shared.SubmitReasonReconciler {
		t.Errorf("expected reconciler reason, got %s", first.SubmitReason)
	}
	if len(fix.reporter.reports) != 2 {
		t.Errorf("expected two reports, got %v", fix.reporter.reports)
	}

	// The query is stale by the time sessions are processed; completed ones
	// must come out as no-ops on the next pass.
	fix.svc.reconcileOverdue()

	if len(fix.reporter.reports) != 2 {
		t.Errorf("a second pass must not resubmit, got %v", fix.reporter.reports)
	}
	if len(fix.store.scores) != 2*shared.StageCount {
		t.Errorf("a second pass must not rewrite scores, got %d rows", len(fix.store.scores))
	}
}

func TestRecoveryServiceReconcileQueryFailure(t *testing.T) {
	fix := newRecoveryFixture()
	fix.store.overdueErr = errors.New("db down")

	fix.svc.reconcileOverdue()

	if len(fix.reporter.reports) != 0 {
		t.Errorf("nothing should be submitted when the query fails, got %v", fix.reporter.reports)
	}
}
