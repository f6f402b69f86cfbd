package services

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fluentedge-labs/assess_api/dto"
	"github.com/fluentedge-labs/assess_api/shared"
)

// assessmentFixture assembles the real orchestration graph with fakes only at
// the leaves: stores, blobs, snapshots and the generator. The services in the
// middle are the production ones, wired the way Start does it.
type assessmentFixture struct {
	svc          *AssessmentService
	sessionStore *fakeSessionStore
	scoreRows    *fakeRecoveryStore
	quota        *fakeQuotaStore
	generator    *fakeGenerator
	blobs        *fakeBlobStore
	records      *fakeArtifactRecords
	snapshots    *fakeSnapshotStore
	timerSvc     *TimerService
	reporter     *fakeScoreReporter
}

func newAssessmentFixture(t *testing.T) *assessmentFixture {
	t.Helper()

	fix := &assessmentFixture{
		sessionStore: newFakeSessionStore(),
		scoreRows:    newFakeRecoveryStore(),
		quota:        newFakeQuotaStore(),
		generator:    &fakeGenerator{},
		blobs:        newFakeBlobStore(),
		records:      newFakeArtifactRecords(),
		snapshots:    newFakeSnapshotStore(),
		reporter:     &fakeScoreReporter{},
	}

	resourceSvc := &ResourceService{blobs: fix.blobs, records: fix.records}
	sessionSvc := &SessionService{
		store:           fix.sessionStore,
		artifacts:       resourceSvc,
		snapshots:       fix.snapshots,
		defaultDuration: 1800,
	}
	scoreSvc := &ScoreService{store: fix.scoreRows}

	fix.timerSvc = &TimerService{
		timers:    map[string]*TimerController{},
		snapshots: fix.snapshots,
	}
	recoverySvc := &RecoveryService{
		store:     fix.scoreRows,
		sessions:  sessionSvc,
		artifacts: resourceSvc,
		snapshots: fix.snapshots,
		timers:    fix.timerSvc,
		reporter:  fix.reporter,
	}
	fix.timerSvc.recovery = recoverySvc

	stageSvc := &StageService{
		generator: fix.generator,
		artifacts: resourceSvc,
		scores:    scoreSvc,
		sessions:  sessionSvc,
		finalizer: recoverySvc,
	}

	fix.svc = &AssessmentService{
		quotaSvc:    &QuotaService{store: fix.quota, dailyLimit: 3},
		sessionSvc:  sessionSvc,
		stageSvc:    stageSvc,
		timerSvc:    fix.timerSvc,
		recoverySvc: recoverySvc,
		scoreSvc:    scoreSvc,
		resourceSvc: resourceSvc,
	}

	t.Cleanup(fix.timerSvc.Shutdown)

	return fix
}

func (fix *assessmentFixture) exhaustQuota(t *testing.T, userID string) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if _, err := fix.quota.GetOrCreateAttemptQuota(userID, quotaDate(), 3); err != nil {
			t.Fatalf("get quota: %v", err)
		}
		consumed, err := fix.quota.ConsumeAttempt(userID, quotaDate())
		if err != nil || !consumed {
			t.Fatalf("burn attempt %d: consumed=%v err=%v", i, consumed, err)
		}
	}
}

// ==================== Session lifecycle ====================

func TestAssessmentServiceCreateSession(t *testing.T) {
	fix := newAssessmentFixture(t)

	resp, err := fix.svc.CreateSession(context.Background(), "user-1", &dto.CreateAssessmentRequest{
		Topic:      "travel",
		Difficulty: "beginner",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("no session ID")
	}
	if resp.CurrentStage != shared.StageOrder[0] {
		t.Errorf("expected first stage, got %s", resp.CurrentStage)
	}
	if resp.RemainingSeconds != 1800 {
		t.Errorf("expected the full duration, got %d", resp.RemainingSeconds)
	}
	if resp.RemainingAttempts != 2 {
		t.Errorf("expected 2 attempts left, got %d", resp.RemainingAttempts)
	}

	session, err := fix.sessionStore.GetAssessmentSession("user-1", resp.SessionID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if session.Topic != "travel" || session.Difficulty != "beginner" {
		t.Errorf("request not applied: topic=%q difficulty=%q", session.Topic, session.Difficulty)
	}
	stages, err := session.Stages()
	if err != nil {
		t.Fatalf("decode stages: %v", err)
	}
	if len(stages) != shared.StageCount {
		t.Errorf("content should be pre-generated for every stage, got %d", len(stages))
	}

	if count := fix.timerSvc.ActiveCount(); count != 1 {
		t.Errorf("expected a live countdown, got %d", count)
	}

	state, err := fix.svc.GetState(context.Background(), "user-1", resp.SessionID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != shared.SessionStatusInProgress {
		t.Errorf("expected an in-progress state, got %s", state.Status)
	}
	if state.RemainingSeconds <= 0 || state.RemainingSeconds > 1800 {
		t.Errorf("remaining seconds out of range: %d", state.RemainingSeconds)
	}
	if len(state.StageCompletion) != shared.StageCount {
		t.Errorf("expected %d completion entries, got %d", shared.StageCount, len(state.StageCompletion))
	}
}

func TestAssessmentServiceCreateSessionQuotaExhausted(t *testing.T) {
	fix := newAssessmentFixture(t)
	fix.exhaustQuota(t, "user-1")

	_, err := fix.svc.CreateSession(context.Background(), "user-1", &dto.CreateAssessmentRequest{Topic: "travel"})
	if !shared.IsStatus(err, http.StatusConflict) {
		t.Fatalf("expected a 409 with no attempts left, got %v", err)
	}

	if fix.records.count() != 0 {
		t.Error("nothing should be generated for a rejected attempt")
	}
	if count := fix.timerSvc.ActiveCount(); count != 0 {
		t.Errorf("no timer should start, got %d", count)
	}
}

func TestAssessmentServiceCreateSessionForceSubmitsLeftover(t *testing.T) {
	fix := newAssessmentFixture(t)

	leftover := newTestSession("user-1", "sess-old")
	fix.sessionStore.put(leftover)

	resp, err := fix.svc.CreateSession(context.Background(), "user-1", &dto.CreateAssessmentRequest{Topic: "travel"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.SessionID == "sess-old" {
		t.Fatal("a fresh session must be created")
	}

	if !leftover.Completed() {
		t.Error("the leftover session should be force-submitted first")
	}
	if leftover.SubmitReason != shared.SubmitReasonUser {
		t.Errorf("expected a user-submit reason, got %s", leftover.SubmitReason)
	}
	if len(fix.reporter.reports) != 1 || fix.reporter.reports[0] != "user-1/sess-old/0" {
		t.Errorf("the leftover should be reported with zero scores, got %v", fix.reporter.reports)
	}
}

func TestAssessmentServiceSyncReportsDrift(t *testing.T) {
	fix := newAssessmentFixture(t)
	session := newTestSession("user-1", "sess-1")
	fix.sessionStore.put(session)

	aligned, err := fix.svc.Sync(context.Background(), "user-1", "sess-1", &dto.SyncProgressRequest{
		CurrentStage:     shared.StageOrder[0],
		StageCompletion:  map[string]bool{},
		RemainingSeconds: 1800,
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if aligned.Drift {
		t.Errorf("an aligned client must not be flagged, fields=%v", aligned.DriftFields)
	}

	drifted, err := fix.svc.Sync(context.Background(), "user-1", "sess-1", &dto.SyncProgressRequest{
		CurrentStage:     shared.StageListening,
		StageCompletion:  map[string]bool{shared.StageReading: true},
		RemainingSeconds: 900,
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !drifted.Drift {
		t.Fatal("a stale client must be flagged")
	}
	want := []string{"current_stage", "stage_completion", "remaining_seconds"}
	if len(drifted.DriftFields) != len(want) {
		t.Fatalf("expected drift fields %v, got %v", want, drifted.DriftFields)
	}
	for i, field := range want {
		if drifted.DriftFields[i] != field {
			t.Errorf("expected drift fields %v, got %v", want, drifted.DriftFields)
			break
		}
	}
	if drifted.State.CurrentStage != shared.StageOrder[0] {
		t.Error("the server view must win the sync")
	}
}

func TestAssessmentServiceHeartbeat(t *testing.T) {
	fix := newAssessmentFixture(t)
	session := newTestSession("user-1", "sess-1")
	before := time.Now().Add(-time.Hour)
	session.LastActivity = before
	fix.sessionStore.put(session)

	state, err := fix.svc.Heartbeat(context.Background(), "user-1", "sess-1", &dto.HeartbeatRequest{RemainingSeconds: 1500})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if state.RemainingSeconds <= 0 {
		t.Errorf("heartbeat should return a live countdown, got %d", state.RemainingSeconds)
	}
	if !session.LastActivity.After(before) {
		t.Error("heartbeat must refresh the activity clock")
	}

	// A completed session is reported but never touched again.
	session.Status = shared.SessionStatusCompleted
	touched := session.LastActivity

	state, err = fix.svc.Heartbeat(context.Background(), "user-1", "sess-1", &dto.HeartbeatRequest{})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if state.Status != shared.SessionStatusCompleted {
		t.Errorf("expected a completed state, got %s", state.Status)
	}
	if state.RemainingSeconds != 0 {
		t.Errorf("a completed session has no countdown, got %d", state.RemainingSeconds)
	}
	if !session.LastActivity.Equal(touched) {
		t.Error("a completed session must not be written")
	}
}

func TestAssessmentServiceForceSubmitDefaultsReason(t *testing.T) {
	fix := newAssessmentFixture(t)
	session := newTestSession("user-1", "sess-1")
	fix.sessionStore.put(session)

	state, err := fix.svc.ForceSubmit(context.Background(), "user-1", "sess-1", &dto.ForceSubmitRequest{})
	if err != nil {
		t.Fatalf("force submit: %v", err)
	}
	if state.Status != shared.SessionStatusCompleted {
		t.Errorf("expected a completed state, got %s", state.Status)
	}
	if state.SubmitReason != shared.SubmitReasonUser {
		t.Errorf("an empty reason defaults to user submit, got %s", state.SubmitReason)
	}
	if len(fix.scoreRows.scores) != shared.StageCount {
		t.Errorf("expected zero-filled scores for every stage, got %d", len(fix.scoreRows.scores))
	}
}

func TestAssessmentServiceClearSession(t *testing.T) {
	fix := newAssessmentFixture(t)

	resp, err := fix.svc.CreateSession(context.Background(), "user-1", &dto.CreateAssessmentRequest{Topic: "travel"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fix.svc.ClearSession(context.Background(), "user-1", resp.SessionID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if _, err := fix.svc.GetState(context.Background(), "user-1", resp.SessionID); !shared.IsStatus(err, http.StatusNotFound) {
		t.Errorf("cleared session should be gone, got %v", err)
	}
	if fix.records.count() != 0 {
		t.Errorf("artifacts should be purged, %d records remain", fix.records.count())
	}
	waitFor(t, 2*time.Second, func() bool {
		return fix.timerSvc.ActiveCount() == 0
	})

	// Idempotent.
	if err := fix.svc.ClearSession(context.Background(), "user-1", resp.SessionID); err != nil {
		t.Fatalf("clearing twice must succeed: %v", err)
	}
}

// ==================== Full walkthrough ====================

// The seven-stage happy path through the real orchestration graph: create,
// then fetch, answer and complete every stage, then read the report.
func TestAssessmentServiceFullFlow(t *testing.T) {
	fix := newAssessmentFixture(t)
	ctx := context.Background()

	created, err := fix.svc.CreateSession(ctx, "user-1", &dto.CreateAssessmentRequest{Topic: "travel"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sessionID := created.SessionID

	for i, stage := range shared.StageOrder {
		content, err := fix.svc.GetStageContent(ctx, "user-1", sessionID, stage)
		if err != nil {
			t.Fatalf("stage %s content: %v", stage, err)
		}
		if len(content.Items) == 0 {
			t.Fatalf("stage %s has no items", stage)
		}
		if audioStages[stage] && !strings.HasPrefix(content.AudioURL, "/api/v1/assessment/resource/") {
			t.Errorf("stage %s should reference its audio, got %q", stage, content.AudioURL)
		}

		submitted, err := fix.svc.SubmitStageItem(ctx, "user-1", sessionID, stage, &dto.SubmitItemRequest{
			ItemID: content.Items[0].ID,
			Answer: "generated answer",
		})
		if err != nil {
			t.Fatalf("stage %s submit: %v", stage, err)
		}
		if !submitted.StageComplete {
			t.Fatalf("stage %s should be complete after its only item", stage)
		}

		completed, err := fix.svc.CompleteStage(ctx, "user-1", sessionID, stage, &dto.CompleteStageRequest{Score: submitted.Score})
		if err != nil {
			t.Fatalf("stage %s complete: %v", stage, err)
		}

		if i < len(shared.StageOrder)-1 {
			if completed.SessionCompleted {
				t.Fatalf("session completed early at stage %s", stage)
			}
			if completed.NextStage != shared.StageOrder[i+1] {
				t.Fatalf("expected next stage %s, got %s", shared.StageOrder[i+1], completed.NextStage)
			}
		} else if !completed.SessionCompleted {
			t.Fatal("completing the last stage should complete the session")
		}
	}

	report, err := fix.svc.GetScoreReport("user-1", sessionID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Overall != 100 {
		t.Errorf("expected a perfect overall, got %d", report.Overall)
	}
	if report.Status != shared.SessionStatusCompleted {
		t.Errorf("expected a completed report, got %s", report.Status)
	}
	if report.SubmitReason != shared.SubmitReasonUser {
		t.Errorf("expected a user submit, got %s", report.SubmitReason)
	}
	for _, line := range report.Breakdown {
		if !line.Completed || line.Score != 100 {
			t.Errorf("stage %s should be completed at 100, got %+v", line.Stage, line)
		}
	}

	if len(fix.reporter.reports) != 1 || fix.reporter.reports[0] != "user-1/"+sessionID+"/100" {
		t.Errorf("expected one perfect-score report, got %v", fix.reporter.reports)
	}
	if fix.records.count() != 0 {
		t.Errorf("all artifacts should be purged by the end, %d remain", fix.records.count())
	}
	if snapshot, _ := fix.snapshots.GetTimerSnapshot(ctx, sessionID); snapshot != nil {
		t.Error("the timer snapshot should be dropped on completion")
	}
	waitFor(t, 2*time.Second, func() bool {
		return fix.timerSvc.ActiveCount() == 0
	})

	history, err := fix.svc.GetScoreHistory("user-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Sessions) != 1 || history.Sessions[0].Overall != 100 {
		t.Errorf("history should carry the finished attempt, got %+v", history.Sessions)
	}
}
