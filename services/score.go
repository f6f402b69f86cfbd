package services

import (
	"sort"
	"time"

	appContext "github.com/alphabatem/common/context"

	"github.com/fluentedge-labs/assess_api/dto"
	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// scoreStore is the slice of PostgresService the scoring layer uses.
type scoreStore interface {
	CreateStageScore(score *model.StageScore) error
	GetSessionStageScores(sessionID string) ([]model.StageScore, error)
	GetUserStageScores(userID string) ([]model.StageScore, error)
}

// ScoreService records per-stage results and folds them into the overall
// figure. A stage score is written once; later writes for the same stage of
// the same session are dropped, so racing submissions cannot double-count.
type ScoreService struct {
	appContext.DefaultService

	sqlSvc *PostgresService

	store scoreStore
}

const SCORE_SVC = "score_svc"

func (svc ScoreService) Id() string {
	return SCORE_SVC
}

func (svc *ScoreService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*PostgresService)
	svc.store = svc.sqlSvc

	return nil
}

// RecordStageScore persists the result for one stage. The first write for a
// (session, stage) pair wins.
func (svc *ScoreService) RecordStageScore(userID, sessionID, stage string, score int, rationale string) error {
	if !shared.IsValidStage(stage) {
		return shared.NewBadRequestError(nil, "Unknown stage")
	}

	return svc.store.CreateStageScore(&model.StageScore{
		UserID:    userID,
		SessionID: sessionID,
		Stage:     stage,
		Score:     shared.ClampScore(score),
		Rationale: rationale,
	})
}

// SessionScores returns the recorded per-stage scores for a session, keyed
// by stage. Stages with no row are simply absent.
func (svc *ScoreService) SessionScores(sessionID string) (map[string]int, error) {
	scores, err := svc.store.GetSessionStageScores(sessionID)
	if err != nil {
		return nil, err
	}

	byStage := make(map[string]int, len(scores))
	for _, s := range scores {
		byStage[s.Stage] = s.Score
	}

	return byStage, nil
}

// Overall computes the aggregate for a session, counting unrecorded stages
// as zero.
func (svc *ScoreService) Overall(sessionID string) (int, error) {
	byStage, err := svc.SessionScores(sessionID)
	if err != nil {
		return 0, err
	}

	return shared.AggregateScore(byStage), nil
}

// Report assembles the full score report for a session: the overall figure
// plus one line per stage in assessment order.
func (svc *ScoreService) Report(session *model.AssessmentSession) (*dto.ScoreReportResponse, error) {
	byStage, err := svc.SessionScores(session.ID)
	if err != nil {
		return nil, err
	}

	completion, err := session.Completion()
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to decode session progress")
	}

	breakdown := make([]dto.StageScoreView, 0, shared.StageCount)
	for _, stage := range shared.StageOrder {
		breakdown = append(breakdown, dto.StageScoreView{
			Stage:     stage,
			Score:     byStage[stage],
			Completed: completion[stage],
		})
	}

	return &dto.ScoreReportResponse{
		SessionID:    session.ID,
		Overall:      shared.AggregateScore(byStage),
		Breakdown:    breakdown,
		Status:       session.Status,
		SubmitReason: session.SubmitReason,
		CompletedAt:  session.CompletedAt,
	}, nil
}

// History returns one report per past session, newest first. Only sessions
// with at least one recorded score appear; a session abandoned before any
// stage completed has nothing to show.
func (svc *ScoreService) History(userID string) (*dto.ScoreHistoryResponse, error) {
	scores, err := svc.store.GetUserStageScores(userID)
	if err != nil {
		return nil, err
	}

	type sessionScores struct {
		byStage map[string]int
		latest  time.Time
	}

	grouped := map[string]*sessionScores{}
	for _, s := range scores {
		entry, ok := grouped[s.SessionID]
		if !ok {
			entry = &sessionScores{byStage: map[string]int{}}
			grouped[s.SessionID] = entry
		}
		entry.byStage[s.Stage] = s.Score
		if s.CreatedAt.After(entry.latest) {
			entry.latest = s.CreatedAt
		}
	}

	sessions := make([]dto.ScoreReportResponse, 0, len(grouped))
	for sessionID, entry := range grouped {
		breakdown := make([]dto.StageScoreView, 0, shared.StageCount)
		for _, stage := range shared.StageOrder {
			score, recorded := entry.byStage[stage]
			breakdown = append(breakdown, dto.StageScoreView{
				Stage:     stage,
				Score:     score,
				Completed: recorded,
			})
		}
		latest := entry.latest
		sessions = append(sessions, dto.ScoreReportResponse{
			SessionID:   sessionID,
			Overall:     shared.AggregateScore(entry.byStage),
			Breakdown:   breakdown,
			Status:      shared.SessionStatusCompleted,
			CompletedAt: &latest,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CompletedAt.After(*sessions[j].CompletedAt)
	})

	return &dto.ScoreHistoryResponse{Sessions: sessions}, nil
}
