package dto

import (
	"time"

	"github.com/fluentedge-labs/assess_api/model"
)

// ==================== SESSION DTOs ====================

type CreateAssessmentRequest struct {
	Topic      string `json:"topic,omitempty" validate:"omitempty,max=100" example:"daily life"`
	Difficulty string `json:"difficulty,omitempty" validate:"omitempty,oneof=beginner intermediate advanced" example:"intermediate"`
}

func (c CreateAssessmentRequest) Validate() error {
	return GetValidator().Struct(c)
}

type CreateAssessmentResponse struct {
	SessionID         string `json:"session_id"`
	CurrentStage      string `json:"current_stage" example:"reading"`
	RemainingSeconds  int    `json:"remaining_seconds" example:"1800"`
	RemainingAttempts int    `json:"remaining_attempts" example:"2"`
}

type SessionStateResponse struct {
	SessionID        string          `json:"session_id"`
	Status           string          `json:"status" example:"in_progress"`
	CurrentStage     string          `json:"current_stage" example:"listening"`
	StageCompletion  map[string]bool `json:"stage_completion"`
	RemainingSeconds int             `json:"remaining_seconds" example:"1240"`
	Deadline         time.Time       `json:"deadline"`
	SubmitReason     string          `json:"submit_reason,omitempty"`
}

// SyncProgressRequest carries the client's cached view of the attempt so the
// server can report drift against the authoritative record.
type SyncProgressRequest struct {
	CurrentStage     string          `json:"current_stage" validate:"omitempty" example:"listening"`
	StageCompletion  map[string]bool `json:"stage_completion"`
	RemainingSeconds int             `json:"remaining_seconds" validate:"min=0"`
}

func (s SyncProgressRequest) Validate() error {
	return GetValidator().Struct(s)
}

type SyncProgressResponse struct {
	State       SessionStateResponse `json:"state"`
	Drift       bool                 `json:"drift"`
	DriftFields []string             `json:"drift_fields,omitempty"`
}

type HeartbeatRequest struct {
	RemainingSeconds int `json:"remaining_seconds" validate:"min=0" example:"900"`
}

func (h HeartbeatRequest) Validate() error {
	return GetValidator().Struct(h)
}

// ==================== STAGE DTOs ====================

// StageItemView is the client-safe projection of a stage item. Expected
// answers stay server-side.
type StageItemView struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
	Grading string   `json:"grading" example:"exact"`
}

type StageContentResponse struct {
	Stage      string          `json:"stage" example:"listening"`
	Passage    string          `json:"passage,omitempty"`
	AudioURL   string          `json:"audio_url,omitempty" example:"/api/v1/assessment/resource/0198b2cc-3f9a-7c6e-b0e4-8138afcdc001"`
	Items      []StageItemView `json:"items,omitempty"`
	ItemCursor int             `json:"item_cursor"`
	Fallback   bool            `json:"fallback"`
}

type SubmitItemRequest struct {
	ItemID string `json:"item_id" validate:"required" example:"itm_3"`
	Answer string `json:"answer" validate:"required,max=4000"`
}

func (s SubmitItemRequest) Validate() error {
	return GetValidator().Struct(s)
}

type SubmitItemResponse struct {
	Correct       *bool          `json:"correct,omitempty"`
	Score         int            `json:"score" example:"100"`
	NextItem      *StageItemView `json:"next_item,omitempty"`
	StageComplete bool           `json:"stage_complete"`
}

type CompleteStageRequest struct {
	Score int `json:"score" validate:"min=0,max=100" example:"85"`
}

func (c CompleteStageRequest) Validate() error {
	return GetValidator().Struct(c)
}

type CompleteStageResponse struct {
	Stage            string `json:"stage" example:"reading"`
	Score            int    `json:"score" example:"85"`
	NextStage        string `json:"next_stage,omitempty" example:"listening"`
	SessionCompleted bool   `json:"session_completed"`
}

type ForceSubmitRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,oneof=user_submit timer_expired client_unload" example:"client_unload"`
}

func (f ForceSubmitRequest) Validate() error {
	return GetValidator().Struct(f)
}

// ==================== SCORE DTOs ====================

type StageScoreView struct {
	Stage     string `json:"stage" example:"reading"`
	Score     int    `json:"score" example:"85"`
	Completed bool   `json:"completed"`
}

type ScoreReportResponse struct {
	SessionID    string           `json:"session_id"`
	Overall      int              `json:"overall" example:"72"`
	Breakdown    []StageScoreView `json:"breakdown"`
	Status       string           `json:"status" example:"completed"`
	SubmitReason string           `json:"submit_reason,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

type ScoreHistoryResponse struct {
	Sessions []ScoreReportResponse `json:"sessions"`
}

// ==================== QUOTA & TOPIC DTOs ====================

type QuotaResponse struct {
	Date      string `json:"date" example:"2025-08-22"`
	Used      int    `json:"used" example:"1"`
	Allowed   int    `json:"allowed" example:"3"`
	Remaining int    `json:"remaining" example:"2"`
}

type TopicListResponse struct {
	Topics []model.AssessmentTopic `json:"topics"`
}
