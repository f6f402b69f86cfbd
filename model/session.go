package model

import (
	"encoding/json"
	"time"
)

// AssessmentSession is the per-attempt state container. Stage progress and
// per-stage transient payloads are stored as JSON columns so a reload or a
// second tab always sees the same authoritative snapshot.
type AssessmentSession struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	UserID          string          `json:"user_id" gorm:"not null;index"`
	Status          string          `json:"status" gorm:"not null"`
	CurrentStage    string          `json:"current_stage"`
	StageCompletion json.RawMessage `json:"stage_completion" gorm:"not null"`
	StageData       json.RawMessage `json:"-" gorm:"not null"`
	Topic           string          `json:"topic"`
	Difficulty      string          `json:"difficulty"`
	DurationSeconds int             `json:"duration_seconds" gorm:"not null"`
	Deadline        time.Time       `json:"deadline" gorm:"not null"`
	SubmitReason    string          `json:"submit_reason,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
	LastActivity    time.Time       `json:"last_activity" gorm:"not null;index"`
}

// SessionInactivityHorizon is how long a session survives without any
// activity before it is logically void.
const SessionInactivityHorizon = 24 * time.Hour

// StagePayload is the transient content for one stage, mutable only until
// that stage completes.
type StagePayload struct {
	Stage           string      `json:"stage"`
	Passage         string      `json:"passage,omitempty"`
	AudioResourceID string      `json:"audio_resource_id,omitempty"`
	Items           []StageItem `json:"items,omitempty"`
	ItemCursor      int         `json:"item_cursor"`
	Fallback        bool        `json:"fallback"`
}

// StageItem is a single question or task inside a stage. Reference holds the
// expected answer and must never be serialized back to the client.
type StageItem struct {
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options,omitempty"`
	Reference string   `json:"reference"`
	Grading   string   `json:"grading"`
	Answer    string   `json:"answer,omitempty"`
	Correct   *bool    `json:"correct,omitempty"`
	Score     int      `json:"score"`
}

func (s *AssessmentSession) Completion() (map[string]bool, error) {
	completion := map[string]bool{}
	if len(s.StageCompletion) == 0 {
		return completion, nil
	}
	if err := json.Unmarshal(s.StageCompletion, &completion); err != nil {
		return nil, err
	}
	return completion, nil
}

func (s *AssessmentSession) SetCompletion(completion map[string]bool) error {
	raw, err := json.Marshal(completion)
	if err != nil {
		return err
	}
	s.StageCompletion = raw
	return nil
}

func (s *AssessmentSession) Stages() (map[string]*StagePayload, error) {
	stages := map[string]*StagePayload{}
	if len(s.StageData) == 0 {
		return stages, nil
	}
	if err := json.Unmarshal(s.StageData, &stages); err != nil {
		return nil, err
	}
	return stages, nil
}

func (s *AssessmentSession) SetStages(stages map[string]*StagePayload) error {
	raw, err := json.Marshal(stages)
	if err != nil {
		return err
	}
	s.StageData = raw
	return nil
}

// Expired reports whether the record is past the inactivity horizon. An
// expired record is logically void even before the cleanup job removes it.
func (s *AssessmentSession) Expired() bool {
	return time.Since(s.LastActivity) > SessionInactivityHorizon
}

func (s *AssessmentSession) Completed() bool {
	return s.Status == "completed"
}
