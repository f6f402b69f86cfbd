package model

import "time"

// StageScore lives on the user's profile with its own lifetime, so results
// survive session cleanup. The unique index makes completion first-write-wins
// when an explicit submit races a forced one.
type StageScore struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"user_id" gorm:"not null;index"`
	SessionID string    `json:"session_id" gorm:"not null;uniqueIndex:idx_stage_scores_session_stage"`
	Stage     string    `json:"stage" gorm:"not null;uniqueIndex:idx_stage_scores_session_stage"`
	Score     int       `json:"score" gorm:"not null"`
	Rationale string    `json:"rationale,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

// AttemptQuota counts assessment attempts per user per day.
type AttemptQuota struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_attempt_quotas_user_date"`
	Date      string    `gorm:"not null;uniqueIndex:idx_attempt_quotas_user_date"`
	Used      int       `gorm:"not null"`
	Allowed   int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
