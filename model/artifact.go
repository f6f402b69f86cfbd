package model

import "time"

// ResourceArtifact tracks one transient blob (synthesized audio) held in
// object storage. The record is the liveness mark: a physical object without
// a record, or a record past ExpiresAt, is sweep-eligible.
type ResourceArtifact struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	UserID      string    `json:"user_id" gorm:"not null;index"`
	SessionID   string    `json:"session_id" gorm:"not null;index"`
	StageTag    string    `json:"stage_tag" gorm:"not null"`
	ObjectName  string    `json:"object_name" gorm:"not null"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at" gorm:"not null"`
	ExpiresAt   time.Time `json:"expires_at" gorm:"not null;index"`
}

// ArtifactDefaultTTL bounds how long an artifact may outlive the stage that
// needed it.
const ArtifactDefaultTTL = time.Hour

func (a *ResourceArtifact) Expired() bool {
	return time.Now().After(a.ExpiresAt)
}
