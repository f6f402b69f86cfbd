package model

import "time"

// AssessmentTopic is a curated subject the generator can build stage content
// around. Seeded; the client picks one at session start.
type AssessmentTopic struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	Name       string    `json:"name" gorm:"unique;not null"`
	Difficulty string    `json:"difficulty" gorm:"not null"`
	Active     bool      `json:"active" gorm:"default:true;not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
