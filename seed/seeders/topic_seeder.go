package seeders

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/fluentedge-labs/assess_api/model"
)

// TopicSeeder handles seeding assessment topics
type TopicSeeder struct {
	db *gorm.DB
}

// NewTopicSeeder creates a new topic seeder
func NewTopicSeeder(db *gorm.DB) *TopicSeeder {
	return &TopicSeeder{db: db}
}

// SeedTopics seeds the database with the default topic bank
func (s *TopicSeeder) SeedTopics() error {
	topics := s.getDefaultTopics()

	for _, topic := range topics {
		var existing model.AssessmentTopic
		if err := s.db.Where("id = ?", topic.ID).First(&existing).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				if err := s.db.Create(&topic).Error; err != nil {
					log.Printf("Error creating topic %s: %v", topic.Name, err)
					return err
				}
				log.Printf("Created topic: %s", topic.Name)
			} else {
				log.Printf("Error checking topic %s: %v", topic.Name, err)
				return err
			}
		} else {
			log.Printf("Topic %s already exists, skipping", topic.Name)
		}
	}

	log.Println("Topic seeding completed successfully")
	return nil
}

// getDefaultTopics returns the starter topic bank across all difficulties
func (s *TopicSeeder) getDefaultTopics() []model.AssessmentTopic {
	now := time.Now()

	type entry struct {
		id         string
		name       string
		difficulty string
	}

	entries := []entry{
		{"topic_daily_life", "daily life", "beginner"},
		{"topic_food_cooking", "food and cooking", "beginner"},
		{"topic_family_friends", "family and friends", "beginner"},
		{"topic_weather_seasons", "weather and seasons", "beginner"},
		{"topic_hobbies", "hobbies and free time", "beginner"},
		{"topic_travel", "travel and holidays", "intermediate"},
		{"topic_work_career", "work and careers", "intermediate"},
		{"topic_city_life", "city life and transport", "intermediate"},
		{"topic_health_fitness", "health and fitness", "intermediate"},
		{"topic_technology", "technology in everyday life", "intermediate"},
		{"topic_education", "education and learning", "intermediate"},
		{"topic_environment", "the environment and climate", "advanced"},
		{"topic_media_news", "media and the news", "advanced"},
		{"topic_science", "science and discovery", "advanced"},
		{"topic_economy", "money and the economy", "advanced"},
		{"topic_culture_arts", "culture and the arts", "advanced"},
	}

	topics := make([]model.AssessmentTopic, 0, len(entries))
	for _, e := range entries {
		topics = append(topics, model.AssessmentTopic{
			ID:         e.id,
			Name:       e.name,
			Difficulty: e.difficulty,
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	return topics
}
