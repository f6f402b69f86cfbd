package seeders

import (
	"log"

	"gorm.io/gorm"
)

// MainSeeder coordinates all seeding operations
type MainSeeder struct {
	db *gorm.DB
}

// NewMainSeeder creates a new main seeder
func NewMainSeeder(db *gorm.DB) *MainSeeder {
	return &MainSeeder{db: db}
}

// SeedAll runs all seeders in the correct order
func (s *MainSeeder) SeedAll() error {
	log.Println("Starting database seeding...")

	topicSeeder := NewTopicSeeder(s.db)
	if err := topicSeeder.SeedTopics(); err != nil {
		log.Printf("Topic seeding failed: %v", err)
		return err
	}

	userSeeder := NewUserSeeder(s.db)
	if err := userSeeder.SeedUsers(); err != nil {
		log.Printf("User seeding failed: %v", err)
		return err
	}

	log.Println("Database seeding completed successfully!")
	return nil
}

// SeedTopicsOnly seeds only the topic bank
func (s *MainSeeder) SeedTopicsOnly() error {
	topicSeeder := NewTopicSeeder(s.db)
	return topicSeeder.SeedTopics()
}

// SeedUsersOnly seeds only the demo users
func (s *MainSeeder) SeedUsersOnly() error {
	userSeeder := NewUserSeeder(s.db)
	return userSeeder.SeedUsers()
}
