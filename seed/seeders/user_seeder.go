package seeders

import (
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/fluentedge-labs/assess_api/model"
)

// UserSeeder handles seeding demo candidate accounts
type UserSeeder struct {
	db *gorm.DB
}

// NewUserSeeder creates a new user seeder
func NewUserSeeder(db *gorm.DB) *UserSeeder {
	return &UserSeeder{db: db}
}

// SeedUsers creates demo candidates for local development. Production
// deployments skip this seeder.
func (s *UserSeeder) SeedUsers() error {
	demos := []struct {
		email    string
		username string
		password string
	}{
		{"demo@fluentedge.dev", "demo", "DemoPass123!"},
		{"candidate@fluentedge.dev", "candidate", "DemoPass123!"},
	}

	for _, demo := range demos {
		var existing model.User
		if err := s.db.Where("email = ?", demo.email).First(&existing).Error; err == nil {
			log.Printf("User %s already exists, skipping", demo.email)
			continue
		} else if err != gorm.ErrRecordNotFound {
			log.Printf("Error checking user %s: %v", demo.email, err)
			return err
		}

		hashed, err := bcrypt.GenerateFromPassword([]byte(demo.password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		now := time.Now()
		user := model.User{
			ID:        id.String(),
			Email:     demo.email,
			Username:  demo.username,
			Password:  string(hashed),
			Role:      "user",
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := s.db.Create(&user).Error; err != nil {
			log.Printf("Error creating user %s: %v", demo.email, err)
			return err
		}

		log.Printf("Created demo user: %s (password: %s)", demo.email, demo.password)
	}

	log.Println("User seeding completed successfully")
	return nil
}
