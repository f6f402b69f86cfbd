package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type PostgresService struct {
	context.DefaultService
	db *gorm.DB

	database string
}

const SQL_SVC = "postgres_svc"

// storageRetryAttempts bounds the local retry budget for transient
// backing-store failures before they surface as retriable errors.
const storageRetryAttempts = 3

func (ds PostgresService) Id() string {
	return SQL_SVC
}

func (ds PostgresService) Db() *gorm.DB {
	return ds.db
}

func (ds *PostgresService) Configure(ctx *context.Context) error {
	ds.database = os.Getenv("DATABASE_URL")
	if ds.database == "" {
		host := os.Getenv("DB_HOST")
		if host == "" {
			host = "localhost"
		}
		port := os.Getenv("DB_PORT")
		if port == "" {
			port = "5432"
		}
		user := os.Getenv("DB_USER")
		if user == "" {
			user = "postgres"
		}
		password := os.Getenv("DB_PASSWORD")
		if password == "" {
			password = "postgres"
		}
		dbname := os.Getenv("DB_NAME")
		if dbname == "" {
			dbname = "assess_api"
		}
		sslmode := os.Getenv("DB_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		timezone := os.Getenv("DB_TIMEZONE")
		if timezone == "" {
			timezone = "UTC"
		}

		ds.database = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			host, user, password, dbname, port, sslmode, timezone)
	}

	return ds.DefaultService.Configure(ctx)
}

func (ds *PostgresService) Start() (err error) {
	maxRetries := 10
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Printf("Attempting to connect to database (attempt %d/%d)...", attempt, maxRetries)

		ds.db, err = gorm.Open(postgres.Open(ds.database), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Error),
		})

		if err == nil {
			sqlDB, dbErr := ds.db.DB()
			if dbErr == nil {
				pingErr := sqlDB.Ping()
				if pingErr == nil {
					log.Println("Successfully connected to database")
					break
				}
				err = pingErr
			} else {
				err = dbErr
			}
		}

		if attempt == maxRetries {
			log.Printf("Failed to connect to database after %d attempts: %v", maxRetries, err)
			return err
		}

		log.Printf("Database connection failed: %v. Retrying in %v...", err, retryDelay)
		time.Sleep(retryDelay)

		retryDelay *= 2
		if retryDelay > 10*time.Second {
			retryDelay = 10 * time.Second
		}
	}

	models := []interface{}{
		&model.User{},
		&model.AssessmentSession{},
		&model.ResourceArtifact{},
		&model.StageScore{},
		&model.AttemptQuota{},
		&model.AssessmentTopic{},
		&model.RateLimit{},
		&model.RateLimitConfig{},
	}

	err = ds.db.AutoMigrate(models...)
	if err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return err
	}

	err = ds.seedInitialData()
	if err != nil {
		log.Printf("Failed to seed initial data: %v", err)
		return err
	}

	ticker := time.NewTicker(time.Hour)
	go func() {
		for range ticker.C {
			if err := ds.CleanupExpiredData(); err != nil {
				log.Printf("Failed to cleanup expired data: %v", err)
			}
		}
	}()

	log.Println("Database connected and migrated successfully")
	return nil
}

func (ds *PostgresService) Shutdown() {
	sqlDB, err := ds.db.DB()
	if err == nil {
		sqlDB.Close()
	}
}

func (ds *PostgresService) HandleError(err error) error {
	if err == nil {
		return nil
	}

	var statusCode int
	var errorType string

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		statusCode = http.StatusNotFound // 404
		errorType = "NOT_FOUND"
	case errors.Is(err, gorm.ErrDuplicatedKey):
		statusCode = http.StatusConflict // 409
		errorType = "CONFLICT"
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		statusCode = http.StatusBadRequest // 400
		errorType = "FOREIGN_KEY_VIOLATION"
	case errors.Is(err, gorm.ErrInvalidTransaction):
		statusCode = http.StatusInternalServerError // 500
		errorType = "TRANSACTION_ERROR"
	default:
		if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
			statusCode = http.StatusConflict // 409
			errorType = "UNIQUE_CONSTRAINT"
		} else if strings.Contains(err.Error(), "relation") && strings.Contains(err.Error(), "does not exist") {
			statusCode = http.StatusInternalServerError // 500
			errorType = "SCHEMA_ERROR"
		} else if ds.isTransient(err) {
			statusCode = http.StatusServiceUnavailable // 503
			errorType = "DATABASE_CONNECTION_ERROR"
		} else {
			statusCode = http.StatusInternalServerError // 500
			errorType = "INTERNAL_ERROR"
		}
	}

	logEntry := log.WithFields(log.Fields{
		"status_code": statusCode,
		"error_type":  errorType,
		"error":       err.Error(),
	})

	if statusCode >= 500 {
		logEntry.Error("Database error occurred")
	} else {
		logEntry.Warn("Database operation failed")
	}

	return fmt.Errorf("%s: %w", errorType, err)
}

// IsNotFound lets callers translate lookup misses without poking at gorm.
func (ds *PostgresService) IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (ds *PostgresService) isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out")
}

// withRetry runs op up to storageRetryAttempts times, backing off between
// attempts. Only transient failures are retried.
func (ds *PostgresService) withRetry(op func() error) error {
	var err error
	delay := 100 * time.Millisecond

	for attempt := 1; attempt <= storageRetryAttempts; attempt++ {
		err = op()
		if err == nil || !ds.isTransient(err) {
			return err
		}

		if attempt < storageRetryAttempts {
			log.WithFields(log.Fields{
				"attempt": attempt,
				"error":   err.Error(),
			}).Warn("Transient storage error, retrying")
			time.Sleep(delay)
			delay *= 2
		}
	}

	return shared.NewServiceUnavailableError(err, "Storage temporarily unavailable")
}

// ==================== USER ACCESSORS ====================

func (ds *PostgresService) CreateUser(user *model.User) (*model.User, error) {
	id, _ := uuid.NewV7()
	user.ID = id.String()
	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()
	if err := ds.db.Create(user).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return user, nil
}

func (ds *PostgresService) GetUser(userID string) (*model.User, error) {
	var user model.User
	if err := ds.db.Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return &user, nil
}

func (ds *PostgresService) GetUserByEmail(email string) (*model.User, error) {
	var user model.User
	if err := ds.db.Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (ds *PostgresService) GetUserByUsername(username string) (*model.User, error) {
	var user model.User
	if err := ds.db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (ds *PostgresService) GetUserByEmailOrUsername(emailOrUsername string) (*model.User, error) {
	var user model.User
	if err := ds.db.Where("email = ? OR username = ?", emailOrUsername, emailOrUsername).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (ds *PostgresService) UpdateUser(user *model.User) error {
	user.UpdatedAt = time.Now()
	if err := ds.db.Save(user).Error; err != nil {
		return ds.HandleError(err)
	}
	return nil
}

// ==================== ASSESSMENT SESSION ACCESSORS ====================

func (ds *PostgresService) CreateAssessmentSession(session *model.AssessmentSession) (*model.AssessmentSession, error) {
	if session.ID == "" {
		id, _ := uuid.NewV7()
		session.ID = id.String()
	}
	session.CreatedAt = time.Now()
	session.LastActivity = time.Now()

	err := ds.withRetry(func() error {
		return ds.db.Create(session).Error
	})
	if err != nil {
		if _, ok := shared.GetAppError(err); ok {
			return nil, err
		}
		return nil, ds.HandleError(err)
	}
	return session, nil
}

func (ds *PostgresService) GetAssessmentSession(userID, sessionID string) (*model.AssessmentSession, error) {
	var session model.AssessmentSession
	err := ds.withRetry(func() error {
		return ds.db.Where("id = ? AND user_id = ?", sessionID, userID).First(&session).Error
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (ds *PostgresService) GetActiveAssessmentSession(userID string) (*model.AssessmentSession, error) {
	var session model.AssessmentSession
	err := ds.db.Where("user_id = ? AND status = ?", userID, shared.SessionStatusInProgress).
		Order("created_at DESC").First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (ds *PostgresService) SaveAssessmentSession(session *model.AssessmentSession) error {
	err := ds.withRetry(func() error {
		return ds.db.Save(session).Error
	})
	if err != nil {
		if _, ok := shared.GetAppError(err); ok {
			return err
		}
		return ds.HandleError(err)
	}
	return nil
}

func (ds *PostgresService) DeleteAssessmentSession(userID, sessionID string) error {
	if err := ds.db.Where("id = ? AND user_id = ?", sessionID, userID).
		Delete(&model.AssessmentSession{}).Error; err != nil {
		return ds.HandleError(err)
	}
	return nil
}

// GetOverdueSessions returns in-progress sessions whose deadline passed at
// least grace ago and that never received any completion signal.
func (ds *PostgresService) GetOverdueSessions(grace time.Duration) ([]model.AssessmentSession, error) {
	var sessions []model.AssessmentSession
	cutoff := time.Now().Add(-grace)
	err := ds.db.Where("status = ? AND deadline < ?", shared.SessionStatusInProgress, cutoff).
		Find(&sessions).Error
	if err != nil {
		return nil, ds.HandleError(err)
	}
	return sessions, nil
}

func (ds *PostgresService) CleanupExpiredSessions() error {
	cutoff := time.Now().Add(-model.SessionInactivityHorizon)
	result := ds.db.Where("last_activity < ?", cutoff).Delete(&model.AssessmentSession{})
	if result.Error != nil {
		return ds.HandleError(result.Error)
	}
	if result.RowsAffected > 0 {
		log.WithField("count", result.RowsAffected).Info("Removed sessions past inactivity horizon")
	}
	return nil
}

// ==================== RESOURCE ARTIFACT ACCESSORS ====================

func (ds *PostgresService) CreateResourceArtifact(artifact *model.ResourceArtifact) (*model.ResourceArtifact, error) {
	if artifact.ID == "" {
		id, _ := uuid.NewV7()
		artifact.ID = id.String()
	}
	artifact.CreatedAt = time.Now()
	if artifact.ExpiresAt.IsZero() {
		artifact.ExpiresAt = artifact.CreatedAt.Add(model.ArtifactDefaultTTL)
	}

	err := ds.withRetry(func() error {
		return ds.db.Create(artifact).Error
	})
	if err != nil {
		if _, ok := shared.GetAppError(err); ok {
			return nil, err
		}
		return nil, ds.HandleError(err)
	}
	return artifact, nil
}

func (ds *PostgresService) GetResourceArtifact(id string) (*model.ResourceArtifact, error) {
	var artifact model.ResourceArtifact
	err := ds.withRetry(func() error {
		return ds.db.Where("id = ?", id).First(&artifact).Error
	})
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// DeleteResourceArtifact removes the tracking record. Deleting a record that
// is already gone is not an error.
func (ds *PostgresService) DeleteResourceArtifact(id string) error {
	if err := ds.db.Where("id = ?", id).Delete(&model.ResourceArtifact{}).Error; err != nil {
		return ds.HandleError(err)
	}
	return nil
}

func (ds *PostgresService) GetSessionArtifacts(sessionID string) ([]model.ResourceArtifact, error) {
	var artifacts []model.ResourceArtifact
	if err := ds.db.Where("session_id = ?", sessionID).Find(&artifacts).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return artifacts, nil
}

func (ds *PostgresService) GetStageArtifacts(sessionID, stageTag string) ([]model.ResourceArtifact, error) {
	var artifacts []model.ResourceArtifact
	if err := ds.db.Where("session_id = ? AND stage_tag = ?", sessionID, stageTag).
		Find(&artifacts).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return artifacts, nil
}

func (ds *PostgresService) GetExpiredArtifacts(now time.Time) ([]model.ResourceArtifact, error) {
	var artifacts []model.ResourceArtifact
	if err := ds.db.Where("expires_at < ?", now).Find(&artifacts).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return artifacts, nil
}

// GetTrackedObjectNames lists every object name with a live tracking record,
// the reference set for the orphan sweep.
func (ds *PostgresService) GetTrackedObjectNames() ([]string, error) {
	var names []string
	if err := ds.db.Model(&model.ResourceArtifact{}).Pluck("object_name", &names).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return names, nil
}

// ==================== STAGE SCORE ACCESSORS ====================

// CreateStageScore records a per-stage result. The (session, stage) unique
// index plus DoNothing makes racing completions first-write-wins.
func (ds *PostgresService) CreateStageScore(score *model.StageScore) error {
	if score.ID == "" {
		id, _ := uuid.NewV7()
		score.ID = id.String()
	}
	score.CreatedAt = time.Now()

	err := ds.withRetry(func() error {
		return ds.db.Clauses(clause.OnConflict{DoNothing: true}).Create(score).Error
	})
	if err != nil {
		if _, ok := shared.GetAppError(err); ok {
			return err
		}
		return ds.HandleError(err)
	}
	return nil
}

func (ds *PostgresService) GetSessionStageScores(sessionID string) ([]model.StageScore, error) {
	var scores []model.StageScore
	err := ds.withRetry(func() error {
		return ds.db.Where("session_id = ?", sessionID).Find(&scores).Error
	})
	if err != nil {
		if _, ok := shared.GetAppError(err); ok {
			return nil, err
		}
		return nil, ds.HandleError(err)
	}
	return scores, nil
}

func (ds *PostgresService) GetUserStageScores(userID string) ([]model.StageScore, error) {
	var scores []model.StageScore
	if err := ds.db.Where("user_id = ?", userID).Order("created_at DESC").
		Find(&scores).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return scores, nil
}

// ==================== ATTEMPT QUOTA ACCESSORS ====================

func (ds *PostgresService) GetOrCreateAttemptQuota(userID, date string, allowed int) (*model.AttemptQuota, error) {
	var quota model.AttemptQuota
	err := ds.db.Where("user_id = ? AND date = ?", userID, date).First(&quota).Error
	if err == nil {
		return &quota, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ds.HandleError(err)
	}

	id, _ := uuid.NewV7()
	quota = model.AttemptQuota{
		ID:        id.String(),
		UserID:    userID,
		Date:      date,
		Used:      0,
		Allowed:   allowed,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := ds.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&quota).Error; err != nil {
		return nil, ds.HandleError(err)
	}

	// Re-read in case a concurrent create won the conflict.
	if err := ds.db.Where("user_id = ? AND date = ?", userID, date).First(&quota).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return &quota, nil
}

// ConsumeAttempt increments usage only while under the limit. Returns false
// when the quota is exhausted.
func (ds *PostgresService) ConsumeAttempt(userID, date string) (bool, error) {
	result := ds.db.Model(&model.AttemptQuota{}).
		Where("user_id = ? AND date = ? AND used < allowed", userID, date).
		Updates(map[string]interface{}{
			"used":       gorm.Expr("used + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, ds.HandleError(result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ==================== TOPIC ACCESSORS ====================

func (ds *PostgresService) GetActiveTopics() ([]model.AssessmentTopic, error) {
	var topics []model.AssessmentTopic
	if err := ds.db.Where("active = ?", true).Order("name ASC").Find(&topics).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return topics, nil
}

func (ds *PostgresService) CreateTopic(topic *model.AssessmentTopic) (*model.AssessmentTopic, error) {
	if topic.ID == "" {
		id, _ := uuid.NewV7()
		topic.ID = id.String()
	}
	topic.CreatedAt = time.Now()
	topic.UpdatedAt = time.Now()
	if err := ds.db.Clauses(clause.OnConflict{DoNothing: true}).Create(topic).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return topic, nil
}

// ==================== RATE LIMIT ACCESSORS ====================

func (ds *PostgresService) GetRateLimit(identifier, endpointType string) (*model.RateLimit, error) {
	var rateLimit model.RateLimit
	err := ds.db.Where("identifier = ? AND endpoint_type = ?", identifier, endpointType).
		First(&rateLimit).Error
	if err != nil {
		return nil, err
	}
	return &rateLimit, nil
}

func (ds *PostgresService) SaveRateLimit(rateLimit *model.RateLimit) error {
	if rateLimit.ID == "" {
		id, _ := uuid.NewV7()
		rateLimit.ID = id.String()
		rateLimit.CreatedAt = time.Now()
	}
	rateLimit.UpdatedAt = time.Now()
	if err := ds.db.Save(rateLimit).Error; err != nil {
		return ds.HandleError(err)
	}
	return nil
}

func (ds *PostgresService) CleanupOldRateLimits(cutoff time.Time) error {
	if err := ds.db.Where("updated_at < ? AND (blocked_until IS NULL OR blocked_until < ?)",
		cutoff, time.Now()).Delete(&model.RateLimit{}).Error; err != nil {
		return ds.HandleError(err)
	}
	return nil
}

// ==================== MAINTENANCE ====================

// CleanupExpiredData runs the hourly retention pass. Rate limit records have
// their own cleanup job inside the rate limit service.
func (ds *PostgresService) CleanupExpiredData() error {
	return ds.CleanupExpiredSessions()
}

func (ds *PostgresService) seedInitialData() error {
	if err := ds.createDefaultAdmin(); err != nil {
		return err
	}
	return ds.createDefaultTopics()
}

func (ds *PostgresService) createDefaultAdmin() error {
	var count int64
	ds.db.Model(&model.User{}).Where("role = ?", shared.RoleAdmin).Count(&count)

	if count == 0 {
		password := os.Getenv("ADMIN_PASSWORD")
		if password == "" {
			password = "admin123"
		}
		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), 12)
		if err != nil {
			return err
		}

		id, _ := uuid.NewV7()
		admin := &model.User{
			ID:        id.String(),
			Username:  "admin",
			Email:     "admin@fluentedge.io",
			Password:  string(hashedPassword),
			Role:      shared.RoleAdmin,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}

		if err := ds.db.Create(admin).Error; err != nil {
			log.Printf("Failed to create admin user: %v", err)
			return err
		}

		log.Println("Default admin user created - Username: admin (CHANGE THE PASSWORD!)")
	}

	return nil
}

func (ds *PostgresService) createDefaultTopics() error {
	var count int64
	ds.db.Model(&model.AssessmentTopic{}).Count(&count)
	if count > 0 {
		return nil
	}

	defaults := []model.AssessmentTopic{
		{Name: "daily life", Difficulty: "beginner", Active: true},
		{Name: "travel and transport", Difficulty: "beginner", Active: true},
		{Name: "work and careers", Difficulty: "intermediate", Active: true},
		{Name: "science and technology", Difficulty: "intermediate", Active: true},
		{Name: "culture and media", Difficulty: "advanced", Active: true},
		{Name: "environment and society", Difficulty: "advanced", Active: true},
	}

	for i := range defaults {
		if _, err := ds.CreateTopic(&defaults[i]); err != nil {
			return err
		}
	}

	log.WithField("count", len(defaults)).Info("Seeded default assessment topics")
	return nil
}
