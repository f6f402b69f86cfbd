package services

import (
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"

	"github.com/fluentedge-labs/assess_api/dto"
	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// quotaStore is the slice of PostgresService the quota layer uses.
type quotaStore interface {
	GetOrCreateAttemptQuota(userID, date string, allowed int) (*model.AttemptQuota, error)
	ConsumeAttempt(userID, date string) (bool, error)
}

// QuotaService enforces the daily assessment attempt limit. The counter
// lives in Postgres and is advanced with a guarded update, so two racing
// session creations can never both take the last attempt.
type QuotaService struct {
	appContext.DefaultService

	sqlSvc *PostgresService

	store quotaStore

	dailyLimit int
}

const QUOTA_SVC = "quota_svc"

func (svc QuotaService) Id() string {
	return QUOTA_SVC
}

func (svc *QuotaService) Configure(ctx *appContext.Context) error {
	svc.dailyLimit = 3
	if v := os.Getenv("DAILY_ATTEMPT_LIMIT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			svc.dailyLimit = parsed
		}
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *QuotaService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*PostgresService)
	svc.store = svc.sqlSvc

	return nil
}

// Consume takes one attempt for today and returns how many are left. When
// the day's budget is spent it fails with a conflict and consumes nothing.
func (svc *QuotaService) Consume(userID string) (int, error) {
	date := quotaDate()

	quota, err := svc.store.GetOrCreateAttemptQuota(userID, date, svc.dailyLimit)
	if err != nil {
		return 0, err
	}

	consumed, err := svc.store.ConsumeAttempt(userID, date)
	if err != nil {
		return 0, err
	}
	if !consumed {
		return 0, shared.NewConflictError(nil, "No assessment attempts remaining today")
	}

	remaining := quota.Allowed - quota.Used - 1
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Remaining reports today's quota without consuming anything.
func (svc *QuotaService) Remaining(userID string) (*dto.QuotaResponse, error) {
	date := quotaDate()

	quota, err := svc.store.GetOrCreateAttemptQuota(userID, date, svc.dailyLimit)
	if err != nil {
		return nil, err
	}

	remaining := quota.Allowed - quota.Used
	if remaining < 0 {
		remaining = 0
	}

	return &dto.QuotaResponse{
		Date:      date,
		Used:      quota.Used,
		Allowed:   quota.Allowed,
		Remaining: remaining,
	}, nil
}

// Quota days roll over at midnight UTC for every user.
func quotaDate() string {
	return time.Now().UTC().Format("2006-01-02")
}
