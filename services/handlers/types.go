package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/fluentedge-labs/assess_api/dto"
)

type AuthServiceInterface interface {
	Register(req *dto.RegisterRequest) (*dto.RegisterResponse, error)
	Login(req *dto.LoginRequest) (*dto.LoginResponse, error)
	Refresh(req *dto.RefreshTokenRequest) (*dto.TokenPair, error)
	RequiredAuth() fiber.Handler
}

type AssessmentServiceInterface interface {
	CreateSession(ctx context.Context, userID string, req *dto.CreateAssessmentRequest) (*dto.CreateAssessmentResponse, error)
	GetState(ctx context.Context, userID, sessionID string) (*dto.SessionStateResponse, error)
	Sync(ctx context.Context, userID, sessionID string, req *dto.SyncProgressRequest) (*dto.SyncProgressResponse, error)
	Heartbeat(ctx context.Context, userID, sessionID string, req *dto.HeartbeatRequest) (*dto.SessionStateResponse, error)
	ForceSubmit(ctx context.Context, userID, sessionID string, req *dto.ForceSubmitRequest) (*dto.SessionStateResponse, error)
	ClearSession(ctx context.Context, userID, sessionID string) error
	GetStageContent(ctx context.Context, userID, sessionID, stage string) (*dto.StageContentResponse, error)
	SubmitStageItem(ctx context.Context, userID, sessionID, stage string, req *dto.SubmitItemRequest) (*dto.SubmitItemResponse, error)
	CompleteStage(ctx context.Context, userID, sessionID, stage string, req *dto.CompleteStageRequest) (*dto.CompleteStageResponse, error)
	GetScoreReport(userID, sessionID string) (*dto.ScoreReportResponse, error)
	GetScoreHistory(userID string) (*dto.ScoreHistoryResponse, error)
	ReadResource(ctx context.Context, userID, resourceID string) ([]byte, string, error)
	GetQuota(userID string) (*dto.QuotaResponse, error)
	GetTopics() (*dto.TopicListResponse, error)
}
