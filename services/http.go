package services

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	docs "github.com/fluentedge-labs/assess_api/docs"

	"github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	fiberSwagger "github.com/gofiber/swagger"
	log "github.com/sirupsen/logrus"

	"github.com/fluentedge-labs/assess_api/services/handlers"
	"github.com/fluentedge-labs/assess_api/shared"
)

type HttpService struct {
	context.DefaultService

	authSvc       *AuthService
	assessmentSvc *AssessmentService
	rateLimitSvc  *RateLimitService
	monitoringSvc *MonitoringService

	port int
	app  *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	return svc.DefaultService.Configure(ctx)
}

// Start builds the router and serves it. This service is registered last,
// so blocking here keeps the process alive.
func (svc *HttpService) Start() error {
	svc.authSvc = svc.Service(AUTH_SVC).(*AuthService)
	svc.assessmentSvc = svc.Service(ASSESSMENT_SVC).(*AssessmentService)
	svc.rateLimitSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.monitoringSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	docs.SwaggerInfo.BasePath = ""

	svc.app = fiber.New(fiber.Config{
		AppName:               "assess_api",
		ErrorHandler:          svc.handleError,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	svc.app.Use(recover.New())

	if os.Getenv("LOG_LEVEL") == "TRACE" {
		svc.app.Use(logger.New())
	}

	svc.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	svc.app.Use(MonitoringMiddleware(svc.monitoringSvc))
	svc.app.Use(svc.rateLimitSvc.IPRateLimit())

	svc.registerRoutes()

	return svc.app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.app != nil {
		_ = svc.app.Shutdown()
	}
}

func (svc *HttpService) registerRoutes() {
	authHandler := handlers.NewAuthHandler(svc.authSvc)
	assessmentHandler := handlers.NewAssessmentHandler(svc.assessmentSvc)
	userHandler := handlers.NewUserHandler(svc.assessmentSvc)

	svc.app.Get("/ping", svc.ping)
	svc.app.Get("/swagger/*", fiberSwagger.HandlerDefault)

	v1 := svc.app.Group("/api/v1")
	v1.Get("/ping", svc.ping)

	auth := v1.Group("/auth")
	auth.Post("/register", svc.rateLimitSvc.RateLimit("register"), authHandler.Register)
	auth.Post("/login", svc.rateLimitSvc.RateLimit("login"), authHandler.Login)
	auth.Post("/refresh", svc.rateLimitSvc.RateLimit("refresh"), authHandler.RefreshToken)

	assessment := v1.Group("/assessment", svc.authSvc.RequiredAuth())
	assessment.Post("/session", svc.rateLimitSvc.UserBasedRateLimit("session_create"), assessmentHandler.CreateSession)
	assessment.Get("/session/:sessionId", assessmentHandler.GetSessionState)
	assessment.Delete("/session/:sessionId", assessmentHandler.ClearSession)
	assessment.Post("/session/:sessionId/sync", assessmentHandler.SyncProgress)
	assessment.Post("/session/:sessionId/heartbeat", svc.rateLimitSvc.UserBasedRateLimit("heartbeat"), assessmentHandler.Heartbeat)
	assessment.Post("/session/:sessionId/submit", assessmentHandler.ForceSubmit)
	assessment.Get("/session/:sessionId/score", assessmentHandler.GetScoreReport)
	assessment.Get("/session/:sessionId/stage/:stageKind/content", assessmentHandler.GetStageContent)
	assessment.Post("/session/:sessionId/stage/:stageKind/item", svc.rateLimitSvc.UserBasedRateLimit("item_submit"), assessmentHandler.SubmitStageItem)
	assessment.Post("/session/:sessionId/stage/:stageKind/complete", assessmentHandler.CompleteStage)
	assessment.Get("/resource/:resourceId", assessmentHandler.GetResource)
	assessment.Get("/quota", assessmentHandler.GetQuota)
	assessment.Get("/topics", assessmentHandler.GetTopics)

	user := v1.Group("/user", svc.authSvc.RequiredAuth())
	user.Get("/scores", userHandler.GetScoreHistory)

	svc.app.Use(func(c *fiber.Ctx) error {
		return shared.NewNotFoundError(nil, "Page not found")
	})
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Accept  json
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")

	return shared.ResponseJSON(c, http.StatusOK, "Success", "pong")
}

func (svc *HttpService) handleError(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	if fiberErr, ok := err.(*fiber.Error); ok {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	log.WithError(err).Error("Unhandled request error")
	return shared.ResponseJSON(c, fiber.StatusInternalServerError, "Internal Server Error", nil)
}
