package main

import (
	"github.com/fluentedge-labs/assess_api/services"

	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading .env file")
	}

	ctx, err := context.NewCtx(
		&services.PostgresService{},
		&services.RedisService{},
		&services.MinIOService{},
		&services.MonitoringService{},

		&services.JWTService{},
		&services.EmailService{},
		&services.AuthService{},

		&services.GeneratorService{},
		&services.ResourceService{},
		&services.SessionService{},
		&services.ScoreService{},
		&services.QuotaService{},
		&services.RecoveryService{},
		&services.TimerService{},
		&services.StageService{},
		&services.AssessmentService{},

		&services.RateLimitService{},
		&services.HttpService{},
	)
	if err != nil {
		log.Fatal().Err(err)
		return
	}

	err = ctx.Run()
	if err != nil {
		log.Fatal().Err(err)
		return
	}
}
