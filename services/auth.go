package services

import (
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/alphabatem/common/context"

	"github.com/fluentedge-labs/assess_api/dto"
	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// AuthService owns account registration, credential checks and the request
// middleware that turns a bearer token into a user ID on the fiber context.
type AuthService struct {
	context.DefaultService

	sqlSvc   *PostgresService
	jwtSvc   *JWTService
	emailSvc *EmailService
}

const AUTH_SVC = "auth_svc"

const bcryptCost = 12

func (svc AuthService) Id() string {
	return AUTH_SVC
}

func (svc *AuthService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*PostgresService)
	svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	svc.emailSvc = svc.Service(EMAIL_SVC).(*EmailService)

	return nil
}

// ==================== Account flows ====================

func (svc *AuthService) Register(req *dto.RegisterRequest) (*dto.RegisterResponse, error) {
	if _, err := svc.sqlSvc.GetUserByEmail(req.Email); err == nil {
		return nil, shared.NewConflictError(nil, "Email is already registered")
	} else if !svc.sqlSvc.IsNotFound(err) {
		return nil, svc.sqlSvc.HandleError(err)
	}

	if _, err := svc.sqlSvc.GetUserByUsername(req.Username); err == nil {
		return nil, shared.NewConflictError(nil, "Username is already taken")
	} else if !svc.sqlSvc.IsNotFound(err) {
		return nil, svc.sqlSvc.HandleError(err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to hash password")
	}

	user, err := svc.sqlSvc.CreateUser(&model.User{
		Email:    req.Email,
		Username: req.Username,
		Password: string(hashed),
		Role:     shared.RoleUser,
	})
	if err != nil {
		return nil, err
	}

	go func() {
		if err := svc.emailSvc.SendWelcomeEmail(user.Email, user.Username); err != nil {
			log.WithError(err).WithField("user_id", user.ID).Error("Failed to send welcome email")
		}
	}()

	log.Infof("User %s registered", user.ID)

	return &dto.RegisterResponse{
		UserID:   user.ID,
		Username: user.Username,
		Message:  "Registration successful",
	}, nil
}

func (svc *AuthService) Login(req *dto.LoginRequest) (*dto.LoginResponse, error) {
	user, err := svc.sqlSvc.GetUserByEmailOrUsername(req.EmailOrUsername)
	if err != nil {
		if svc.sqlSvc.IsNotFound(err) {
			return nil, shared.NewUnauthorizedError(nil, "Invalid credentials")
		}
		return nil, svc.sqlSvc.HandleError(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, shared.NewUnauthorizedError(nil, "Invalid credentials")
	}

	user.LastLogin = time.Now()
	if err := svc.sqlSvc.UpdateUser(user); err != nil {
		log.WithError(err).WithField("user_id", user.ID).Error("Failed to record login time")
	}

	pair, err := svc.jwtSvc.GenerateTokenPair(user.ID)
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to issue tokens")
	}

	return &dto.LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User:         userInfo(user),
	}, nil
}

func (svc *AuthService) Refresh(req *dto.RefreshTokenRequest) (*dto.TokenPair, error) {
	userID, err := svc.jwtSvc.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		return nil, shared.NewUnauthorizedError(err, "Invalid refresh token")
	}

	if _, err := svc.sqlSvc.GetUser(userID); err != nil {
		if shared.IsStatus(err, fiber.StatusNotFound) {
			return nil, shared.NewUnauthorizedError(nil, "Invalid refresh token")
		}
		return nil, err
	}

	pair, err := svc.jwtSvc.GenerateTokenPair(userID)
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to issue tokens")
	}

	return pair, nil
}

// ==================== Middleware ====================

// RequiredAuth gates a route group on a valid access token and stores the
// caller's user ID on the request context.
func (svc *AuthService) RequiredAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		token, err := svc.jwtSvc.ExtractTokenFromHeader(authHeader)
		if err != nil {
			return shared.ResponseJSON(c, fiber.StatusUnauthorized, "Unauthorized", err.Error())
		}

		userID, err := svc.jwtSvc.VerifyJWTToken(token)
		if err != nil {
			return shared.ResponseJSON(c, fiber.StatusUnauthorized, "Unauthorized", "Invalid JWT token")
		}

		if userID == "" {
			return shared.ResponseJSON(c, fiber.StatusUnauthorized, "Unauthorized", "Invalid user ID in token")
		}

		c.Locals(shared.UserID, userID)
		return c.Next()
	}
}

func userInfo(user *model.User) dto.UserInfo {
	info := dto.UserInfo{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}
	if !user.LastLogin.IsZero() {
		lastLogin := user.LastLogin
		info.LastLoginAt = &lastLogin
	}
	return info
}
