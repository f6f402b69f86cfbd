package services

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alphabatem/common/context"

	"github.com/fluentedge-labs/assess_api/dto"
)

type JWTService struct {
	context.DefaultService

	AccessTokenDuration  time.Duration
	RefreshTokenDuration time.Duration
	jwtSecretKey         string
}

type CustomClaims struct {
	UserID    string `json:"user_id"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

const JWT_SVC = "jwt_svc"

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

func (svc JWTService) Id() string {
	return JWT_SVC
}

func (svc *JWTService) Configure(ctx *context.Context) error {
	svc.AccessTokenDuration = time.Duration(24 * time.Hour)
	svc.RefreshTokenDuration = time.Duration(7 * 24 * time.Hour)
	svc.jwtSecretKey = os.Getenv("JWT_SECRET")
	return svc.DefaultService.Configure(ctx)
}

func (svc *JWTService) Start() error {
	if svc.jwtSecretKey == "" {
		return errors.New("JWT_SECRET is not set")
	}
	return nil
}

// VerifyJWTToken validates an access token and returns the user it belongs
// to. Refresh tokens are rejected here; they only buy new pairs.
func (svc *JWTService) VerifyJWTToken(jwtToken string) (string, error) {
	claims, err := svc.parseClaims(jwtToken)
	if err != nil {
		return "", err
	}
	if claims.TokenType == tokenTypeRefresh {
		return "", errors.New("refresh token cannot be used for access")
	}

	return claims.UserID, nil
}

// VerifyRefreshToken validates a refresh token and returns the user it
// belongs to.
func (svc *JWTService) VerifyRefreshToken(jwtToken string) (string, error) {
	claims, err := svc.parseClaims(jwtToken)
	if err != nil {
		return "", err
	}
	if claims.TokenType != tokenTypeRefresh {
		return "", errors.New("token is not a refresh token")
	}

	return claims.UserID, nil
}

func (svc *JWTService) parseClaims(jwtToken string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(jwtToken, &CustomClaims{}, svc.getJWTKey)
	if err == nil && token.Valid {
		claims, ok := token.Claims.(*CustomClaims)
		if ok && claims != nil {
			// Validate expiration
			expTime, err := claims.GetExpirationTime()
			if err != nil {
				return nil, fmt.Errorf("failed to get expiration time: %v", err)
			}
			now := jwt.NewNumericDate(time.Now())
			if expTime.Unix() < now.Unix() {
				return nil, errors.New("token has expired")
			}

			return claims, nil
		}
	}

	return nil, errors.New("unsupported JWT format")
}

func (svc *JWTService) getJWTKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	return []byte(svc.jwtSecretKey), nil
}

func (svc *JWTService) GenerateTokenPair(userId string) (*dto.TokenPair, error) {
	accessToken, err := svc.signToken(userId, tokenTypeAccess, svc.AccessTokenDuration)
	if err != nil {
		return nil, err
	}

	refreshToken, err := svc.signToken(userId, tokenTypeRefresh, svc.RefreshTokenDuration)
	if err != nil {
		return nil, err
	}

	return &dto.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(svc.AccessTokenDuration.Seconds()),
	}, nil
}

func (svc *JWTService) signToken(userID, tokenType string, duration time.Duration) (string, error) {
	expTime := time.Now().Add(duration)

	claims := &CustomClaims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "FluentEdge",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(svc.jwtSecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %v", err)
	}

	return tokenString, nil
}

func (svc *JWTService) ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header is missing")
	}

	// Check if the header starts with "Bearer "
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}

	// Extract the token
	return authHeader[7:], nil
}
