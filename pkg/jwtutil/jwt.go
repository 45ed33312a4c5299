package jwtutil

import (
	"errors"
	"time"

	"integration-service/pkg/config"

	"github.com/golang-jwt/jwt/v4"
)

var (
	signingKey []byte
	expiration time.Duration
)

// Init configures the signing key and token lifetime from the application config
func Init(cfg *config.Config) {
	signingKey = []byte(cfg.JWT.SigningKey)
	expiration = cfg.JWT.ExpirationTime
}

// UserClaims represents the JWT claims for admin authentication
type UserClaims struct {
	Email  string `json:"email"`
	UserID uint   `json:"user_id"`
	jwt.RegisteredClaims
}

// GenerateToken creates a JWT token with user information
func GenerateToken(email string, userID uint) (string, error) {
	if len(signingKey) == 0 {
		return "", errors.New("jwt signing key not configured")
	}

	claims := UserClaims{
		Email:  email,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}

// ValidateToken validates and parses the JWT token
func ValidateToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		return signingKey, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrSignatureInvalid
}
