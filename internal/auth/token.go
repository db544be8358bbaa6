// Package auth issues and validates the HS256 bearer tokens a device
// presents to the remote store.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/matchops/localsync/internal/errors"
)

// TokenType is the "type" claim carried by device tokens.
const TokenType = "device_sync"

// DefaultTTL is the lifetime of a freshly issued token.
const DefaultTTL = time.Hour

// Claims identifies the device a token was issued to.
type Claims struct {
	DeviceID string `json:"device_id"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

// IssueToken signs a token for deviceID that expires after ttl.
func IssueToken(secret, deviceID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", apperrors.New(apperrors.ErrSyncAuthFailed, "token secret is not configured")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		Type:     TokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses tokenString and checks its signature, expiry and
// type. A leading "Bearer " is accepted.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if len(tokenString) > 7 && strings.EqualFold(tokenString[:7], "bearer ") {
		tokenString = strings.TrimSpace(tokenString[7:])
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncAuthFailed, "invalid token", err)
	}
	if !token.Valid || claims.Type != TokenType {
		return nil, apperrors.New(apperrors.ErrSyncAuthFailed, "invalid token type")
	}
	return claims, nil
}
