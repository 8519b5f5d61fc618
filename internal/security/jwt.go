package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	// ErrNoSigningSecret is returned when admin sessions are disabled.
	ErrNoSigningSecret = errors.New("admin session signing secret is not configured")
)

const (
	sessionIssuer  = "gemini-relay"
	sessionSubject = "admin"
)

// AdminClaims are the claims of an admin session issued by /api/admin/verify.
type AdminClaims struct {
	jwt.RegisteredClaims
}

// GenerateAdminToken signs an HS256 admin session valid for expiry and returns it with its expiry.
func GenerateAdminToken(secret string, expiry time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, ErrNoSigningSecret
	}
	now := time.Now().UTC()
	expiresAt := now.Add(expiry)
	claims := AdminClaims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    sessionIssuer,
		Subject:   sessionSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}
	signed, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if errSign != nil {
		return "", time.Time{}, errSign
	}
	return signed, expiresAt, nil
}

// ParseAdminToken verifies signature, issuer, subject and expiry of an admin session.
func ParseAdminToken(secret string, tokenString string) (*AdminClaims, error) {
	if secret == "" {
		return nil, ErrNoSigningSecret
	}
	claims := &AdminClaims{}
	_, errParse := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithSubject(sessionSubject),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errParse == nil:
		return claims, nil
	case errors.Is(errParse, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	default:
		return nil, ErrInvalidToken
	}
}
