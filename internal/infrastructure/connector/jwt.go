package connector

import (
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/golang-jwt/jwt/v5"
)

// checkBearerExpiry fails fast on a JWT bearer token that has already
// expired. Opaque tokens and tokens without an exp claim pass.
func checkBearerExpiry(token string, now time.Time) *settings.ProbeError {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return &settings.ProbeError{
			Kind:    settings.ProbeKindAuth,
			Message: "bearer token expired at " + claims.ExpiresAt.UTC().Format(time.RFC3339),
			Err:     jwt.ErrTokenExpired,
		}
	}
	return nil
}
